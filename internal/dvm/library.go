package dvm

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/trace"
)

// LibraryFile is a virtual library file handed to the image loader.
type LibraryFile interface {
	// Name is the soname, e.g. libfoo.so.
	Name() string
	// MapRegionName is the path the loader reports for the mapping.
	MapRegionName() string
	// Path is the directory the library appears to live in.
	Path() string
	// MapBuffer returns the ELF image.
	MapBuffer() ([]byte, error)
	// ResolveLibrary finds a dependency next to this library. It returns
	// nil, nil when the dependency is not available from this source.
	ResolveLibrary(soName string) (LibraryFile, error)
}

// Module is a library mapped by the loader.
type Module interface {
	Name() string
	Base() uint64
	FindSymbol(name string) (uint64, bool)
}

// Runtime is the emulator the VM hands libraries to.
type Runtime interface {
	Is64Bit() bool
	Load(lib LibraryFile, forceCallInit bool) (Module, error)
	Call(addr uint64, args ...uint64) (uint64, error)
}

// LibraryFileName maps a logical library name to its file name.
func LibraryFileName(libname string) string {
	return "lib" + libname + ".so"
}

// SplitPackageName is the architecture split installed next to a base APK.
func SplitPackageName(is64Bit bool) string {
	if is64Bit {
		return "config.arm64_v8a.apk"
	}
	return "config.armeabi_v7a.apk"
}

// appLibDir is the platform library directory for a package.
func appLibDir(packageName string) string {
	dir := "/data/app-lib"
	if packageName != "" {
		dir += "/" + packageName + "-1"
	}
	return dir
}

// MountPath is the path a package library is mapped under.
func MountPath(packageName, soName string) string {
	return appLibDir(packageName) + "/" + soName
}

// abiDirs lists the package directories searched for native code.
func abiDirs(is64Bit bool) []string {
	if is64Bit {
		return []string{"lib/arm64-v8a/"}
	}
	return []string{"lib/armeabi-v7a/", "lib/armeabi/"}
}

// loadLibraryData reads soName from pkg for the process width.
func loadLibraryData(pkg Package, soName string, is64Bit bool) []byte {
	for _, dir := range abiDirs(is64Bit) {
		if data := pkg.FileData(dir + soName); len(data) > 0 {
			return data
		}
	}
	return nil
}

// apkLibraryFile is a library stored inside a package. Dependencies
// resolve against the same package.
type apkLibraryFile struct {
	pkg         Package
	soName      string
	data        []byte
	packageName string
	is64Bit     bool
}

func findLibrary(pkg Package, soName string, is64Bit bool) *apkLibraryFile {
	data := loadLibraryData(pkg, soName, is64Bit)
	if data == nil {
		return nil
	}
	return &apkLibraryFile{
		pkg:         pkg,
		soName:      soName,
		data:        data,
		packageName: pkg.PackageName(),
		is64Bit:     is64Bit,
	}
}

func (f *apkLibraryFile) Name() string               { return f.soName }
func (f *apkLibraryFile) MapRegionName() string      { return MountPath(f.packageName, f.soName) }
func (f *apkLibraryFile) Path() string               { return appLibDir(f.packageName) }
func (f *apkLibraryFile) MapBuffer() ([]byte, error) { return f.data, nil }

func (f *apkLibraryFile) ResolveLibrary(soName string) (LibraryFile, error) {
	data := loadLibraryData(f.pkg, soName, f.is64Bit)
	if data == nil {
		return nil, nil
	}
	return &apkLibraryFile{
		pkg:         f.pkg,
		soName:      soName,
		data:        data,
		packageName: f.packageName,
		is64Bit:     f.is64Bit,
	}, nil
}

// rawLibraryFile is an in-memory image with no resolvable neighbours.
type rawLibraryFile struct {
	name string
	data []byte
}

func (f *rawLibraryFile) Name() string                               { return f.name }
func (f *rawLibraryFile) MapRegionName() string                      { return f.name }
func (f *rawLibraryFile) Path() string                               { return "" }
func (f *rawLibraryFile) MapBuffer() ([]byte, error)                 { return f.data, nil }
func (f *rawLibraryFile) ResolveLibrary(string) (LibraryFile, error) { return nil, nil }

// FileLibrary is an ELF file on the host filesystem. Dependencies are
// looked up in the same directory.
type FileLibrary struct {
	path string
}

// NewFileLibrary wraps a host path.
func NewFileLibrary(path string) *FileLibrary {
	return &FileLibrary{path: path}
}

func (f *FileLibrary) Name() string          { return filepath.Base(f.path) }
func (f *FileLibrary) MapRegionName() string { return f.path }
func (f *FileLibrary) Path() string          { return filepath.Dir(f.path) }

func (f *FileLibrary) MapBuffer() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FileLibrary) ResolveLibrary(soName string) (LibraryFile, error) {
	path := filepath.Join(filepath.Dir(f.path), soName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	return &FileLibrary{path: path}, nil
}

// LoadLibrary loads lib<libname>.so from the package, falling back to the
// architecture split stored next to it.
func (vm *VM) LoadLibrary(libname string, forceCallInit bool) (*DalvikModule, error) {
	if vm.pkg == nil {
		return nil, Unsupported("loadLibrary")
	}
	if vm.runtime == nil {
		return nil, &Error{Kind: KindUnsupported, Op: "loadLibrary", Detail: "no runtime attached"}
	}

	is64 := vm.Is64Bit()
	soName := LibraryFileName(libname)
	lib := findLibrary(vm.pkg, soName, is64)
	if lib == nil {
		if split := vm.pkg.Split(SplitPackageName(is64)); split != nil {
			lib = findLibrary(split, soName, is64)
			if lib != nil {
				// Mount under the base package name, not the split's.
				lib.packageName = vm.pkg.PackageName()
				vm.log.Debug("library found in split", zap.String("lib", soName))
			}
		}
	}
	if lib == nil {
		return nil, LoadFailed(libname, nil)
	}

	return vm.load(lib, forceCallInit)
}

// LoadLibraryBytes loads an ELF image held in memory.
func (vm *VM) LoadLibraryBytes(libname string, raw []byte, forceCallInit bool) (*DalvikModule, error) {
	if len(raw) == 0 {
		return nil, InvalidInput("loadLibrary", "empty library image for "+libname)
	}
	if vm.runtime == nil {
		return nil, &Error{Kind: KindUnsupported, Op: "loadLibrary", Detail: "no runtime attached"}
	}
	return vm.load(&rawLibraryFile{name: libname, data: raw}, forceCallInit)
}

// LoadLibraryFile loads an ELF file from the host filesystem.
func (vm *VM) LoadLibraryFile(path string, forceCallInit bool) (*DalvikModule, error) {
	if vm.runtime == nil {
		return nil, &Error{Kind: KindUnsupported, Op: "loadLibrary", Detail: "no runtime attached"}
	}
	return vm.load(NewFileLibrary(path), forceCallInit)
}

func (vm *VM) load(lib LibraryFile, forceCallInit bool) (*DalvikModule, error) {
	module, err := vm.runtime.Load(lib, forceCallInit)
	if err != nil {
		return nil, LoadFailed(lib.Name(), err)
	}
	vm.log.LibraryLoad(lib.Name(), lib.MapRegionName(), module.Base())
	vm.emit(trace.Library, "LoadLibrary", lib.MapRegionName())
	return &DalvikModule{vm: vm, module: module}, nil
}

// CallJNIOnLoad runs JNI_OnLoad for a module loaded outside the VM.
func (vm *VM) CallJNIOnLoad(module Module) error {
	return (&DalvikModule{vm: vm, module: module}).CallJNIOnLoad()
}

// DalvikModule pairs a loaded module with the VM that loaded it.
type DalvikModule struct {
	vm     *VM
	module Module
}

// Module returns the loader's module.
func (m *DalvikModule) Module() Module { return m.module }

// CallJNIOnLoad invokes JNI_OnLoad(JavaVM*, NULL) inside a native frame
// and checks the version it returns. Modules without the symbol are
// skipped.
func (m *DalvikModule) CallJNIOnLoad() error {
	addr, ok := m.module.FindSymbol("JNI_OnLoad")
	if !ok || addr == 0 {
		m.vm.log.Debug("JNI_OnLoad not found", zap.String("lib", m.module.Name()))
		return nil
	}

	frame := m.vm.EnterFrame()
	defer frame.Close()

	m.vm.emit(trace.JavaVM, "JNI_OnLoad", m.module.Name())
	ret, err := m.vm.runtime.Call(addr, m.vm.JavaVM(), 0)
	if err != nil {
		return fmt.Errorf("call JNI_OnLoad in %s: %w", m.module.Name(), err)
	}

	version := int32(uint32(ret))
	m.vm.log.Info("JNI_OnLoad",
		zap.String("lib", m.module.Name()),
		zap.String("version", fmt.Sprintf("0x%x", uint32(version))),
	)
	return CheckVersion(version)
}

// CallFunction invokes an exported symbol inside a native frame.
// The first two arguments are JNIEnv* and jclass/jobject by convention.
func (m *DalvikModule) CallFunction(symbol string, args ...uint64) (uint64, error) {
	addr, ok := m.module.FindSymbol(symbol)
	if !ok || addr == 0 {
		return 0, fmt.Errorf("symbol %s not found in %s", symbol, m.module.Name())
	}

	frame := m.vm.EnterFrame()
	defer frame.Close()

	m.vm.emit(trace.JavaVM, "CallFunction", symbol)
	return m.vm.runtime.Call(addr, args...)
}
