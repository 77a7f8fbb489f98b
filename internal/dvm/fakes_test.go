package dvm

import (
	"errors"
	"sync"
)

type fakePackage struct {
	name   string
	files  map[string][]byte
	assets map[string][]byte
	splits map[string]*fakePackage
}

func newFakePackage(name string) *fakePackage {
	return &fakePackage{
		name:   name,
		files:  make(map[string][]byte),
		assets: make(map[string][]byte),
		splits: make(map[string]*fakePackage),
	}
}

func (p *fakePackage) PackageName() string       { return p.name }
func (p *fakePackage) Manifest() []byte          { return []byte("<manifest/>") }
func (p *fakePackage) ManifestXML() string       { return "<manifest/>" }
func (p *fakePackage) VersionName() string       { return "1.0" }
func (p *fakePackage) VersionCode() int64        { return 7 }
func (p *fakePackage) Signatures() []Signature   { return []Signature{{Name: "META-INF/CERT.RSA"}} }
func (p *fakePackage) OpenAsset(n string) []byte { return p.assets[n] }
func (p *fakePackage) FileData(n string) []byte  { return p.files[n] }

func (p *fakePackage) Split(fileName string) Package {
	if s, ok := p.splits[fileName]; ok {
		return s
	}
	return nil
}

type fakeModule struct {
	name    string
	base    uint64
	symbols map[string]uint64
}

func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) Base() uint64 { return m.base }

func (m *fakeModule) FindSymbol(name string) (uint64, bool) {
	addr, ok := m.symbols[name]
	return addr, ok
}

type loadCall struct {
	name   string
	region string
	data   []byte
	force  bool
	lib    LibraryFile
}

// fakeRuntime records loads and answers calls from a table.
type fakeRuntime struct {
	mu      sync.Mutex
	is64    bool
	loads   []loadCall
	calls   [][]uint64
	ret     uint64
	callErr error
	loadErr error

	// during runs inside Call, with the frame open.
	during func()
}

func (r *fakeRuntime) Is64Bit() bool { return r.is64 }

func (r *fakeRuntime) Load(lib LibraryFile, force bool) (Module, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	data, err := lib.MapBuffer()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.loads = append(r.loads, loadCall{name: lib.Name(), region: lib.MapRegionName(), data: data, force: force, lib: lib})
	r.mu.Unlock()
	return &fakeModule{
		name:    lib.Name(),
		base:    0x10000000,
		symbols: map[string]uint64{"JNI_OnLoad": 0x10001000},
	}, nil
}

func (r *fakeRuntime) Call(addr uint64, args ...uint64) (uint64, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]uint64{addr}, args...))
	r.mu.Unlock()
	if r.during != nil {
		r.during()
	}
	return r.ret, r.callErr
}

var errBoom = errors.New("boom")
