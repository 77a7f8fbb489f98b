package android

import (
	"path"
	"sync"

	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

// dlopen never maps new images while guest code runs. A loaded module's
// handle is its base address; anything else gets a placeholder handle whose
// lookups fall back to import stubs.
var (
	dlMu       sync.Mutex
	dlHandles  = make(map[uint64]string) // placeholder handle -> name
	nextHandle uint64 = 0x7f000000
	dlErrors   = make(map[*emulator.Emulator]string)
)

// selfHandle is what dlopen(NULL) returns; lookups search every image.
const selfHandle = 1

func init() {
	stubs.RegisterFunc("dl", "dlopen", stubDlopen, "android_dlopen_ext")
	stubs.RegisterFunc("dl", "dlsym", stubDlsym, "dlvsym")
	stubs.RegisterFunc("dl", "dlclose", stubDlclose)
	stubs.RegisterFunc("dl", "dlerror", stubDlerror)
	stubs.RegisterFunc("dl", "dladdr", stubDladdr)
	stubs.RegisterFunc("dl", "dl_iterate_phdr", func(emu *emulator.Emulator) bool {
		return stubs.Returns(emu, 0)
	})
}

func setError(emu *emulator.Emulator, msg string) {
	dlMu.Lock()
	dlErrors[emu] = msg
	dlMu.Unlock()
}

func stubDlopen(emu *emulator.Emulator) bool {
	name := readStr(emu, emu.X(0), 256)
	if name == "" {
		return stubs.Returns(emu, selfHandle)
	}

	if m := emu.Module(path.Base(name)); m != nil {
		stubs.DefaultRegistry.Log("dl", "dlopen", name+" -> "+stubs.FormatHex(m.Base()))
		return stubs.Returns(emu, m.Base())
	}

	dlMu.Lock()
	h := nextHandle
	nextHandle += 0x1000
	dlHandles[h] = name
	dlMu.Unlock()

	stubs.DefaultRegistry.Log("dl", "dlopen", name+" -> "+stubs.FormatHex(h)+" (not loaded)")
	return stubs.Returns(emu, h)
}

// resolve finds symbol for a handle: the module's own symbols first, then
// every loaded export, then an import stub.
func resolve(emu *emulator.Emulator, handle uint64, symbol string) (uint64, string) {
	if m := emu.ModuleAt(handle); m != nil && m.Base() == handle {
		if addr, ok := m.FindSymbol(symbol); ok {
			return addr, m.Name()
		}
	}
	if addr, ok := emu.Lookup(symbol); ok {
		return addr, "global"
	}
	addr, err := emu.ImportStub(symbol)
	if err != nil {
		return 0, ""
	}
	return addr, "stub"
}

func stubDlsym(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	symbol := readStr(emu, emu.X(1), 256)
	if symbol == "" {
		setError(emu, "empty symbol name")
		return stubs.Returns(emu, 0)
	}

	addr, from := resolve(emu, handle, symbol)
	if addr == 0 {
		setError(emu, "undefined symbol: "+symbol)
	}
	stubs.DefaultRegistry.Log("dl", "dlsym", symbol+" -> "+stubs.FormatHex(addr)+" ("+from+")")
	return stubs.Returns(emu, addr)
}

func stubDlclose(emu *emulator.Emulator) bool {
	dlMu.Lock()
	delete(dlHandles, emu.X(0))
	dlMu.Unlock()
	return stubs.Returns(emu, 0)
}

func stubDlerror(emu *emulator.Emulator) bool {
	dlMu.Lock()
	msg := dlErrors[emu]
	delete(dlErrors, emu)
	dlMu.Unlock()

	if msg == "" {
		return stubs.Returns(emu, 0)
	}
	ptr := emu.Malloc(uint64(len(msg) + 1))
	emu.MemWriteString(ptr, msg)
	return stubs.Returns(emu, ptr)
}

// int dladdr(const void *addr, Dl_info *info)
//
// Dl_info is {dli_fname, dli_fbase, dli_sname, dli_saddr}. Only the image
// fields are filled.
func stubDladdr(emu *emulator.Emulator) bool {
	addr, info := emu.X(0), emu.X(1)
	m := emu.ModuleAt(addr)
	if m == nil || info == 0 {
		return stubs.Returns(emu, 0)
	}

	fname := emu.Malloc(uint64(len(m.Path()) + 1))
	emu.MemWriteString(fname, m.Path())
	emu.MemWriteU64(info, fname)
	emu.MemWriteU64(info+8, m.Base())
	emu.MemWriteU64(info+16, 0)
	emu.MemWriteU64(info+24, 0)
	return stubs.Returns(emu, 1)
}
