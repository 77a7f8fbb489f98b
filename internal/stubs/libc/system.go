package libc

import (
	"sync"

	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

// errno cells, one per emulator.
var (
	errnoMu sync.Mutex
	errnos  = make(map[*emulator.Emulator]uint64)
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
	stubs.RegisterFunc("libc", "__stack_chk_fail", stubStackChkFail)
	stubs.RegisterFunc("libc", "atexit", stubSucceed, "__cxa_atexit", "__cxa_finalize")
	stubs.RegisterFunc("libc", "getenv", stubGetenv)
	stubs.RegisterFunc("libc", "__errno", stubErrno)
}

func stubAbort(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "abort", stubs.FormatPtr("lr", emu.LR()))
	return true
}

func stubExit(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "exit", stubs.FormatHex(emu.X(0)))
	return true
}

func stubStackChkFail(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "__stack_chk_fail", stubs.FormatPtr("lr", emu.LR()))
	return true
}

// Handlers are not recorded; nothing runs them at teardown.
func stubSucceed(emu *emulator.Emulator) bool {
	return stubs.Returns(emu, 0)
}

func stubGetenv(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "getenv", cstr(emu, emu.X(0), 256))
	return stubs.Returns(emu, 0)
}

func stubErrno(emu *emulator.Emulator) bool {
	errnoMu.Lock()
	defer errnoMu.Unlock()
	addr, ok := errnos[emu]
	if !ok {
		addr = alloc(emu, 8)
		errnos[emu] = addr
	}
	return stubs.Returns(emu, addr)
}
