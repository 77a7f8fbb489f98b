// Package pthread stubs the locking, once and thread-key functions JNI
// libraries use during initialization. Emulation is single threaded, so
// locks always succeed.
package pthread

import (
	"sync"

	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

var (
	mu      sync.Mutex
	keys    = make(map[uint64]uint64) // key -> value
	nextKey uint64
	onced   = make(map[uint64]bool) // pthread_once_t address
)

// mainThread is the pthread_t every call reports.
const mainThread = 0x1000

func init() {
	for _, name := range []string{
		"pthread_mutex_init", "pthread_mutex_destroy",
		"pthread_mutex_lock", "pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_mutexattr_init", "pthread_mutexattr_settype", "pthread_mutexattr_destroy",
		"pthread_rwlock_init", "pthread_rwlock_destroy",
		"pthread_rwlock_rdlock", "pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy",
		"pthread_cond_signal", "pthread_cond_broadcast",
	} {
		stubs.RegisterFunc("pthread", name, succeed)
	}

	stubs.RegisterFunc("pthread", "pthread_self", func(emu *emulator.Emulator) bool {
		return stubs.Returns(emu, mainThread)
	}, "gettid")
	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_once", stubOnce)
	stubs.RegisterFunc("pthread", "pthread_create", stubCreate)
}

func succeed(emu *emulator.Emulator) bool {
	return stubs.Returns(emu, 0)
}

func stubKeyCreate(emu *emulator.Emulator) bool {
	mu.Lock()
	nextKey++
	key := nextKey
	mu.Unlock()

	if out := emu.X(0); out != 0 {
		emu.MemWriteU32(out, uint32(key))
	}
	return stubs.Returns(emu, 0)
}

func stubKeyDelete(emu *emulator.Emulator) bool {
	mu.Lock()
	delete(keys, emu.X(0))
	mu.Unlock()
	return stubs.Returns(emu, 0)
}

func stubSetspecific(emu *emulator.Emulator) bool {
	mu.Lock()
	keys[emu.X(0)] = emu.X(1)
	mu.Unlock()
	return stubs.Returns(emu, 0)
}

func stubGetspecific(emu *emulator.Emulator) bool {
	mu.Lock()
	v := keys[emu.X(0)]
	mu.Unlock()
	return stubs.Returns(emu, v)
}

// stubOnce marks the control word and jumps to the init routine with the
// caller's LR, so the routine returns straight to the pthread_once caller.
func stubOnce(emu *emulator.Emulator) bool {
	control, routine := emu.X(0), emu.X(1)

	mu.Lock()
	first := !onced[control]
	onced[control] = true
	mu.Unlock()

	emu.SetX(0, 0)
	if first && routine != 0 {
		stubs.DefaultRegistry.Log("pthread", "pthread_once", stubs.FormatPtr("init", routine))
		emu.SetPC(routine)
	}
	return false
}

// Threads are never started.
func stubCreate(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("pthread", "pthread_create", stubs.FormatPtr("start", emu.X(2))+" (not started)")
	if out := emu.X(0); out != 0 {
		emu.MemWriteU64(out, mainThread)
	}
	return stubs.Returns(emu, 0)
}
