// Package libc provides stub implementations for the libc functions JNI
// libraries call while loading.
package libc

import (
	"sync"

	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

// Block sizes by address so realloc can carry data over. The heap is a
// bump allocator; free only forgets the size.
var (
	sizesMu sync.Mutex
	sizes   = make(map[uint64]uint64)
)

func init() {
	stubs.RegisterFunc("libc", "malloc", stubMalloc)
	stubs.RegisterFunc("libc", "calloc", stubCalloc)
	stubs.RegisterFunc("libc", "realloc", stubRealloc)
	stubs.RegisterFunc("libc", "free", stubFree)
	stubs.RegisterFunc("libc", "posix_memalign", stubPosixMemalign)
	stubs.RegisterFunc("libc", "getpagesize", func(emu *emulator.Emulator) bool {
		return stubs.Returns(emu, 4096)
	})

	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubMalloc,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubFree,
		Category: "libc",
	})
}

// alloc returns zeroed heap memory of at least size bytes.
func alloc(emu *emulator.Emulator, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	size = (size + 15) &^ 15
	ptr := emu.Malloc(size)
	emu.MemWrite(ptr, make([]byte, size))

	sizesMu.Lock()
	sizes[ptr] = size
	sizesMu.Unlock()
	return ptr
}

func stubMalloc(emu *emulator.Emulator) bool {
	size := emu.X(0)
	ptr := alloc(emu, size)
	stubs.DefaultRegistry.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	return stubs.Returns(emu, ptr)
}

func stubCalloc(emu *emulator.Emulator) bool {
	total := emu.X(0) * emu.X(1)
	ptr := alloc(emu, total)
	stubs.DefaultRegistry.Log("libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	return stubs.Returns(emu, ptr)
}

func stubRealloc(emu *emulator.Emulator) bool {
	old, size := emu.X(0), emu.X(1)
	ptr := alloc(emu, size)

	sizesMu.Lock()
	n, ok := sizes[old]
	delete(sizes, old)
	sizesMu.Unlock()

	if ok && old != 0 {
		if n > size {
			n = size
		}
		if data, err := emu.MemRead(old, n); err == nil {
			emu.MemWrite(ptr, data)
		}
	}
	stubs.DefaultRegistry.Log("libc", "realloc", stubs.FormatPtrPair("old", old, "->", ptr))
	return stubs.Returns(emu, ptr)
}

func stubFree(emu *emulator.Emulator) bool {
	sizesMu.Lock()
	delete(sizes, emu.X(0))
	sizesMu.Unlock()
	return false
}

func stubPosixMemalign(emu *emulator.Emulator) bool {
	// int posix_memalign(void **memptr, size_t alignment, size_t size)
	out, align, size := emu.X(0), emu.X(1), emu.X(2)
	if align <= 16 {
		ptr := alloc(emu, size)
		emu.MemWriteU64(out, ptr)
		return stubs.Returns(emu, 0)
	}
	ptr := alloc(emu, size+align)
	ptr = (ptr + align - 1) &^ (align - 1)
	emu.MemWriteU64(out, ptr)
	return stubs.Returns(emu, 0)
}
