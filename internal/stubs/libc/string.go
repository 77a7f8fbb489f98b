package libc

import (
	"bytes"
	"strings"

	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

const (
	maxString = 4096
	maxCopy   = 0x100000
)

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemmove, "memmove", "__memcpy_chk", "__memmove_chk")
	stubs.RegisterFunc("libc", "memset", stubMemset, "__memset_chk")
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp, "bcmp")
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy, "__strcpy_chk")
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy, "__strncpy_chk")
	stubs.RegisterFunc("libc", "strcat", stubStrcat, "__strcat_chk")
	stubs.RegisterFunc("libc", "strchr", stubStrchr, "__strchr_chk")
	stubs.RegisterFunc("libc", "strrchr", stubStrrchr, "__strrchr_chk")
	stubs.RegisterFunc("libc", "strstr", stubStrstr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
	stubs.RegisterFunc("libc", "strndup", stubStrndup)
}

func cstr(emu *emulator.Emulator, addr uint64, max int) string {
	if addr == 0 {
		return ""
	}
	s, _ := emu.MemReadString(addr, max)
	return s
}

// cmp maps a Go comparison to a C int in X0.
func cmp(c int) uint64 { return uint64(int64(c)) }

func stubStrlen(emu *emulator.Emulator) bool {
	return stubs.Returns(emu, uint64(len(cstr(emu, emu.X(0), maxString))))
}

func stubMemmove(emu *emulator.Emulator) bool {
	dst, src, n := emu.X(0), emu.X(1), emu.X(2)
	if n > 0 && n < maxCopy {
		if data, err := emu.MemRead(src, n); err == nil {
			emu.MemWrite(dst, data)
		}
	}
	return stubs.Returns(emu, dst)
}

func stubMemset(emu *emulator.Emulator) bool {
	dst, c, n := emu.X(0), byte(emu.X(1)), emu.X(2)
	if n > 0 && n < maxCopy {
		emu.MemWrite(dst, bytes.Repeat([]byte{c}, int(n)))
	}
	return stubs.Returns(emu, dst)
}

func stubMemcmp(emu *emulator.Emulator) bool {
	n := emu.X(2)
	if n == 0 || n >= maxCopy {
		return stubs.Returns(emu, 0)
	}
	a, _ := emu.MemRead(emu.X(0), n)
	b, _ := emu.MemRead(emu.X(1), n)
	return stubs.Returns(emu, cmp(bytes.Compare(a, b)))
}

func stubStrcmp(emu *emulator.Emulator) bool {
	a := cstr(emu, emu.X(0), maxString)
	b := cstr(emu, emu.X(1), maxString)
	return stubs.Returns(emu, cmp(strings.Compare(a, b)))
}

func stubStrncmp(emu *emulator.Emulator) bool {
	n := int(emu.X(2))
	if n <= 0 {
		return stubs.Returns(emu, 0)
	}
	if n > maxString {
		n = maxString
	}
	a := cstr(emu, emu.X(0), n)
	b := cstr(emu, emu.X(1), n)
	return stubs.Returns(emu, cmp(strings.Compare(a, b)))
}

func stubStrcpy(emu *emulator.Emulator) bool {
	dst := emu.X(0)
	emu.MemWriteString(dst, cstr(emu, emu.X(1), maxString))
	return stubs.Returns(emu, dst)
}

func stubStrncpy(emu *emulator.Emulator) bool {
	dst, n := emu.X(0), emu.X(2)
	if n == 0 || n >= maxCopy {
		return stubs.Returns(emu, dst)
	}
	// Pads with NULs and leaves the result unterminated when src is long.
	buf := make([]byte, n)
	copy(buf, cstr(emu, emu.X(1), int(n)))
	emu.MemWrite(dst, buf)
	return stubs.Returns(emu, dst)
}

func stubStrcat(emu *emulator.Emulator) bool {
	dst := emu.X(0)
	head := cstr(emu, dst, maxString)
	emu.MemWriteString(dst+uint64(len(head)), cstr(emu, emu.X(1), maxString))
	return stubs.Returns(emu, dst)
}

func stubStrchr(emu *emulator.Emulator) bool {
	addr, c := emu.X(0), byte(emu.X(1))
	s := cstr(emu, addr, maxString)
	if c == 0 {
		return stubs.Returns(emu, addr+uint64(len(s)))
	}
	if i := strings.IndexByte(s, c); i >= 0 {
		return stubs.Returns(emu, addr+uint64(i))
	}
	return stubs.Returns(emu, 0)
}

func stubStrrchr(emu *emulator.Emulator) bool {
	addr, c := emu.X(0), byte(emu.X(1))
	s := cstr(emu, addr, maxString)
	if c == 0 {
		return stubs.Returns(emu, addr+uint64(len(s)))
	}
	if i := strings.LastIndexByte(s, c); i >= 0 {
		return stubs.Returns(emu, addr+uint64(i))
	}
	return stubs.Returns(emu, 0)
}

func stubStrstr(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	i := strings.Index(cstr(emu, addr, maxString), cstr(emu, emu.X(1), 256))
	if i < 0 {
		return stubs.Returns(emu, 0)
	}
	return stubs.Returns(emu, addr+uint64(i))
}

func dup(emu *emulator.Emulator, s string) uint64 {
	ptr := alloc(emu, uint64(len(s)+1))
	emu.MemWriteString(ptr, s)
	return ptr
}

func stubStrdup(emu *emulator.Emulator) bool {
	return stubs.Returns(emu, dup(emu, cstr(emu, emu.X(0), maxString)))
}

func stubStrndup(emu *emulator.Emulator) bool {
	n := int(emu.X(1))
	if n <= 0 {
		return stubs.Returns(emu, dup(emu, ""))
	}
	if n > maxString {
		n = maxString
	}
	return stubs.Returns(emu, dup(emu, cstr(emu, emu.X(0), n)))
}
