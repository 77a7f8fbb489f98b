// Package android provides stub implementations for liblog and libdl.
package android

import (
	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/stubs"
)

// Priority letters as logcat prints them, indexed by android_LogPriority.
var priorities = [...]string{"?", "?", "V", "D", "I", "W", "E", "F", "S"}

func init() {
	stubs.RegisterFunc("android", "__android_log_print", stubLogPrint, "__android_log_vprint")
	stubs.RegisterFunc("android", "__android_log_write", stubLogWrite)
	stubs.RegisterFunc("android", "__android_log_buf_print", stubLogBufPrint)
	stubs.RegisterFunc("android", "__android_log_buf_write", stubLogBufWrite)
	stubs.RegisterFunc("android", "__android_log_assert", stubLogAssert)
}

func priority(p uint64) string {
	if p < uint64(len(priorities)) {
		return priorities[p]
	}
	return "?"
}

func readStr(emu *emulator.Emulator, addr uint64, max int) string {
	if addr == 0 {
		return ""
	}
	s, _ := emu.MemReadString(addr, max)
	return s
}

// logLine reports one logcat line. Format strings are not expanded.
func logLine(emu *emulator.Emulator, fn string, prio, tag, msg int) bool {
	stubs.DefaultRegistry.Log("android", fn,
		priority(emu.X(prio))+"/"+readStr(emu, emu.X(tag), 64)+": "+readStr(emu, emu.X(msg), 512))
	return stubs.Returns(emu, 1)
}

// int __android_log_print(int prio, const char *tag, const char *fmt, ...)
func stubLogPrint(emu *emulator.Emulator) bool {
	return logLine(emu, "__android_log_print", 0, 1, 2)
}

// int __android_log_write(int prio, const char *tag, const char *text)
func stubLogWrite(emu *emulator.Emulator) bool {
	return logLine(emu, "__android_log_write", 0, 1, 2)
}

// int __android_log_buf_print(int bufID, int prio, const char *tag, const char *fmt, ...)
func stubLogBufPrint(emu *emulator.Emulator) bool {
	return logLine(emu, "__android_log_buf_print", 1, 2, 3)
}

func stubLogBufWrite(emu *emulator.Emulator) bool {
	return logLine(emu, "__android_log_buf_write", 1, 2, 3)
}

// __android_log_assert aborts the process.
func stubLogAssert(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("android", "__android_log_assert",
		readStr(emu, emu.X(1), 64)+": "+readStr(emu, emu.X(2), 512))
	return true
}
