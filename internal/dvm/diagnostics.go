package dvm

import (
	"fmt"
	"io"
	"runtime"
)

// MemoryInfo is a snapshot of live references and host memory. It is for
// troubleshooting only.
type MemoryInfo struct {
	Globals        int
	WeakGlobals    int
	Locals         int
	Classes        int
	GlobalsNoClass int

	HeapAlloc uint64
	HeapSys   uint64
	StackSys  uint64
	Sys       uint64
	NumGC     uint32
}

// MemoryInfo collects reference counts and, after a collection, runtime
// memory figures.
func (vm *VM) MemoryInfo() MemoryInfo {
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	vm.mu.Lock()
	info := MemoryInfo{
		Globals: vm.globals.len(),
		Locals:  vm.locals.len(),
		Classes: len(vm.classes),
	}
	classGlobals := 0
	vm.globals.each(func(_ Handle, e refEntry) {
		if e.weak {
			info.WeakGlobals++
		}
		if _, ok := e.obj.(*Class); ok {
			classGlobals++
		}
	})
	vm.mu.Unlock()

	info.GlobalsNoClass = info.Globals - classGlobals
	info.HeapAlloc = ms.HeapAlloc
	info.HeapSys = ms.HeapSys
	info.StackSys = ms.StackSys
	info.Sys = ms.Sys
	info.NumGC = ms.NumGC
	return info
}

// PrintMemoryInfo writes MemoryInfo in a short human form.
func (vm *VM) PrintMemoryInfo(w io.Writer) {
	info := vm.MemoryInfo()
	fmt.Fprintf(w, "vm %s\n", vm.id)
	fmt.Fprintf(w, "  globalObjectSize=%d (weak=%d) localObjectSize=%d classSize=%d globalObjectSize-classSize=%d\n",
		info.Globals, info.WeakGlobals, info.Locals, info.Classes, info.GlobalsNoClass)
	fmt.Fprintf(w, "  heap=%s heapSys=%s stack=%s sys=%s gc=%d\n",
		formatBytes(info.HeapAlloc), formatBytes(info.HeapSys), formatBytes(info.StackSys), formatBytes(info.Sys), info.NumGC)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
