// Package emulator provides ARM64 emulation using Unicorn Engine.
//
// The emulator is the runtime behind a dvm.VM: it maps native libraries,
// links their imports against already loaded modules or host stubs, and
// calls into them.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	glog "github.com/zboralski/dalvik/internal/log"
)

// Memory layout constants
const (
	CodeBase   = 0x00010000
	CodeSize   = 0x01000000 // 16MB scratch code
	ModuleBase = 0x40000000 // first library image
	StackBase  = 0x80000000
	StackSize  = 0x00100000 // 1MB stack
	HeapBase   = 0x90000000
	HeapSize   = 0x10000000 // 256MB heap
	TLSBase    = 0xDEAC0000 // Thread Local Storage
	TLSSize    = 0x00010000
	StubBase   = 0xF0000000 // host stubs, one RET per slot
	StubSize   = 0x00100000

	// ReturnAddr is the first stub slot. Call sets LR to it and stops
	// there, so it never executes.
	ReturnAddr = StubBase

	// CanaryAddr holds the stack protector value (TLS+0x28 on bionic).
	CanaryAddr = TLSBase + 0x28

	stubSlot  = 4
	stackTop  = StackBase + StackSize - 0x1000
	pageSize  = 0x1000
	moduleGap = 0x100000
)

var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// Errors reported by Call.
var (
	ErrStopped          = errors.New("emulation stopped")
	ErrInstructionLimit = errors.New("instruction limit reached")
	ErrNestedCall       = errors.New("nested call from a hook")
)

// TraceEvent represents a single traced instruction
type TraceEvent struct {
	Address     uint64
	Size        uint32
	Instruction string // Disassembled (if available)
	Tag         string // Hashtag like #jni
	Detail      string // Additional context
}

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// ImportBinder installs host implementations on import stubs. imports maps
// symbol names to their stub addresses; the result is the number hooked.
type ImportBinder interface {
	Install(emu *Emulator, imports map[string]uint64) int
}

// Option configures an Emulator.
type Option func(*Emulator)

// WithLogger sets the logger; the default is the global logger or a no-op.
func WithLogger(l *glog.Logger) Option {
	return func(e *Emulator) { e.log = l }
}

// WithCallInit runs DT_INIT and DT_INIT_ARRAY for every load, not only
// forced ones.
func WithCallInit(on bool) Option {
	return func(e *Emulator) { e.callInit = on }
}

// WithInstructionLimit stops a Call after n instructions. Zero means no
// limit.
func WithInstructionLimit(n uint64) Option {
	return func(e *Emulator) { e.insnLimit = n }
}

// WithImportBinder sets the binder that hooks new import stubs.
func WithImportBinder(b ImportBinder) Option {
	return func(e *Emulator) { e.binder = b }
}

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	log *glog.Logger

	// Memory management
	heapPtr uint64
	stubPtr uint64

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Trace collection
	traceEvents []TraceEvent
	traceMu     sync.Mutex

	// Run state
	stopped   bool
	stopErr   error
	running   bool
	insnLimit uint64
	insnCount uint64
	fault     uint64

	// Loaded images
	modules  map[string]*Module
	order    []*Module
	nextBase uint64
	imports  map[string]uint64 // unresolved import -> stub
	binder   ImportBinder
	callInit bool
}

var _ dvm.Runtime = (*Emulator)(nil)

// New creates a new ARM64 emulator
func New(opts ...Option) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		stubPtr:   StubBase + stubSlot,
		addrHooks: make(map[uint64]AddressHookFunc),
		modules:   make(map[string]*Module),
		imports:   make(map[string]uint64),
		nextBase:  ModuleBase,
	}
	for _, opt := range opts {
		opt(emu)
	}
	emu.log = glog.Or(emu.log).WithCategory("emulator")

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, stackTop); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	// Deterministic canary for reproducible runs.
	if err := e.MemWriteU64(CanaryAddr, 0xDEADBEEFDEADBEEF); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	if err := e.mu.MemWrite(ReturnAddr, retInsn); err != nil {
		return fmt.Errorf("write return stub: %w", err)
	}
	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	// Code hook for address hooks, limits and tracing
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		if e.insnLimit > 0 {
			e.insnCount++
			if e.insnCount > e.insnLimit {
				e.stopErr = ErrInstructionLimit
				e.Stop()
				return
			}
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	if err != nil {
		return err
	}

	_, err = e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		e.fault = addr
		return false
	}, 1, 0)
	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Is64Bit reports the guest word size. Only AArch64 is emulated.
func (e *Emulator) Is64Bit() bool { return true }

// Call runs the function at addr with up to eight register arguments and
// returns X0. The call ends when the function returns to ReturnAddr.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	if e.running {
		return 0, fmt.Errorf("call 0x%x: %w", addr, ErrNestedCall)
	}
	if len(args) > 8 {
		return 0, fmt.Errorf("call 0x%x: %d arguments, at most 8 are passed in registers", addr, len(args))
	}

	e.SetSP(stackTop)
	for i, a := range args {
		e.SetX(i, a)
	}
	e.SetLR(ReturnAddr)

	e.stopped = false
	e.stopErr = nil
	e.insnCount = 0
	e.fault = 0
	e.running = true
	err := e.mu.Start(addr, ReturnAddr)
	e.running = false

	if err != nil {
		if e.fault != 0 {
			return 0, fmt.Errorf("call 0x%x: pc=0x%x fault=0x%x: %w", addr, e.PC(), e.fault, err)
		}
		return 0, fmt.Errorf("call 0x%x: pc=0x%x: %w", addr, e.PC(), err)
	}
	if e.stopErr != nil {
		return e.X(0), fmt.Errorf("call 0x%x: pc=0x%x: %w", addr, e.PC(), e.stopErr)
	}
	if pc := e.PC(); pc != ReturnAddr {
		return e.X(0), fmt.Errorf("call 0x%x: pc=0x%x: %w", addr, pc, ErrStopped)
	}
	return e.X(0), nil
}

// AllocStub reserves a stub slot holding RET and hooks fn on it. A nil fn
// leaves a bare RET.
func (e *Emulator) AllocStub(fn AddressHookFunc) (uint64, error) {
	if e.stubPtr+stubSlot > StubBase+StubSize {
		return 0, errors.New("stub region exhausted")
	}
	addr := e.stubPtr
	if err := e.mu.MemWrite(addr, retInsn); err != nil {
		return 0, fmt.Errorf("write stub at 0x%x: %w", addr, err)
	}
	e.stubPtr += stubSlot
	if fn != nil {
		e.HookAddress(addr, fn)
	}
	return addr, nil
}

// ImportStub returns the stub standing in for an unresolved symbol,
// creating it on first use. New stubs go through the binder; unbound ones
// return 0.
func (e *Emulator) ImportStub(name string) (uint64, error) {
	if addr, ok := e.imports[name]; ok {
		return addr, nil
	}
	addr, err := e.AllocStub(func(emu *Emulator) bool {
		emu.log.Debug("fallback", glog.Fn(name), glog.Ptr("lr", emu.LR()))
		emu.SetX(0, 0)
		return false
	})
	if err != nil {
		return 0, err
	}
	e.imports[name] = addr
	if e.binder != nil {
		e.binder.Install(e, map[string]uint64{name: addr})
	}
	return addr, nil
}

// Imports returns a copy of the unresolved import stubs.
func (e *Emulator) Imports() map[string]uint64 {
	out := make(map[string]uint64, len(e.imports))
	for k, v := range e.imports {
		out[k] = v
	}
	return out
}

// SetImportBinder replaces the binder. Stubs created earlier are bound
// immediately.
func (e *Emulator) SetImportBinder(b ImportBinder) {
	e.binder = b
	if b != nil && len(e.imports) > 0 {
		n := b.Install(e, e.Imports())
		e.log.Debug("imports bound", zap.Int("count", n))
	}
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory. Reads stop at
// the end of the mapping instead of failing.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	buf := make([]byte, 0, 64)
	for len(buf) < maxLen {
		n := uint64(maxLen - len(buf))
		if chunk := pageSize - (addr+uint64(len(buf)))%pageSize; chunk < n {
			n = chunk
		}
		data, err := e.mu.MemRead(addr+uint64(len(buf)), n)
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			break
		}
		for i, b := range data {
			if b == 0 {
				return string(append(buf, data[:i]...)), nil
			}
		}
		buf = append(buf, data...)
	}
	return string(buf), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	reg, ok := xreg(n)
	if !ok {
		return 0
	}
	val, _ := e.mu.RegRead(reg)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	reg, ok := xreg(n)
	if !ok {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(reg, val)
}

// X29 and X30 are not contiguous with X0-X28 in unicorn's numbering.
func xreg(n int) (int, bool) {
	switch {
	case n >= 0 && n <= 28:
		return uc.ARM64_REG_X0 + n, true
	case n == 29:
		return uc.ARM64_REG_X29, true
	case n == 30:
		return uc.ARM64_REG_X30, true
	}
	return 0, false
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HeapUsed returns the number of bytes handed out by Malloc.
func (e *Emulator) HeapUsed() uint64 {
	return e.heapPtr - HeapBase
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// TraceEvents returns collected trace events
func (e *Emulator) TraceEvents() []TraceEvent {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]TraceEvent{}, e.traceEvents...)
}

// AddTraceEvent adds a trace event
func (e *Emulator) AddTraceEvent(event TraceEvent) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.traceEvents = append(e.traceEvents, event)
}

// ClearTrace clears trace events
func (e *Emulator) ClearTrace() {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.traceEvents = nil
}

// Run starts emulation from start until end
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
