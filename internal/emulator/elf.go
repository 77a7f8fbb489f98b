package emulator

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	glog "github.com/zboralski/dalvik/internal/log"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// Module is a library image mapped into the emulator. It implements
// dvm.Module.
type Module struct {
	name     string
	region   string
	base     uint64
	end      uint64
	entry    uint64
	symbols  map[string]uint64 // all symbols, version suffix stripped
	exports  map[string]uint64 // defined dynamic symbols
	imports  map[string]uint64 // undefined symbol -> bound address
	needed   []string
	inits    []uint64
	segments []Segment
}

var _ dvm.Module = (*Module)(nil)

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr uint64
	Size  uint64 // File size
	MemSz uint64 // Memory size (may be larger due to .bss)
	Flags elf.ProgFlag
}

func (m *Module) Name() string { return m.name }

// Path is the region name the image was mapped under.
func (m *Module) Path() string { return m.region }

func (m *Module) Base() uint64  { return m.base }
func (m *Module) End() uint64   { return m.end }
func (m *Module) Entry() uint64 { return m.entry }

// Needed lists DT_NEEDED entries in file order.
func (m *Module) Needed() []string { return append([]string(nil), m.needed...) }

// Segments returns the PT_LOAD segments at their loaded addresses.
func (m *Module) Segments() []Segment { return append([]Segment(nil), m.segments...) }

// InitFunctions lists DT_INIT and DT_INIT_ARRAY targets in call order.
func (m *Module) InitFunctions() []uint64 { return append([]uint64(nil), m.inits...) }

// FindSymbol looks up a symbol by name.
func (m *Module) FindSymbol(name string) (uint64, bool) {
	addr, ok := m.symbols[name]
	return addr, ok && addr != 0
}

// Exports returns the defined dynamic symbols.
func (m *Module) Exports() map[string]uint64 {
	out := make(map[string]uint64, len(m.exports))
	for k, v := range m.exports {
		out[k] = v
	}
	return out
}

// Imports maps each undefined symbol to the address it was bound to.
func (m *Module) Imports() map[string]uint64 {
	out := make(map[string]uint64, len(m.imports))
	for k, v := range m.imports {
		out[k] = v
	}
	return out
}

// FindSymbolsBySubstring finds symbols containing the given substring,
// ignoring case.
func (m *Module) FindSymbolsBySubstring(substr string) map[string]uint64 {
	lower := strings.ToLower(substr)
	result := make(map[string]uint64)
	for name, addr := range m.symbols {
		if strings.Contains(strings.ToLower(name), lower) {
			result[name] = addr
		}
	}
	return result
}

// Contains reports whether addr falls inside the image.
func (m *Module) Contains(addr uint64) bool {
	return addr >= m.base && addr < m.end
}

// IsExecutable returns true if the segment is executable
func (s Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// Perms renders the segment flags as "rwx".
func (s Segment) Perms() string {
	b := []byte("---")
	if s.Flags&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if s.Flags&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if s.Flags&elf.PF_X != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// LoadFile wraps an ELF file on disk. Dependencies resolve to files in the
// same directory.
func LoadFile(path string) dvm.LibraryFile {
	return dvm.NewFileLibrary(path)
}

// Load maps lib and its dependencies. Initializers run when forceCallInit
// is set or the emulator was created WithCallInit.
func (e *Emulator) Load(lib dvm.LibraryFile, forceCallInit bool) (dvm.Module, error) {
	m, err := e.loadModule(lib, forceCallInit)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadLibraryFile is Load for a file on disk.
func (e *Emulator) LoadLibraryFile(path string, forceCallInit bool) (*Module, error) {
	return e.loadModule(LoadFile(path), forceCallInit)
}

// Modules returns the loaded images in load order.
func (e *Emulator) Modules() []*Module {
	return append([]*Module(nil), e.order...)
}

// Module returns a loaded image by name.
func (e *Emulator) Module(name string) *Module {
	return e.modules[name]
}

// ModuleAt returns the image containing addr.
func (e *Emulator) ModuleAt(addr uint64) *Module {
	for _, m := range e.order {
		if m.Contains(addr) {
			return m
		}
	}
	return nil
}

// Lookup searches the exports of every loaded image in load order.
func (e *Emulator) Lookup(symbol string) (uint64, bool) {
	for _, m := range e.order {
		if addr, ok := m.exports[symbol]; ok {
			return addr, true
		}
	}
	return 0, false
}

func (e *Emulator) loadModule(lib dvm.LibraryFile, force bool) (*Module, error) {
	if m, ok := e.modules[lib.Name()]; ok {
		return m, nil
	}

	data, err := lib.MapBuffer()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", lib.Name(), err)
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", lib.Name(), err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 || f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%s: expected ARM64 ELF64, got %v %v", lib.Name(), f.Machine, f.Class)
	}

	m, err := e.mapImage(lib, f, data)
	if err != nil {
		return nil, err
	}
	// Registered before dependencies so cycles terminate.
	e.modules[m.name] = m

	if needed, err := f.ImportedLibraries(); err == nil {
		m.needed = needed
	}
	for _, so := range m.needed {
		if _, ok := e.modules[so]; ok {
			continue
		}
		dep, err := lib.ResolveLibrary(so)
		if err != nil {
			delete(e.modules, m.name)
			return nil, fmt.Errorf("%s: resolve %s: %w", m.name, so, err)
		}
		if dep == nil {
			e.log.Debug("dependency not found", zap.String("lib", m.name), zap.String("needed", so))
			continue
		}
		if _, err := e.loadModule(dep, force); err != nil {
			delete(e.modules, m.name)
			return nil, fmt.Errorf("%s: load %s: %w", m.name, so, err)
		}
	}

	if err := e.relocate(f, m); err != nil {
		delete(e.modules, m.name)
		return nil, fmt.Errorf("%s: relocate: %w", m.name, err)
	}
	e.order = append(e.order, m)

	m.inits = e.initFunctions(f, m.base)
	if force || e.callInit {
		e.runInit(m)
	}

	e.log.Debug("module loaded",
		zap.String("lib", m.name),
		glog.Addr(m.base),
		zap.Int("symbols", len(m.symbols)),
		zap.Int("imports", len(m.imports)),
	)
	return m, nil
}

// mapImage maps the PT_LOAD segments at the next free base.
func (e *Emulator) mapImage(lib dvm.LibraryFile, f *elf.File, data []byte) (*Module, error) {
	fileBase := ^uint64(0)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > fileEnd {
			fileEnd = end
		}
	}
	if fileBase == ^uint64(0) {
		return nil, fmt.Errorf("%s: no PT_LOAD segments found", lib.Name())
	}

	start := alignDown(fileBase)
	size := alignUp(fileEnd) - start
	base := e.nextBase
	if err := e.MapRegion(base, size); err != nil {
		return nil, fmt.Errorf("%s: map 0x%x+0x%x: %w", lib.Name(), base, size, err)
	}
	e.nextBase = alignUp(base+size) + moduleGap
	reloc := base - start

	m := &Module{
		name:    lib.Name(),
		region:  lib.MapRegionName(),
		base:    base,
		end:     base + size,
		entry:   f.Entry + reloc,
		symbols: make(map[string]uint64),
		exports: make(map[string]uint64),
		imports: make(map[string]uint64),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		m.segments = append(m.segments, Segment{
			VAddr: prog.Vaddr + reloc,
			Size:  prog.Filesz,
			MemSz: prog.Memsz,
			Flags: prog.Flags,
		})
		if prog.Filesz == 0 {
			continue
		}
		if prog.Off+prog.Filesz > uint64(len(data)) {
			return nil, fmt.Errorf("%s: segment at 0x%x exceeds file", lib.Name(), prog.Vaddr)
		}
		// .bss is already zero in the fresh mapping.
		if err := e.MemWrite(prog.Vaddr+reloc, data[prog.Off:prog.Off+prog.Filesz]); err != nil {
			return nil, fmt.Errorf("write segment at 0x%x: %w", prog.Vaddr+reloc, err)
		}
	}

	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" || sym.Section == elf.SHN_UNDEF {
				continue
			}
			name := stripVersion(sym.Name)
			m.symbols[name] = sym.Value + reloc
			if elf.ST_BIND(sym.Info) != elf.STB_LOCAL {
				m.exports[name] = sym.Value + reloc
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" || sym.Section == elf.SHN_UNDEF {
				continue
			}
			name := stripVersion(sym.Name)
			if _, ok := m.symbols[name]; !ok {
				m.symbols[name] = sym.Value + reloc
			}
		}
	}
	return m, nil
}

// relocate applies .rela.dyn and .rela.plt. Undefined symbols bind to the
// first loaded export of that name, then to an import stub.
func (e *Emulator) relocate(f *elf.File, m *Module) error {
	// DynamicSymbols skips STN_UNDEF, so ELF index i is dynSyms[i-1].
	dynSyms, _ := f.DynamicSymbols()
	reloc := m.base - alignDown(imageStart(f))

	resolve := func(sym elf.Symbol) (uint64, error) {
		if sym.Section != elf.SHN_UNDEF && sym.Value != 0 {
			return sym.Value + reloc, nil
		}
		name := stripVersion(sym.Name)
		if addr, ok := m.imports[name]; ok {
			return addr, nil
		}
		addr, ok := e.Lookup(name)
		if !ok && name == "__stack_chk_guard" {
			addr, ok = CanaryAddr, true
		}
		if !ok {
			stub, err := e.ImportStub(name)
			if err != nil {
				return 0, err
			}
			addr = stub
		}
		m.imports[name] = addr
		return addr, nil
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || (sec.Name != ".rela.dyn" && sec.Name != ".rela.plt") {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read %s: %w", sec.Name, err)
		}

		// Each RELA entry is 24 bytes: r_offset (8), r_info (8), r_addend (8)
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := binary.LittleEndian.Uint64(data[i+16:])

			relType := uint32(rInfo)
			symIdx := int(rInfo >> 32)
			target := rOffset + reloc

			var value uint64
			switch relType {
			case R_AARCH64_RELATIVE:
				value = reloc + rAddend

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT, R_AARCH64_ABS64:
				if symIdx < 1 || symIdx > len(dynSyms) {
					if relType != R_AARCH64_ABS64 {
						continue
					}
					value = reloc + rAddend
					break
				}
				addr, err := resolve(dynSyms[symIdx-1])
				if err != nil {
					return err
				}
				value = addr + rAddend

			default:
				continue
			}
			if err := e.MemWriteU64(target, value); err != nil {
				return fmt.Errorf("write relocation at 0x%x: %w", target, err)
			}
		}
	}
	return nil
}

// initFunctions reads DT_INIT and the relocated DT_INIT_ARRAY.
func (e *Emulator) initFunctions(f *elf.File, base uint64) []uint64 {
	reloc := base - alignDown(imageStart(f))
	var out []uint64

	if v, err := f.DynValue(elf.DT_INIT); err == nil && len(v) > 0 && v[0] != 0 {
		out = append(out, v[0]+reloc)
	}

	arr, err1 := f.DynValue(elf.DT_INIT_ARRAY)
	size, err2 := f.DynValue(elf.DT_INIT_ARRAYSZ)
	if err1 != nil || err2 != nil || len(arr) == 0 || len(size) == 0 {
		return out
	}
	for off := uint64(0); off+8 <= size[0]; off += 8 {
		fn, err := e.MemReadU64(arr[0] + reloc + off)
		if err != nil {
			break
		}
		if fn != 0 && fn != ^uint64(0) {
			out = append(out, fn)
		}
	}
	return out
}

func (e *Emulator) runInit(m *Module) {
	for _, fn := range m.inits {
		if _, err := e.Call(fn); err != nil {
			e.log.Warn("init function failed", zap.String("lib", m.name), glog.Addr(fn), zap.Error(err))
		}
	}
}

// SortedSymbols returns symbol names in address order.
func (m *Module) SortedSymbols() []string {
	names := make([]string, 0, len(m.symbols))
	for name := range m.symbols {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, aj := m.symbols[names[i]], m.symbols[names[j]]
		if ai != aj {
			return ai < aj
		}
		return names[i] < names[j]
	})
	return names
}

func imageStart(f *elf.File) uint64 {
	start := ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < start {
			start = prog.Vaddr
		}
	}
	return start
}

// stripVersion drops @VERSION and @@VERSION suffixes.
func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }
