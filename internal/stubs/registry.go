// Package stubs holds host implementations of the libc, libdl, liblog and
// pthread functions native libraries import. Stub packages register from
// init(); the registry then binds them to the emulator's import stubs.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/emulator"
	glog "github.com/zboralski/dalvik/internal/log"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc", "dlsym")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "libc", "pthread", "dl", ...
}

// Registry maps symbol names to stubs. It implements
// emulator.ImportBinder.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef
	log   *glog.Logger

	// OnCall receives every stub log line.
	OnCall func(category, name, detail string)
}

var _ emulator.ImportBinder = (*Registry)(nil)

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{stubs: make(map[string]*StubDef)}
}

// SetLogger replaces the logger. nil falls back to the global logger.
func (r *Registry) SetLogger(l *glog.Logger) {
	r.mu.Lock()
	r.log = l
	r.mu.Unlock()
}

func (r *Registry) logger() *glog.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return glog.Or(r.log).WithCategory("stubs")
}

// Register adds a stub definition to the registry.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Lookup returns the stub registered for name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Install hooks the registered stubs onto import stub addresses and returns
// how many were bound. Unknown names keep the emulator's fallback.
func (r *Registry) Install(emu *emulator.Emulator, imports map[string]uint64) int {
	log := r.logger()
	installed := 0
	for name, addr := range imports {
		def, ok := r.Lookup(name)
		if !ok || addr == 0 {
			continue
		}
		emu.HookAddress(addr, emulator.AddressHookFunc(def.Hook))
		installed++
		log.Debug("stub installed",
			zap.String("cat", def.Category),
			glog.Fn(name),
			glog.Addr(addr),
		)
	}
	return installed
}

// Log calls the OnCall callback and traces through the logger.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	r.logger().Trace(category, name, detail)
}

// Count returns the number of registered symbol names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns the primary names of all registered stubs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	names := make([]string, 0, len(r.stubs))
	for _, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Returns sets X0 and lets the stub's RET run.
func Returns(emu *emulator.Emulator, v uint64) bool {
	emu.SetX(0, v)
	return false
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
