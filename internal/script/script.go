// Package script lets a JavaScript file customize a VM without rebuilding
// the tool. A script may define any of these globals:
//
//	function createClass(name, superName, interfaceNames) -> null | {super, interfaces}
//	function resolveAsset(name) -> null | string | ArrayBuffer
//	var notFoundClasses = ["com/example/Missing", ...]
//
// A log(msg) function is available to scripts.
package script

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	glog "github.com/zboralski/dalvik/internal/log"
	"github.com/zboralski/dalvik/internal/trace"
)

// Hooks is a loaded script. goja runtimes are single-threaded, so every
// call into the script holds mu.
type Hooks struct {
	name string
	log  *glog.Logger

	mu           sync.Mutex
	rt           *goja.Runtime
	createClass  goja.Callable
	resolveAsset goja.Callable
	notFound     []string
}

var (
	_ dvm.ClassFactory  = (*Hooks)(nil)
	_ dvm.AssetResolver = (*Hooks)(nil)
)

// LoadFile reads and runs the script at path.
func LoadFile(path string, l *glog.Logger) (*Hooks, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Load(path, string(src), l)
}

// Load compiles and runs src once, then picks up the hook globals.
func Load(name, src string, l *glog.Logger) (*Hooks, error) {
	h := &Hooks{
		name: name,
		log:  glog.Or(l).WithCategory("script"),
		rt:   goja.New(),
	}

	if err := h.rt.Set("log", func(msg string) {
		h.log.Info(msg, zap.String("script", name))
	}); err != nil {
		return nil, err
	}

	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	if _, err := h.rt.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("run %s: %w", name, err)
	}

	h.createClass, _ = goja.AssertFunction(h.rt.Get("createClass"))
	h.resolveAsset, _ = goja.AssertFunction(h.rt.Get("resolveAsset"))

	if v := h.rt.Get("notFoundClasses"); !absent(v) {
		if err := h.rt.ExportTo(v, &h.notFound); err != nil {
			return nil, fmt.Errorf("%s: notFoundClasses: %w", name, err)
		}
	}

	h.log.Debug("loaded",
		zap.String("script", name),
		zap.Bool("createClass", h.createClass != nil),
		zap.Bool("resolveAsset", h.resolveAsset != nil),
		zap.Int("notFound", len(h.notFound)),
	)
	return h, nil
}

// Name returns the script's file name.
func (h *Hooks) Name() string { return h.name }

// NotFoundClasses returns the names listed in notFoundClasses.
func (h *Hooks) NotFoundClasses() []string {
	return append([]string(nil), h.notFound...)
}

// Apply wires the hooks the script defines into vm.
func (h *Hooks) Apply(vm *dvm.VM) {
	for _, name := range h.notFound {
		vm.AddNotFoundClass(name)
	}
	if h.createClass != nil {
		vm.SetClassFactory(h)
	}
	if h.resolveAsset != nil {
		vm.SetAssetResolver(h)
	}
	vm.Emit(trace.Script, "Apply", h.name)
}

// classSpec is what createClass may return.
type classSpec struct {
	super      string
	interfaces []string
}

// CreateClass implements dvm.ClassFactory. The script runs under h.mu, but
// the referenced classes are resolved after it is released since resolving
// them re-enters CreateClass.
func (h *Hooks) CreateClass(vm *dvm.VM, name string, super *dvm.Class, interfaces []*dvm.Class) *dvm.Class {
	spec, ok := h.callCreateClass(name, super, interfaces)
	if !ok {
		return nil
	}
	vm.Emit(trace.Script, "createClass", name)

	resolved := super
	if spec.super != "" {
		resolved = vm.ResolveClass(spec.super)
	}
	ifaces := interfaces
	if spec.interfaces != nil {
		ifaces = make([]*dvm.Class, 0, len(spec.interfaces))
		for _, n := range spec.interfaces {
			ifaces = append(ifaces, vm.ResolveClass(n))
		}
	}
	return dvm.NewClass(vm, name, resolved, ifaces)
}

func (h *Hooks) callCreateClass(name string, super *dvm.Class, interfaces []*dvm.Class) (classSpec, bool) {
	if h.createClass == nil {
		return classSpec{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	superArg := goja.Null()
	if super != nil {
		superArg = h.rt.ToValue(super.Name())
	}
	names := make([]any, len(interfaces))
	for i, c := range interfaces {
		names[i] = c.Name()
	}

	ret, err := h.createClass(goja.Undefined(), h.rt.ToValue(name), superArg, h.rt.ToValue(names))
	if err != nil {
		h.log.Warn("createClass failed", glog.Class(name), zap.Error(err))
		return classSpec{}, false
	}
	if absent(ret) {
		return classSpec{}, false
	}

	obj := ret.ToObject(h.rt)
	var spec classSpec
	if v := obj.Get("super"); !absent(v) {
		spec.super = v.String()
	}
	if v := obj.Get("interfaces"); !absent(v) {
		if err := h.rt.ExportTo(v, &spec.interfaces); err != nil {
			h.log.Warn("createClass: bad interfaces", glog.Class(name), zap.Error(err))
			return classSpec{}, false
		}
		if spec.interfaces == nil {
			spec.interfaces = []string{}
		}
	}
	return spec, true
}

// ResolveAsset implements dvm.AssetResolver. Strings are returned as
// their UTF-8 bytes.
func (h *Hooks) ResolveAsset(name string) []byte {
	if h.resolveAsset == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ret, err := h.resolveAsset(goja.Undefined(), h.rt.ToValue(name))
	if err != nil {
		h.log.Warn("resolveAsset failed", zap.String("asset", name), zap.Error(err))
		return nil
	}
	if absent(ret) {
		return nil
	}
	switch v := ret.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte{}, v.Bytes()...)
	case []byte:
		return append([]byte{}, v...)
	default:
		return []byte(ret.String())
	}
}

func absent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
