package dvm

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	glog "github.com/zboralski/dalvik/internal/log"
	"github.com/zboralski/dalvik/internal/trace"
)

// JNI constants shared with the dispatch layer.
const (
	JNI_FALSE = 0
	JNI_TRUE  = 1

	JNI_OK        = 0
	JNI_ERR       = -1
	JNI_EDETACHED = -2
	JNI_EVERSION  = -3

	JNI_VERSION_1_1 = 0x00010001
	JNI_VERSION_1_2 = 0x00010002
	JNI_VERSION_1_4 = 0x00010004
	JNI_VERSION_1_6 = 0x00010006
	JNI_VERSION_1_8 = 0x00010008
)

// ClassFactory intercepts class creation. Returning nil selects the
// default descriptor. It is called without the VM lock held and may call
// back into the VM, including ResolveClass for other names.
type ClassFactory interface {
	CreateClass(vm *VM, name string, super *Class, interfaces []*Class) *Class
}

// ClassFactoryFunc adapts a function to ClassFactory.
type ClassFactoryFunc func(vm *VM, name string, super *Class, interfaces []*Class) *Class

func (f ClassFactoryFunc) CreateClass(vm *VM, name string, super *Class, interfaces []*Class) *Class {
	return f(vm, name, super, interfaces)
}

// Option configures a VM at construction.
type Option func(*VM)

// WithPackage sets the application package used for library and asset lookup.
func WithPackage(pkg Package) Option {
	return func(vm *VM) { vm.pkg = pkg }
}

// WithClassFactory installs a class-creation hook.
func WithClassFactory(f ClassFactory) Option {
	return func(vm *VM) { vm.classFactory = f }
}

// WithAssetResolver installs an asset override consulted before the package.
func WithAssetResolver(r AssetResolver) Option {
	return func(vm *VM) { vm.assetResolver = r }
}

// WithLogger sets the logger; the default is the global logger or a no-op.
func WithLogger(l *glog.Logger) Option {
	return func(vm *VM) { vm.baseLog = l }
}

// WithVerbose enables per-call trace logging at info level.
func WithVerbose(verbose bool) Option {
	return func(vm *VM) { vm.verbose = verbose }
}

// OnEvent registers a callback for trace events. It runs after the VM
// lock is released.
func OnEvent(fn func(*trace.Event)) Option {
	return func(vm *VM) { vm.onEvent = fn }
}

// VM is the facade emulated native code reaches through the JNI dispatch
// layer. One native frame is active at a time; every public method takes
// a single coarse lock, so a VM may be shared by several emulated threads.
type VM struct {
	mu sync.Mutex

	id      string
	runtime Runtime
	pkg     Package

	classFactory  ClassFactory
	assetResolver AssetResolver

	baseLog *glog.Logger
	log     *glog.Logger
	verbose bool
	onEvent func(*trace.Event)

	locals    *refTable
	globals   *refTable
	classes   map[string]*Class
	notFound  map[string]struct{}
	throwable Object
	javaVM    uint64
}

// New creates a VM on top of rt. rt may be nil for asset-only use; library
// loading then fails as unsupported.
func New(rt Runtime, opts ...Option) *VM {
	vm := &VM{
		id:       uuid.New().String(),
		runtime:  rt,
		locals:   newRefTable(ScopeLocal),
		globals:  newRefTable(ScopeGlobal),
		classes:  make(map[string]*Class),
		notFound: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.log = glog.Or(vm.baseLog).With(zap.String("vm", vm.id))
	return vm
}

// ID returns the VM session id.
func (vm *VM) ID() string { return vm.id }

// Runtime returns the emulator backing this VM, or nil.
func (vm *VM) Runtime() Runtime { return vm.runtime }

// Logger returns the VM's logger.
func (vm *VM) Logger() *glog.Logger { return vm.log }

// SetVerbose toggles per-call trace logging.
func (vm *VM) SetVerbose(verbose bool) {
	vm.mu.Lock()
	vm.verbose = verbose
	vm.mu.Unlock()
}

// SetClassFactory replaces the class-creation hook.
func (vm *VM) SetClassFactory(f ClassFactory) {
	vm.mu.Lock()
	vm.classFactory = f
	vm.mu.Unlock()
}

// SetAssetResolver replaces the asset override.
func (vm *VM) SetAssetResolver(r AssetResolver) {
	vm.mu.Lock()
	vm.assetResolver = r
	vm.mu.Unlock()
}

// SetJavaVM records the JavaVM* the dispatch layer installed in emulated memory.
func (vm *VM) SetJavaVM(ptr uint64) {
	vm.mu.Lock()
	vm.javaVM = ptr
	vm.mu.Unlock()
}

// JavaVM returns the JavaVM* passed to JNI_OnLoad.
func (vm *VM) JavaVM() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.javaVM
}

// Is64Bit reports the emulated process width. Without a runtime the VM
// assumes arm64.
func (vm *VM) Is64Bit() bool {
	if vm.runtime == nil {
		return true
	}
	return vm.runtime.Is64Bit()
}

// emit reports an event. Callers must not hold vm.mu.
func (vm *VM) emit(category trace.Tag, name, detail string) {
	vm.mu.Lock()
	cb := vm.onEvent
	verbose := vm.verbose
	vm.mu.Unlock()

	if verbose {
		vm.log.Info(name, zap.String("cat", string(category)), zap.String("detail", detail))
	}
	vm.log.Trace(string(category), name, detail)

	if cb != nil {
		e := trace.NewEvent(0, category, name, detail)
		trace.DefaultEnricher(e)
		cb(e)
	}
}

// Emit lets the dispatch layer report events through the VM's sinks.
func (vm *VM) Emit(category trace.Tag, name, detail string) {
	vm.emit(category, name, detail)
}

// References

// addObject stores obj and returns its handle. Caller holds vm.mu.
func (vm *VM) addObject(obj Object, scope Scope, weak bool) Handle {
	h := HandleOf(obj)
	table := vm.locals
	if scope == ScopeGlobal {
		table = vm.globals
	}
	if prev := table.put(h, obj, weak); prev != nil && prev != obj {
		vm.log.RefCollision(int32(h), scope == ScopeGlobal, describe(prev), describe(obj))
	}
	vm.log.RefAdd(int32(h), scope == ScopeGlobal, weak)
	return h
}

// AddLocalObject registers obj for the current native frame.
func (vm *VM) AddLocalObject(obj Object) Handle {
	if isNil(obj) {
		return NullHandle
	}
	vm.mu.Lock()
	h := vm.addObject(obj, ScopeLocal, false)
	vm.mu.Unlock()
	return h
}

// AddGlobalObject registers obj until DeleteGlobalRef.
func (vm *VM) AddGlobalObject(obj Object) Handle {
	if isNil(obj) {
		return NullHandle
	}
	vm.mu.Lock()
	h := vm.addObject(obj, ScopeGlobal, false)
	vm.mu.Unlock()
	vm.emit(trace.Ref, "AddGlobalObject", fmt.Sprintf("0x%x", uint32(h)))
	return h
}

// AddWeakGlobalObject registers obj as a weak global reference.
func (vm *VM) AddWeakGlobalObject(obj Object) Handle {
	if isNil(obj) {
		return NullHandle
	}
	vm.mu.Lock()
	h := vm.addObject(obj, ScopeGlobal, true)
	vm.mu.Unlock()
	vm.emit(trace.Ref, "AddWeakGlobalObject", fmt.Sprintf("0x%x", uint32(h)))
	return h
}

// GetObject resolves h. Locals shadow globals when both hold the handle.
func (vm *VM) GetObject(h Handle) Object {
	if h == NullHandle {
		return nil
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if e, ok := vm.locals.get(h); ok {
		return e.obj
	}
	if e, ok := vm.globals.get(h); ok {
		return e.obj
	}
	return nil
}

// RefType classifies h the way GetObjectRefType does.
func (vm *VM) RefType(h Handle) RefType {
	if h == NullHandle {
		return RefInvalid
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.locals.get(h); ok {
		return RefLocal
	}
	if e, ok := vm.globals.get(h); ok {
		if e.weak {
			return RefWeakGlobal
		}
		return RefGlobal
	}
	return RefInvalid
}

// DeleteLocalRef drops a local reference before the frame ends.
func (vm *VM) DeleteLocalRef(h Handle) bool {
	return vm.deleteRef(vm.locals, h, "DeleteLocalRef")
}

// DeleteGlobalRef drops a global or weak global reference.
func (vm *VM) DeleteGlobalRef(h Handle) bool {
	return vm.deleteRef(vm.globals, h, "DeleteGlobalRef")
}

func (vm *VM) deleteRef(table *refTable, h Handle, op string) bool {
	if h == NullHandle {
		return false
	}
	vm.mu.Lock()
	obj, ok := table.remove(h)
	if ok {
		if c, isClass := obj.(*Class); isClass && vm.classes[c.name] == c {
			// Class objects stay global for the VM's lifetime.
			table.put(h, obj, false)
			ok = false
		}
	}
	vm.mu.Unlock()
	if !ok {
		return false
	}
	obj.OnDeleteRef()
	vm.emit(trace.Ref, op, fmt.Sprintf("0x%x", uint32(h)))
	return true
}

// Classes

// ResolveClass returns the cached class for name, creating it on a miss.
// The first element of interfaces is the superclass; the rest are the
// interfaces proper. New classes are registered as globals.
func (vm *VM) ResolveClass(name string, interfaces ...*Class) *Class {
	vm.mu.Lock()
	if c, ok := vm.classes[name]; ok {
		vm.mu.Unlock()
		return c
	}
	factory := vm.classFactory
	vm.mu.Unlock()

	var super *Class
	var ifaces []*Class
	if len(interfaces) > 0 {
		super = interfaces[0]
		ifaces = append([]*Class(nil), interfaces[1:]...)
	}

	var c *Class
	if factory != nil {
		c = factory.CreateClass(vm, name, super, ifaces)
	}
	if c == nil {
		c = NewClass(vm, name, super, ifaces)
	}

	vm.mu.Lock()
	if existing, ok := vm.classes[name]; ok {
		// Created meanwhile, possibly by the factory itself.
		vm.mu.Unlock()
		return existing
	}
	vm.classes[name] = c
	h := vm.addObject(c, ScopeGlobal, false)
	vm.mu.Unlock()

	vm.log.Debug("resolveClass", glog.Class(name), glog.Handle(int32(h)))
	vm.emit(trace.Class, "ResolveClass", name)
	return c
}

// FindClass looks name up in the cache only.
func (vm *VM) FindClass(name string) *Class {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.classes[name]
}

// AddNotFoundClass marks name as absent from the modeled runtime. The
// dispatch layer raises NoClassDefFoundError for such names.
func (vm *VM) AddNotFoundClass(name string) {
	vm.mu.Lock()
	vm.notFound[name] = struct{}{}
	vm.mu.Unlock()
}

// IsNotFoundClass reports whether AddNotFoundClass was called for name.
func (vm *VM) IsNotFoundClass(name string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := vm.notFound[name]
	return ok
}

// NewString creates a java/lang/String object.
func (vm *VM) NewString(s string) *DvmObject {
	return vm.ResolveClass(ClassString).NewObject(s)
}

// NewByteArray creates a byte[] object.
func (vm *VM) NewByteArray(b []byte) *DvmObject {
	return vm.ResolveClass(ClassByteArray).NewObject(b)
}

// NewThrowable creates an instance of className carrying msg.
func (vm *VM) NewThrowable(className, msg string) *DvmObject {
	throwable := vm.ResolveClass(ClassThrowable)
	return vm.ResolveClass(className, throwable).NewObject(msg)
}

// Pending exception

// Throw makes obj the pending exception, replacing any previous one.
func (vm *VM) Throw(obj Object) {
	vm.mu.Lock()
	vm.throwable = obj
	vm.mu.Unlock()
	if !isNil(obj) {
		vm.emit(trace.Exception, "Throw", describe(obj))
	}
}

// PendingException returns the pending exception or nil.
func (vm *VM) PendingException() Object {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.throwable
}

// ClearException acknowledges and releases the pending exception.
func (vm *VM) ClearException() {
	vm.mu.Lock()
	t := vm.throwable
	vm.throwable = nil
	vm.mu.Unlock()
	if !isNil(t) {
		t.OnDeleteRef()
		vm.emit(trace.Exception, "ExceptionClear", describe(t))
	}
}

// Frames

// Frame scopes one native call. Close releases every local reference and
// the pending exception; it is the only path that does so.
type Frame struct {
	vm   *VM
	once sync.Once
}

// EnterFrame starts a native call frame. Callers defer Close so teardown
// also happens when the emulated call faults or returns early.
func (vm *VM) EnterFrame() *Frame {
	return &Frame{vm: vm}
}

// Close tears the frame down. Later calls do nothing.
func (f *Frame) Close() {
	f.once.Do(f.vm.releaseFrame)
}

func (vm *VM) releaseFrame() {
	vm.mu.Lock()
	locals := vm.locals.drain()
	t := vm.throwable
	vm.throwable = nil
	vm.mu.Unlock()

	for _, obj := range locals {
		obj.OnDeleteRef()
	}
	if !isNil(t) {
		t.OnDeleteRef()
	}
	vm.log.Debug("releaseFrame", zap.Int("locals", len(locals)), zap.Bool("exception", !isNil(t)))
}

// Protocol checks

// CheckVersion accepts the JNI versions the bridge implements.
func CheckVersion(version int32) error {
	switch version {
	case JNI_VERSION_1_1, JNI_VERSION_1_2, JNI_VERSION_1_4, JNI_VERSION_1_6, JNI_VERSION_1_8:
		return nil
	}
	return IllegalVersion(version)
}

// ValueOf converts a jboolean.
func ValueOf(value int32) (bool, error) {
	switch value {
	case JNI_TRUE:
		return true, nil
	case JNI_FALSE:
		return false, nil
	}
	return false, InvalidBoolean(value)
}
