package dvm

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	glog "github.com/zboralski/dalvik/internal/log"
	"github.com/zboralski/dalvik/internal/trace"
)

func newTestVM(opts ...Option) *VM {
	return New(nil, append([]Option{WithLogger(glog.NewNop())}, opts...)...)
}

func TestHandleStability(t *testing.T) {
	vm := newTestVM()
	obj := vm.NewString("hello")

	h1 := vm.AddLocalObject(obj)
	h2 := vm.AddLocalObject(obj)
	if h1 == NullHandle {
		t.Fatal("AddLocalObject returned the null handle")
	}
	if h1 != h2 {
		t.Errorf("handles differ: 0x%x vs 0x%x", h1, h2)
	}
	if got := vm.GetObject(h1); got != obj {
		t.Errorf("GetObject = %v, want %v", got, obj)
	}
	if int32(h1) != obj.HashCode() {
		t.Errorf("handle 0x%x is not the identity hash 0x%x", h1, obj.HashCode())
	}
}

func TestNullHandling(t *testing.T) {
	vm := newTestVM()

	if h := vm.AddLocalObject(nil); h != NullHandle {
		t.Errorf("AddLocalObject(nil) = 0x%x", h)
	}
	if h := vm.AddGlobalObject(nil); h != NullHandle {
		t.Errorf("AddGlobalObject(nil) = 0x%x", h)
	}
	var typed *DvmObject
	if h := vm.AddGlobalObject(typed); h != NullHandle {
		t.Errorf("AddGlobalObject(typed nil) = 0x%x", h)
	}
	if obj := vm.GetObject(NullHandle); obj != nil {
		t.Errorf("GetObject(null) = %v", obj)
	}
	if vm.RefType(NullHandle) != RefInvalid {
		t.Error("null handle should be invalid")
	}
}

func TestZeroHashObject(t *testing.T) {
	vm := newTestVM()
	obj := &DvmObject{value: "zero"}

	h := vm.AddLocalObject(obj)
	if h == NullHandle {
		t.Fatal("object with hash 0 got the null handle")
	}
	if vm.GetObject(h) != obj {
		t.Error("object with hash 0 not resolvable")
	}
}

func TestScopeIsolation(t *testing.T) {
	vm := newTestVM()
	obj := vm.NewString("local")

	frame := vm.EnterFrame()
	h := vm.AddLocalObject(obj)
	if vm.GetObject(h) == nil {
		t.Fatal("local not resolvable inside frame")
	}
	frame.Close()

	if got := vm.GetObject(h); got != nil {
		t.Errorf("local survived frame teardown: %v", got)
	}
}

func TestGlobalPersistence(t *testing.T) {
	vm := newTestVM()
	obj := vm.NewString("global")
	h := vm.AddGlobalObject(obj)

	for i := 0; i < 3; i++ {
		vm.EnterFrame().Close()
	}
	if vm.GetObject(h) != obj {
		t.Error("global lost across frames")
	}
	if vm.RefType(h) != RefGlobal {
		t.Errorf("RefType = %d, want global", vm.RefType(h))
	}
}

func TestLocalShadowsGlobal(t *testing.T) {
	vm := newTestVM()
	cls := vm.ResolveClass("Foo")
	global := &DvmObject{class: cls, value: "global", hash: 0x1234}
	local := &DvmObject{class: cls, value: "local", hash: 0x1234}

	vm.AddGlobalObject(global)
	h := vm.AddLocalObject(local)

	if got := vm.GetObject(h); got != local {
		t.Errorf("GetObject = %v, want local entry", got)
	}
	if vm.RefType(h) != RefLocal {
		t.Errorf("RefType = %d, want local", vm.RefType(h))
	}

	vm.EnterFrame().Close()
	if got := vm.GetObject(h); got != global {
		t.Errorf("after teardown GetObject = %v, want global entry", got)
	}
}

func TestHashCollisionOverwrites(t *testing.T) {
	vm := newTestVM()
	a := &DvmObject{value: "a", hash: 42}
	b := &DvmObject{value: "b", hash: 42}

	ha := vm.AddGlobalObject(a)
	hb := vm.AddGlobalObject(b)
	if ha != hb {
		t.Fatalf("colliding objects got distinct handles 0x%x, 0x%x", ha, hb)
	}
	if vm.GetObject(ha) != b {
		t.Error("later registration should win a collision")
	}
	if n := vm.MemoryInfo().Globals; n != 1 {
		t.Errorf("globals = %d, want 1", n)
	}
}

func TestWeakGlobal(t *testing.T) {
	vm := newTestVM()
	obj := vm.NewString("weak")
	h := vm.AddWeakGlobalObject(obj)

	if vm.RefType(h) != RefWeakGlobal {
		t.Errorf("RefType = %d, want weak global", vm.RefType(h))
	}
	vm.EnterFrame().Close()
	if vm.GetObject(h) != obj {
		t.Error("weak global dropped by frame teardown")
	}
	if !vm.DeleteGlobalRef(h) {
		t.Fatal("DeleteGlobalRef failed")
	}
	if vm.GetObject(h) != nil {
		t.Error("weak global resolvable after delete")
	}
}

func TestDeleteRefsRunReleaseHook(t *testing.T) {
	vm := newTestVM()
	var released []string
	hook := func(o *DvmObject) { released = append(released, o.Value().(string)) }

	local := vm.NewString("l")
	local.OnRelease(hook)
	global := vm.NewString("g")
	global.OnRelease(hook)

	hl := vm.AddLocalObject(local)
	hg := vm.AddGlobalObject(global)

	if !vm.DeleteLocalRef(hl) {
		t.Error("DeleteLocalRef returned false")
	}
	if vm.DeleteLocalRef(hl) {
		t.Error("second DeleteLocalRef should return false")
	}
	if !vm.DeleteGlobalRef(hg) {
		t.Error("DeleteGlobalRef returned false")
	}
	if strings.Join(released, ",") != "l,g" {
		t.Errorf("released = %v", released)
	}
}

func TestDeleteGlobalRefKeepsClasses(t *testing.T) {
	vm := newTestVM()
	cls := vm.ResolveClass("com/example/Pinned")
	h := Handle(cls.HashCode())

	if vm.DeleteGlobalRef(h) {
		t.Error("DeleteGlobalRef on a class should report false")
	}
	if vm.GetObject(h) != cls {
		t.Error("class object must stay resolvable")
	}
}

func TestReleaseFrameHooks(t *testing.T) {
	vm := newTestVM()
	var count int
	hook := func(*DvmObject) { count++ }

	frame := vm.EnterFrame()
	for i := 0; i < 5; i++ {
		o := vm.NewString("x")
		o.OnRelease(hook)
		vm.AddLocalObject(o)
	}
	ex := vm.NewThrowable("java/lang/RuntimeException", "boom")
	ex.OnRelease(hook)
	vm.Throw(ex)

	frame.Close()
	frame.Close()

	if count != 6 {
		t.Errorf("release hooks ran %d times, want 6", count)
	}
	if n := vm.MemoryInfo().Locals; n != 0 {
		t.Errorf("locals after teardown = %d", n)
	}
}

func TestFrameClosesOnPanic(t *testing.T) {
	vm := newTestVM()
	obj := vm.NewString("x")
	var h Handle

	func() {
		defer func() { _ = recover() }()
		frame := vm.EnterFrame()
		defer frame.Close()
		h = vm.AddLocalObject(obj)
		panic("emulated fault")
	}()

	if vm.GetObject(h) != nil {
		t.Error("local survived an unwound frame")
	}
}

func TestClassCaching(t *testing.T) {
	vm := newTestVM()

	if vm.FindClass("Foo") != nil {
		t.Error("FindClass before ResolveClass should return nil")
	}
	a := vm.ResolveClass("Foo")
	b := vm.ResolveClass("Foo")
	if a != b {
		t.Error("ResolveClass returned distinct descriptors for one name")
	}
	if vm.FindClass("Foo") != a {
		t.Error("FindClass should return the cached descriptor")
	}
	if vm.RefType(Handle(a.HashCode())) != RefGlobal {
		t.Error("resolved class not registered as global")
	}
}

func TestSuperclassInterfaceOrdering(t *testing.T) {
	vm := newTestVM()
	a := vm.ResolveClass("A")
	b := vm.ResolveClass("B")
	c := vm.ResolveClass("C")

	foo := vm.ResolveClass("Foo", a, b, c)
	if foo.Superclass() != a {
		t.Errorf("superclass = %v, want A", foo.Superclass())
	}
	ifaces := foo.Interfaces()
	if len(ifaces) != 2 || ifaces[0] != b || ifaces[1] != c {
		t.Errorf("interfaces = %v, want [B C]", ifaces)
	}
	if !a.IsAssignableFrom(foo) || !c.IsAssignableFrom(foo) {
		t.Error("Foo should be assignable to A and C")
	}
	if foo.IsAssignableFrom(a) {
		t.Error("A is not assignable to Foo")
	}
}

func TestClassFactory(t *testing.T) {
	var calls int
	factory := ClassFactoryFunc(func(v *VM, name string, super *Class, ifaces []*Class) *Class {
		calls++
		if name != "com/example/Hooked" {
			return nil
		}
		// Reentry: the factory resolves another class while creating this one.
		base := v.ResolveClass("com/example/Base")
		return NewClass(v, name, base, ifaces)
	})
	vm := newTestVM(WithClassFactory(factory))

	hooked := vm.ResolveClass("com/example/Hooked")
	if hooked.Superclass() == nil || hooked.Superclass().Name() != "com/example/Base" {
		t.Errorf("factory superclass not used: %v", hooked.Superclass())
	}
	plain := vm.ResolveClass("com/example/Plain")
	if plain.Superclass() != nil {
		t.Error("default descriptor should have no superclass")
	}
	vm.ResolveClass("com/example/Hooked")
	if calls != 3 {
		t.Errorf("factory called %d times, want 3", calls)
	}
}

func TestNotFoundClasses(t *testing.T) {
	vm := newTestVM()
	vm.AddNotFoundClass("com/example/Missing")

	if !vm.IsNotFoundClass("com/example/Missing") {
		t.Error("IsNotFoundClass = false")
	}
	if vm.IsNotFoundClass("com/example/Present") {
		t.Error("IsNotFoundClass = true for unmarked class")
	}
}

func TestExceptionClearing(t *testing.T) {
	vm := newTestVM()
	ex1 := vm.NewThrowable("java/lang/IllegalStateException", "one")
	ex2 := vm.NewThrowable("java/lang/IllegalStateException", "two")

	frame := vm.EnterFrame()
	vm.Throw(ex1)
	vm.Throw(ex2)
	if vm.PendingException() != ex2 {
		t.Error("Throw should overwrite the pending slot")
	}
	frame.Close()
	if vm.PendingException() != nil {
		t.Error("pending exception survived frame teardown")
	}

	vm.Throw(ex1)
	vm.ClearException()
	if vm.PendingException() != nil {
		t.Error("ClearException left the slot set")
	}
	if !vm.ResolveClass(ClassThrowable).IsInstance(ex1) {
		t.Error("throwable not an instance of java/lang/Throwable")
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version int32
		ok      bool
	}{
		{JNI_VERSION_1_1, true},
		{JNI_VERSION_1_2, true},
		{JNI_VERSION_1_4, true},
		{JNI_VERSION_1_6, true},
		{JNI_VERSION_1_8, true},
		{0x7fff0000, false},
		{0, false},
	}

	for _, tt := range tests {
		err := CheckVersion(tt.version)
		if tt.ok && err != nil {
			t.Errorf("CheckVersion(0x%x) = %v", tt.version, err)
		}
		if !tt.ok {
			if !errors.Is(err, ErrIllegalVersion) {
				t.Errorf("CheckVersion(0x%x) = %v, want illegal version", tt.version, err)
			}
		}
	}

	err := CheckVersion(0x7fff0000)
	if !strings.Contains(err.Error(), "0x7fff0000") {
		t.Errorf("error should report the value: %v", err)
	}
}

func TestValueOf(t *testing.T) {
	if v, err := ValueOf(JNI_TRUE); err != nil || !v {
		t.Errorf("ValueOf(1) = %v, %v", v, err)
	}
	if v, err := ValueOf(JNI_FALSE); err != nil || v {
		t.Errorf("ValueOf(0) = %v, %v", v, err)
	}
	if _, err := ValueOf(2); !errors.Is(err, ErrInvalidBoolean) {
		t.Errorf("ValueOf(2) err = %v", err)
	}
}

func TestEvents(t *testing.T) {
	var events []*trace.Event
	vm := newTestVM(OnEvent(func(e *trace.Event) { events = append(events, e) }))

	vm.AddGlobalObject(vm.NewString("x"))
	vm.Throw(vm.NewThrowable("java/lang/Error", "e"))

	var sawGlobal, sawException bool
	for _, e := range events {
		if e.Name == "AddGlobalObject" && e.Tags.Has(trace.Global) {
			sawGlobal = true
		}
		if e.Name == "Throw" && e.Tags.Has(trace.Exception) {
			sawException = true
		}
	}
	if !sawGlobal || !sawException {
		t.Errorf("missing events: global=%v exception=%v (%d events)", sawGlobal, sawException, len(events))
	}
}

func TestConcurrentAccess(t *testing.T) {
	vm := newTestVM()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				obj := vm.NewString("s")
				h := vm.AddGlobalObject(obj)
				if vm.GetObject(h) == nil {
					t.Error("global vanished")
					return
				}
				vm.ResolveClass("com/example/Shared")
			}
		}()
	}
	wg.Wait()

	if vm.FindClass("com/example/Shared") == nil {
		t.Error("shared class missing")
	}
}

func TestMemoryInfo(t *testing.T) {
	vm := newTestVM()
	vm.ResolveClass("A")
	vm.ResolveClass("B")
	vm.AddGlobalObject(vm.NewString("g"))
	vm.AddWeakGlobalObject(vm.NewString("w"))
	vm.AddLocalObject(vm.NewString("l"))

	info := vm.MemoryInfo()
	// A, B, java/lang/String are classes.
	if info.Classes != 3 {
		t.Errorf("Classes = %d, want 3", info.Classes)
	}
	if info.Globals != 5 || info.GlobalsNoClass != 2 {
		t.Errorf("Globals = %d, GlobalsNoClass = %d", info.Globals, info.GlobalsNoClass)
	}
	if info.WeakGlobals != 1 || info.Locals != 1 {
		t.Errorf("WeakGlobals = %d, Locals = %d", info.WeakGlobals, info.Locals)
	}

	var buf bytes.Buffer
	vm.PrintMemoryInfo(&buf)
	if !strings.Contains(buf.String(), "globalObjectSize=5") {
		t.Errorf("unexpected report: %s", buf.String())
	}
}
