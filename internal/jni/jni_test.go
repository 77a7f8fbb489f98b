package jni

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/zboralski/dalvik/internal/dvm"
	"github.com/zboralski/dalvik/internal/emulator"
	glog "github.com/zboralski/dalvik/internal/log"
)

type fixture struct {
	t   *testing.T
	emu *emulator.Emulator
	vm  *dvm.VM
	env *Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	vm := dvm.New(emu, dvm.WithLogger(glog.NewNop()))
	env := NewEnv(vm, emu)
	if err := env.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return &fixture{t: t, emu: emu, vm: vm, env: env}
}

// fn reads entry index of the table the struct at ptr points to.
func (f *fixture) fn(ptr uint64, index int) uint64 {
	f.t.Helper()
	vtable, err := f.emu.MemReadU64(ptr)
	if err != nil {
		f.t.Fatalf("read vtable: %v", err)
	}
	addr, err := f.emu.MemReadU64(vtable + uint64(index)*8)
	if err != nil || addr == 0 {
		f.t.Fatalf("read entry %d: 0x%x %v", index, addr, err)
	}
	return addr
}

// env calls a JNIEnv function with JNIEnv* prepended.
func (f *fixture) call(index int, args ...uint64) uint64 {
	f.t.Helper()
	ret, err := f.emu.Call(f.fn(f.env.GetJNIEnv(), index), append([]uint64{f.env.GetJNIEnv()}, args...)...)
	if err != nil {
		f.t.Fatalf("JNIEnv[%d]: %v", index, err)
	}
	return ret
}

func (f *fixture) callVM(index int, args ...uint64) uint64 {
	f.t.Helper()
	ret, err := f.emu.Call(f.fn(f.env.GetJavaVM(), index), append([]uint64{f.env.GetJavaVM()}, args...)...)
	if err != nil {
		f.t.Fatalf("JavaVM[%d]: %v", index, err)
	}
	return ret
}

func (f *fixture) cstr(s string) uint64 {
	ptr := f.emu.Malloc(uint64(len(s) + 1))
	f.emu.MemWriteString(ptr, s)
	return ptr
}

func (f *fixture) object(h uint64) dvm.Object {
	return f.vm.GetObject(dvm.Handle(int32(uint32(h))))
}

func TestInstall(t *testing.T) {
	f := newFixture(t)

	if f.vm.JavaVM() != f.env.GetJavaVM() || f.env.GetJavaVM() == 0 {
		t.Errorf("VM JavaVM = 0x%x, env JavaVM = 0x%x", f.vm.JavaVM(), f.env.GetJavaVM())
	}
	if got := f.call(fnGetVersion); got != dvm.JNI_VERSION_1_6 {
		t.Errorf("GetVersion = 0x%x", got)
	}

	out := f.emu.Malloc(8)
	if got := f.callVM(vmGetEnv, out, dvm.JNI_VERSION_1_6); got != dvm.JNI_OK {
		t.Errorf("GetEnv = %d", got)
	}
	if env, _ := f.emu.MemReadU64(out); env != f.env.GetJNIEnv() {
		t.Errorf("GetEnv wrote 0x%x, want 0x%x", env, f.env.GetJNIEnv())
	}
	if got := int32(uint32(f.callVM(vmGetEnv, out, 0x00020000))); got != dvm.JNI_EVERSION {
		t.Errorf("GetEnv(bad version) = %d, want JNI_EVERSION", got)
	}

	f.emu.MemWriteU64(out, 0)
	if got := f.callVM(vmAttachCurrentThread, out, 0); got != dvm.JNI_OK {
		t.Errorf("AttachCurrentThread = %d", got)
	}
	if env, _ := f.emu.MemReadU64(out); env != f.env.GetJNIEnv() {
		t.Errorf("AttachCurrentThread wrote 0x%x", env)
	}
	if got := f.callVM(vmDetachCurrentThread); got != dvm.JNI_OK {
		t.Errorf("DetachCurrentThread = %d", got)
	}

	if got := f.call(fnGetJavaVM, out); got != dvm.JNI_OK {
		t.Errorf("GetJavaVM = %d", got)
	}
	if vm, _ := f.emu.MemReadU64(out); vm != f.env.GetJavaVM() {
		t.Errorf("GetJavaVM wrote 0x%x", vm)
	}

	// GetMethodID has no handler; the fallback returns 0.
	if got := f.call(33, 0, f.cstr("run"), f.cstr("()V")); got != 0 {
		t.Errorf("unsupported entry = 0x%x", got)
	}
}

func TestFindClass(t *testing.T) {
	f := newFixture(t)

	h := f.call(fnFindClass, f.cstr("com/example/Native"))
	c, ok := f.object(h).(*dvm.Class)
	if !ok || c.Name() != "com/example/Native" {
		t.Fatalf("FindClass object = %v", f.object(h))
	}
	if again := f.call(fnFindClass, f.cstr("com/example/Native")); again != h {
		t.Errorf("second FindClass = 0x%x, want 0x%x", again, h)
	}
	if f.vm.RefType(dvm.Handle(int32(uint32(h)))) != dvm.RefGlobal {
		t.Error("class handles should be global")
	}

	f.vm.AddNotFoundClass("com/example/Missing")
	if got := f.call(fnFindClass, f.cstr("com/example/Missing")); got != 0 {
		t.Errorf("FindClass(missing) = 0x%x, want 0", got)
	}
	if f.call(fnExceptionCheck) != dvm.JNI_TRUE {
		t.Fatal("expected pending exception")
	}
	exc := f.object(f.call(fnExceptionOccurred))
	if exc == nil || exc.ObjectType().Name() != dvm.ClassNoClassDefFound {
		t.Errorf("pending exception = %v", exc)
	}
	if exc != nil && exc.Value() != "com/example/Missing" {
		t.Errorf("exception message = %v", exc.Value())
	}

	f.call(fnExceptionClear)
	if f.call(fnExceptionCheck) != dvm.JNI_FALSE || f.call(fnExceptionOccurred) != 0 {
		t.Error("ExceptionClear left an exception pending")
	}
}

func TestClassRelations(t *testing.T) {
	f := newFixture(t)

	base := f.vm.ResolveClass("com/example/Base")
	iface := f.vm.ResolveClass("com/example/Iface")
	f.vm.ResolveClass("com/example/Impl", base, iface)

	impl := f.call(fnFindClass, f.cstr("com/example/Impl"))
	baseRef := f.call(fnFindClass, f.cstr("com/example/Base"))
	ifaceRef := f.call(fnFindClass, f.cstr("com/example/Iface"))

	if got := f.call(fnGetSuperclass, impl); got != baseRef {
		t.Errorf("GetSuperclass = 0x%x, want 0x%x", got, baseRef)
	}
	tests := []struct {
		name     string
		from, to uint64
		want     uint64
	}{
		{"impl to base", impl, baseRef, dvm.JNI_TRUE},
		{"impl to iface", impl, ifaceRef, dvm.JNI_TRUE},
		{"base to impl", baseRef, impl, dvm.JNI_FALSE},
		{"self", impl, impl, dvm.JNI_TRUE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.call(fnIsAssignableFrom, tt.from, tt.to); got != tt.want {
				t.Errorf("IsAssignableFrom = %d, want %d", got, tt.want)
			}
		})
	}

	frame := f.vm.EnterFrame()
	defer frame.Close()

	obj := f.vm.AddLocalObject(f.vm.FindClass("com/example/Impl").NewObject(nil))
	if got := f.call(fnGetObjectClass, uint64(uint32(obj))); got != impl {
		t.Errorf("GetObjectClass = 0x%x, want 0x%x", got, impl)
	}
	if f.call(fnIsInstanceOf, uint64(uint32(obj)), baseRef) != dvm.JNI_TRUE {
		t.Error("IsInstanceOf(base) = false")
	}
	if f.call(fnIsInstanceOf, uint64(uint32(obj)), f.call(fnFindClass, f.cstr("java/lang/String"))) != dvm.JNI_FALSE {
		t.Error("IsInstanceOf(String) = true")
	}
	classClass := f.call(fnGetObjectClass, impl)
	if c, _ := f.object(classClass).(*dvm.Class); c == nil || c.Name() != dvm.ClassClass {
		t.Errorf("GetObjectClass(class) = %v", f.object(classClass))
	}
}

func TestThrowNew(t *testing.T) {
	f := newFixture(t)
	frame := f.vm.EnterFrame()

	cls := f.call(fnFindClass, f.cstr("java/lang/IllegalStateException"))
	if got := f.call(fnThrowNew, cls, f.cstr("bad state")); got != dvm.JNI_OK {
		t.Fatalf("ThrowNew = %d", got)
	}
	exc := f.vm.PendingException()
	if exc == nil || exc.Value() != "bad state" {
		t.Fatalf("pending = %v", exc)
	}
	f.call(fnExceptionDescribe)

	// Throw replaces the pending exception.
	other := f.vm.AddLocalObject(f.vm.NewThrowable("java/lang/RuntimeException", "second"))
	f.call(fnThrow, uint64(uint32(other)))
	if got := f.vm.PendingException(); got == nil || got.Value() != "second" {
		t.Errorf("pending after Throw = %v", got)
	}
	if got := int32(uint32(f.call(fnThrow, 0))); got != dvm.JNI_ERR {
		t.Errorf("Throw(NULL) = %d", got)
	}

	frame.Close()
	if f.vm.PendingException() != nil {
		t.Error("frame close should clear the pending exception")
	}
}

func TestReferences(t *testing.T) {
	f := newFixture(t)
	frame := f.vm.EnterFrame()

	s := f.call(fnNewStringUTF, f.cstr("hello"))
	if s == 0 {
		t.Fatal("NewStringUTF returned NULL")
	}
	if got := f.call(fnGetObjectRefType, s); got != uint64(dvm.RefLocal) {
		t.Errorf("ref type = %d, want local", got)
	}
	if got := f.call(fnGetStringUTFLength, s); got != 5 {
		t.Errorf("GetStringUTFLength = %d", got)
	}

	isCopy := f.emu.Malloc(1)
	chars := f.call(fnGetStringUTFChars, s, isCopy)
	if got, _ := f.emu.MemReadString(chars, 16); got != "hello" {
		t.Errorf("GetStringUTFChars = %q", got)
	}
	if b, _ := f.emu.MemReadU8(isCopy); b != dvm.JNI_TRUE {
		t.Error("isCopy not set")
	}
	f.call(fnReleaseStringUTFChars, s, chars)

	g := f.call(fnNewGlobalRef, s)
	if g != s {
		t.Errorf("global handle 0x%x differs from local 0x%x", g, s)
	}
	if f.call(fnIsSameObject, s, g) != dvm.JNI_TRUE {
		t.Error("IsSameObject(local, global) = false")
	}
	f.call(fnDeleteLocalRef, s)
	if got := f.call(fnGetObjectRefType, g); got != uint64(dvm.RefGlobal) {
		t.Errorf("ref type after DeleteLocalRef = %d, want global", got)
	}

	w := f.call(fnNewWeakGlobalRef, f.call(fnNewStringUTF, f.cstr("weak")))
	nl := f.call(fnNewLocalRef, g)
	if f.call(fnIsSameObject, g, w) != dvm.JNI_FALSE {
		t.Error("distinct strings compare equal")
	}

	frame.Close()

	if f.call(fnGetObjectRefType, w) != uint64(dvm.RefWeakGlobal) {
		t.Error("weak global lost at frame close")
	}
	if f.object(g) == nil || f.object(nl) == nil {
		t.Error("global reference lost at frame close")
	}
	f.call(fnDeleteGlobalRef, g)
	f.call(fnDeleteWeakGlobalRef, w)
	if f.object(g) != nil || f.object(w) != nil {
		t.Error("deleted globals still resolve")
	}
	if f.call(fnPopLocalFrame, 0x1234) != 0x1234 {
		t.Error("PopLocalFrame should return its argument")
	}
	if f.call(fnNewStringUTF, 0) != 0 {
		t.Error("NewStringUTF(NULL) should return NULL")
	}
}

func TestByteArrays(t *testing.T) {
	f := newFixture(t)
	frame := f.vm.EnterFrame()
	defer frame.Close()

	arr := f.call(fnNewByteArray, 4)
	if got := f.call(fnGetArrayLength, arr); got != 4 {
		t.Fatalf("GetArrayLength = %d", got)
	}

	f.call(fnSetByteArrayRegion, arr, 1, 2, f.cstr("ab"))
	if got := f.object(arr).Value().([]byte); !bytes.Equal(got, []byte{0, 'a', 'b', 0}) {
		t.Errorf("array after SetByteArrayRegion = %q", got)
	}

	out := f.emu.Malloc(8)
	f.call(fnGetByteArrayRegion, arr, 0, 4, out)
	if got, _ := f.emu.MemRead(out, 4); !bytes.Equal(got, []byte{0, 'a', 'b', 0}) {
		t.Errorf("GetByteArrayRegion = %q", got)
	}

	f.call(fnGetByteArrayRegion, arr, 3, 2, out)
	exc := f.vm.PendingException()
	if exc == nil || exc.ObjectType().Name() != classArrayIndexOutOfBounds {
		t.Fatalf("pending = %v, want ArrayIndexOutOfBoundsException", exc)
	}
	f.vm.ClearException()

	elems := f.call(fnGetByteArrayElements, arr, 0)
	f.emu.MemWrite(elems, []byte("wxyz"))
	f.call(fnReleaseByteArrayElements, arr, elems, jniAbort)
	if got := f.object(arr).Value().([]byte); got[0] != 0 {
		t.Errorf("JNI_ABORT copied back: %q", got)
	}

	elems = f.call(fnGetByteArrayElements, arr, 0)
	f.emu.MemWrite(elems, []byte("wxyz"))
	f.call(fnReleaseByteArrayElements, arr, elems, 0)
	if got := f.object(arr).Value().([]byte); string(got) != "wxyz" {
		t.Errorf("array after release = %q", got)
	}

	if got := f.call(fnNewByteArray, uint64(uint32(0xffffffff))); got != 0 {
		t.Errorf("NewByteArray(-1) = 0x%x", got)
	}
	if f.vm.PendingException() == nil {
		t.Error("negative size should throw")
	}
}

func TestRegisterNatives(t *testing.T) {
	f := newFixture(t)

	cls := f.call(fnFindClass, f.cstr("com/example/Native"))

	var methods bytes.Buffer
	for _, m := range []struct {
		name, sig string
		fn        uint64
	}{
		{"init", "()V", 0x40001000},
		{"sign", "([B)Ljava/lang/String;", 0x40001100},
	} {
		binary.Write(&methods, binary.LittleEndian, []uint64{f.cstr(m.name), f.cstr(m.sig), m.fn})
	}
	table := f.emu.Malloc(uint64(methods.Len()))
	f.emu.MemWrite(table, methods.Bytes())

	if got := f.call(fnRegisterNatives, cls, table, 2); got != dvm.JNI_OK {
		t.Fatalf("RegisterNatives = %d", got)
	}
	natives := f.env.Natives()
	if len(natives) != 2 {
		t.Fatalf("natives = %v", natives)
	}
	want := Native{Class: "com/example/Native", Name: "sign", Signature: "([B)Ljava/lang/String;", Fn: 0x40001100}
	if natives[1] != want {
		t.Errorf("natives[1] = %+v, want %+v", natives[1], want)
	}
	if got := int32(uint32(f.call(fnRegisterNatives, 0, table, 2))); got != dvm.JNI_ERR {
		t.Errorf("RegisterNatives(NULL class) = %d", got)
	}
	if f.call(fnMonitorEnter, cls) != dvm.JNI_OK || f.call(fnMonitorExit, cls) != dvm.JNI_OK {
		t.Error("monitor calls should succeed")
	}
}

// codeModule exposes code loaded at CodeBase as JNI_OnLoad.
type codeModule struct{}

func (codeModule) Name() string { return "libonload.so" }
func (codeModule) Base() uint64 { return emulator.CodeBase }
func (codeModule) FindSymbol(name string) (uint64, bool) {
	return emulator.CodeBase, name == "JNI_OnLoad"
}

func TestCallJNIOnLoad(t *testing.T) {
	f := newFixture(t)

	// jint JNI_OnLoad(JavaVM *vm, void *reserved) {
	//     JNIEnv *env;
	//     (*vm)->GetEnv(vm, (void **)&env, JNI_VERSION_1_6);
	//     return (*env)->GetVersion(env);
	// }
	code := []uint32{
		0xa9be7bfd, // stp x29, x30, [sp, #-32]!
		0x910043e1, // add x1, sp, #16
		0x528000c2, // mov w2, #6
		0x72a00022, // movk w2, #1, lsl #16
		0xf9400008, // ldr x8, [x0]
		0xf9401908, // ldr x8, [x8, #48]
		0xd63f0100, // blr x8
		0xf9400be0, // ldr x0, [sp, #16]
		0xf9400008, // ldr x8, [x0]
		0xf9401108, // ldr x8, [x8, #32]
		0xd63f0100, // blr x8
		0xa8c27bfd, // ldp x29, x30, [sp], #32
		0xd65f03c0, // ret
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, code)
	if err := f.emu.LoadCode(buf.Bytes()); err != nil {
		t.Fatalf("LoadCode: %v", err)
	}

	if err := f.vm.CallJNIOnLoad(codeModule{}); err != nil {
		t.Fatalf("CallJNIOnLoad: %v", err)
	}
}
