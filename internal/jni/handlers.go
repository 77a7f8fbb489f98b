package jni

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	"github.com/zboralski/dalvik/internal/emulator"
	"github.com/zboralski/dalvik/internal/trace"
)

const (
	classArrayIndexOutOfBounds = "java/lang/ArrayIndexOutOfBoundsException"
	classNullPointer           = "java/lang/NullPointerException"
	maxUTF                     = 1 << 16
)

func (e *Env) envHandlers() map[int]handler {
	return map[int]handler{
		fnGetVersion: func(*emulator.Emulator) uint64 { return dvm.JNI_VERSION_1_6 },

		fnFindClass:        e.findClass,
		fnGetSuperclass:    e.getSuperclass,
		fnIsAssignableFrom: e.isAssignableFrom,
		fnGetObjectClass:   e.getObjectClass,
		fnIsInstanceOf:     e.isInstanceOf,

		fnThrow:             e.throw,
		fnThrowNew:          e.throwNew,
		fnExceptionOccurred: e.exceptionOccurred,
		fnExceptionDescribe: e.exceptionDescribe,
		fnExceptionClear:    e.exceptionClear,
		fnExceptionCheck:    e.exceptionCheck,
		fnFatalError:        e.fatalError,

		fnPushLocalFrame:      e.ok,
		fnPopLocalFrame:       e.popLocalFrame,
		fnEnsureLocalCapacity: e.ok,
		fnNewGlobalRef:        e.newGlobalRef,
		fnNewWeakGlobalRef:    e.newWeakGlobalRef,
		fnNewLocalRef:         e.newLocalRef,
		fnDeleteGlobalRef:     e.deleteGlobalRef,
		fnDeleteWeakGlobalRef: e.deleteGlobalRef,
		fnDeleteLocalRef:      e.deleteLocalRef,
		fnIsSameObject:        e.isSameObject,
		fnGetObjectRefType:    e.getObjectRefType,

		fnNewStringUTF:          e.newStringUTF,
		fnGetStringUTFLength:    e.getStringUTFLength,
		fnGetStringUTFChars:     e.getStringUTFChars,
		fnReleaseStringUTFChars: e.releaseStringUTFChars,

		fnGetArrayLength:           e.getArrayLength,
		fnNewByteArray:             e.newByteArray,
		fnGetByteArrayElements:     e.getByteArrayElements,
		fnReleaseByteArrayElements: e.releaseByteArrayElements,
		fnGetByteArrayRegion:       e.getByteArrayRegion,
		fnSetByteArrayRegion:       e.setByteArrayRegion,

		fnRegisterNatives:   e.registerNatives,
		fnUnregisterNatives: e.ok,
		fnMonitorEnter:      e.ok,
		fnMonitorExit:       e.ok,
		fnGetJavaVM:         e.getJavaVM,
	}
}

func (e *Env) vmHandlers() map[int]handler {
	return map[int]handler{
		vmDestroyJavaVM:               e.ok,
		vmAttachCurrentThread:         e.attachCurrentThread,
		vmAttachCurrentThreadAsDaemon: e.attachCurrentThread,
		vmDetachCurrentThread:         e.ok,
		vmGetEnv:                      e.getEnv,
	}
}

func (e *Env) ok(*emulator.Emulator) uint64 { return dvm.JNI_OK }

func (e *Env) str(emu *emulator.Emulator, addr uint64) string {
	if addr == 0 {
		return ""
	}
	s, _ := emu.MemReadString(addr, maxUTF)
	return s
}

// local registers obj in the current frame.
func (e *Env) local(obj dvm.Object) uint64 {
	return ref(e.vm.AddLocalObject(obj))
}

// classRef returns a handle for c. Registered classes are already global.
func (e *Env) classRef(c *dvm.Class) uint64 {
	if c == nil {
		return 0
	}
	if e.vm.FindClass(c.Name()) == c {
		return ref(dvm.HandleOf(c))
	}
	return e.local(c)
}

func (e *Env) class(emu *emulator.Emulator, n int) *dvm.Class {
	c, _ := e.vm.GetObject(arg(emu, n)).(*dvm.Class)
	return c
}

func (e *Env) throwNamed(className, msg string) {
	e.vm.Throw(e.vm.NewThrowable(className, msg))
}

// Classes

func (e *Env) findClass(emu *emulator.Emulator) uint64 {
	name := e.str(emu, emu.X(1))
	e.vm.Emit(trace.Class, "FindClass", name)
	if name == "" {
		e.throwNamed(classNullPointer, "FindClass")
		return 0
	}
	if e.vm.IsNotFoundClass(name) {
		e.throwNamed(dvm.ClassNoClassDefFound, name)
		return 0
	}
	return e.classRef(e.vm.ResolveClass(name))
}

func (e *Env) getSuperclass(emu *emulator.Emulator) uint64 {
	c := e.class(emu, 1)
	if c == nil {
		return 0
	}
	return e.classRef(c.Superclass())
}

// IsAssignableFrom(clazz1, clazz2) asks whether clazz1 casts to clazz2.
func (e *Env) isAssignableFrom(emu *emulator.Emulator) uint64 {
	from, to := e.class(emu, 1), e.class(emu, 2)
	if from == nil || to == nil {
		return dvm.JNI_FALSE
	}
	return jboolean(to.IsAssignableFrom(from))
}

func (e *Env) getObjectClass(emu *emulator.Emulator) uint64 {
	obj := e.vm.GetObject(arg(emu, 1))
	if obj == nil {
		return 0
	}
	if _, isClass := obj.(*dvm.Class); isClass {
		return e.classRef(e.vm.ResolveClass(dvm.ClassClass))
	}
	return e.classRef(obj.ObjectType())
}

func (e *Env) isInstanceOf(emu *emulator.Emulator) uint64 {
	c := e.class(emu, 2)
	if c == nil {
		return dvm.JNI_FALSE
	}
	obj := e.vm.GetObject(arg(emu, 1))
	if obj == nil {
		// null is an instance of every class.
		return dvm.JNI_TRUE
	}
	return jboolean(c.IsInstance(obj))
}

// Exceptions

func (e *Env) throw(emu *emulator.Emulator) uint64 {
	obj := e.vm.GetObject(arg(emu, 1))
	if obj == nil {
		return jint(dvm.JNI_ERR)
	}
	e.vm.Throw(obj)
	return dvm.JNI_OK
}

func (e *Env) throwNew(emu *emulator.Emulator) uint64 {
	c := e.class(emu, 1)
	if c == nil {
		return jint(dvm.JNI_ERR)
	}
	e.vm.Throw(c.NewObject(e.str(emu, emu.X(2))))
	return dvm.JNI_OK
}

func (e *Env) exceptionOccurred(*emulator.Emulator) uint64 {
	t := e.vm.PendingException()
	if t == nil {
		return 0
	}
	return e.local(t)
}

func (e *Env) exceptionDescribe(*emulator.Emulator) uint64 {
	if t := e.vm.PendingException(); t != nil {
		e.vm.Emit(trace.Exception, "ExceptionDescribe", fmt.Sprint(t))
	}
	return 0
}

func (e *Env) exceptionClear(*emulator.Emulator) uint64 {
	e.vm.ClearException()
	return 0
}

func (e *Env) exceptionCheck(*emulator.Emulator) uint64 {
	return jboolean(e.vm.PendingException() != nil)
}

func (e *Env) fatalError(emu *emulator.Emulator) uint64 {
	msg := e.str(emu, emu.X(1))
	e.log.Error("FatalError", zap.String("msg", msg))
	e.vm.Emit(trace.Exception, "FatalError", msg)
	emu.Stop()
	return 0
}

// References

// Frames are flat: the call frame owns every local, so PopLocalFrame only
// hands back its argument.
func (e *Env) popLocalFrame(emu *emulator.Emulator) uint64 {
	return ref(arg(emu, 1))
}

func (e *Env) newGlobalRef(emu *emulator.Emulator) uint64 {
	return ref(e.vm.AddGlobalObject(e.vm.GetObject(arg(emu, 1))))
}

func (e *Env) newWeakGlobalRef(emu *emulator.Emulator) uint64 {
	return ref(e.vm.AddWeakGlobalObject(e.vm.GetObject(arg(emu, 1))))
}

func (e *Env) newLocalRef(emu *emulator.Emulator) uint64 {
	return e.local(e.vm.GetObject(arg(emu, 1)))
}

func (e *Env) deleteGlobalRef(emu *emulator.Emulator) uint64 {
	e.vm.DeleteGlobalRef(arg(emu, 1))
	return 0
}

func (e *Env) deleteLocalRef(emu *emulator.Emulator) uint64 {
	e.vm.DeleteLocalRef(arg(emu, 1))
	return 0
}

func (e *Env) isSameObject(emu *emulator.Emulator) uint64 {
	a, b := arg(emu, 1), arg(emu, 2)
	if a == b {
		return dvm.JNI_TRUE
	}
	oa, ob := e.vm.GetObject(a), e.vm.GetObject(b)
	return jboolean(oa != nil && oa == ob)
}

func (e *Env) getObjectRefType(emu *emulator.Emulator) uint64 {
	return uint64(e.vm.RefType(arg(emu, 1)))
}

// Strings

func (e *Env) newStringUTF(emu *emulator.Emulator) uint64 {
	ptr := emu.X(1)
	if ptr == 0 {
		return 0
	}
	s := e.str(emu, ptr)
	e.vm.Emit(trace.String, "NewStringUTF", s)
	return e.local(e.vm.NewString(s))
}

func (e *Env) stringValue(emu *emulator.Emulator) (string, bool) {
	obj := e.vm.GetObject(arg(emu, 1))
	if obj == nil {
		return "", false
	}
	s, ok := obj.Value().(string)
	return s, ok
}

func (e *Env) getStringUTFLength(emu *emulator.Emulator) uint64 {
	s, _ := e.stringValue(emu)
	return uint64(len(s))
}

func (e *Env) getStringUTFChars(emu *emulator.Emulator) uint64 {
	s, ok := e.stringValue(emu)
	if !ok {
		return 0
	}
	buf := emu.Malloc(uint64(len(s) + 1))
	emu.MemWriteString(buf, s)
	if isCopy := emu.X(2); isCopy != 0 {
		emu.MemWriteU8(isCopy, dvm.JNI_TRUE)
	}
	return buf
}

// The heap is never reclaimed; releasing only reports the call.
func (e *Env) releaseStringUTFChars(emu *emulator.Emulator) uint64 {
	e.vm.Emit(trace.String, "ReleaseStringUTFChars", fmt.Sprintf("0x%x", emu.X(2)))
	return 0
}

// Arrays

func (e *Env) byteArray(emu *emulator.Emulator, n int) (*dvm.DvmObject, []byte, bool) {
	obj, ok := e.vm.GetObject(arg(emu, n)).(*dvm.DvmObject)
	if !ok {
		return nil, nil, false
	}
	b, ok := obj.Value().([]byte)
	return obj, b, ok
}

func (e *Env) getArrayLength(emu *emulator.Emulator) uint64 {
	obj := e.vm.GetObject(arg(emu, 1))
	if obj == nil {
		return 0
	}
	switch v := obj.Value().(type) {
	case []byte:
		return uint64(len(v))
	case []dvm.Object:
		return uint64(len(v))
	}
	return 0
}

func (e *Env) newByteArray(emu *emulator.Emulator) uint64 {
	n := int32(uint32(emu.X(1)))
	if n < 0 {
		e.throwNamed("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		return 0
	}
	e.vm.Emit(trace.Array, "NewByteArray", fmt.Sprint(n))
	return e.local(e.vm.NewByteArray(make([]byte, n)))
}

// regionBounds validates start/len against n and raises
// ArrayIndexOutOfBoundsException when they do not fit.
func (e *Env) regionBounds(emu *emulator.Emulator, n int) (int, int, bool) {
	start, length := int(int32(uint32(emu.X(2)))), int(int32(uint32(emu.X(3))))
	if start < 0 || length < 0 || start+length > n {
		e.throwNamed(classArrayIndexOutOfBounds, fmt.Sprintf("start=%d len=%d size=%d", start, length, n))
		return 0, 0, false
	}
	return start, length, true
}

func (e *Env) getByteArrayRegion(emu *emulator.Emulator) uint64 {
	_, b, ok := e.byteArray(emu, 1)
	if !ok {
		return 0
	}
	start, length, ok := e.regionBounds(emu, len(b))
	if ok && length > 0 {
		emu.MemWrite(emu.X(4), b[start:start+length])
	}
	return 0
}

func (e *Env) setByteArrayRegion(emu *emulator.Emulator) uint64 {
	_, b, ok := e.byteArray(emu, 1)
	if !ok {
		return 0
	}
	start, length, ok := e.regionBounds(emu, len(b))
	if !ok || length == 0 {
		return 0
	}
	data, err := emu.MemRead(emu.X(4), uint64(length))
	if err == nil {
		copy(b[start:], data)
	}
	return 0
}

// getByteArrayElements hands out a copy that ReleaseByteArrayElements
// writes back.
func (e *Env) getByteArrayElements(emu *emulator.Emulator) uint64 {
	_, b, ok := e.byteArray(emu, 1)
	if !ok {
		return 0
	}
	buf := emu.Malloc(uint64(len(b)) + 1)
	emu.MemWrite(buf, b)
	if isCopy := emu.X(2); isCopy != 0 {
		emu.MemWriteU8(isCopy, dvm.JNI_TRUE)
	}

	e.mu.Lock()
	e.elems[buf] = arg(emu, 1)
	e.mu.Unlock()
	return buf
}

func (e *Env) releaseByteArrayElements(emu *emulator.Emulator) uint64 {
	obj, b, ok := e.byteArray(emu, 1)
	buf, mode := emu.X(2), int32(uint32(emu.X(3)))

	e.mu.Lock()
	h, tracked := e.elems[buf]
	if mode != 1 { // JNI_COMMIT keeps the buffer
		delete(e.elems, buf)
	}
	e.mu.Unlock()

	if !ok || !tracked || h != dvm.HandleOf(obj) || mode == jniAbort || len(b) == 0 {
		return 0
	}
	if data, err := emu.MemRead(buf, uint64(len(b))); err == nil {
		copy(b, data)
	}
	return 0
}

// Natives

// registerNatives records JNINativeMethod entries: {name, signature, fnPtr}.
func (e *Env) registerNatives(emu *emulator.Emulator) uint64 {
	c := e.class(emu, 1)
	methods, count := emu.X(2), int32(uint32(emu.X(3)))
	if c == nil || methods == 0 || count < 0 {
		return jint(dvm.JNI_ERR)
	}

	for i := int32(0); i < count; i++ {
		entry := methods + uint64(i)*24
		namePtr, err1 := emu.MemReadU64(entry)
		sigPtr, err2 := emu.MemReadU64(entry + 8)
		fn, err3 := emu.MemReadU64(entry + 16)
		if err1 != nil || err2 != nil || err3 != nil {
			return jint(dvm.JNI_ERR)
		}
		n := Native{
			Class:     c.Name(),
			Name:      e.str(emu, namePtr),
			Signature: e.str(emu, sigPtr),
			Fn:        fn,
		}
		e.mu.Lock()
		e.natives = append(e.natives, n)
		e.mu.Unlock()
		e.vm.Emit(trace.JniCall, "RegisterNatives", n.String())
	}
	return dvm.JNI_OK
}

func (e *Env) getJavaVM(emu *emulator.Emulator) uint64 {
	out := emu.X(1)
	if out == 0 {
		return jint(dvm.JNI_ERR)
	}
	emu.MemWriteU64(out, e.javaVM)
	return dvm.JNI_OK
}

// JavaVM

func (e *Env) getEnv(emu *emulator.Emulator) uint64 {
	out, version := emu.X(1), int32(uint32(emu.X(2)))
	if err := dvm.CheckVersion(version); err != nil {
		e.log.Debug("GetEnv", zap.Error(err))
		return jint(dvm.JNI_EVERSION)
	}
	if out != 0 {
		emu.MemWriteU64(out, e.jniEnv)
	}
	e.vm.Emit(trace.JavaVM, "GetEnv", fmt.Sprintf("0x%x", uint32(version)))
	return dvm.JNI_OK
}

func (e *Env) attachCurrentThread(emu *emulator.Emulator) uint64 {
	if out := emu.X(1); out != 0 {
		emu.MemWriteU64(out, e.jniEnv)
	}
	e.vm.Emit(trace.JavaVM, "AttachCurrentThread", "")
	return dvm.JNI_OK
}
