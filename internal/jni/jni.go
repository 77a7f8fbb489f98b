// Package jni builds the JNIEnv and JavaVM function tables in emulated
// memory. Every entry is an emulator stub whose hook forwards to a dvm.VM,
// so native code sees object handles that live in the VM's reference
// tables.
package jni

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/dalvik/internal/dvm"
	"github.com/zboralski/dalvik/internal/emulator"
	glog "github.com/zboralski/dalvik/internal/log"
	"github.com/zboralski/dalvik/internal/trace"
)

// JNINativeInterface indices (offset / 8). Slots 0-3 are reserved.
const (
	fnGetVersion               = 4
	fnFindClass                = 6
	fnGetSuperclass            = 10
	fnIsAssignableFrom         = 11
	fnThrow                    = 13
	fnThrowNew                 = 14
	fnExceptionOccurred        = 15
	fnExceptionDescribe        = 16
	fnExceptionClear           = 17
	fnFatalError               = 18
	fnPushLocalFrame           = 19
	fnPopLocalFrame            = 20
	fnNewGlobalRef             = 21
	fnDeleteGlobalRef          = 22
	fnDeleteLocalRef           = 23
	fnIsSameObject             = 24
	fnNewLocalRef              = 25
	fnEnsureLocalCapacity      = 26
	fnGetObjectClass           = 31
	fnIsInstanceOf             = 32
	fnNewStringUTF             = 167
	fnGetStringUTFLength       = 168
	fnGetStringUTFChars        = 169
	fnReleaseStringUTFChars    = 170
	fnGetArrayLength           = 171
	fnNewByteArray             = 176
	fnGetByteArrayElements     = 184
	fnReleaseByteArrayElements = 192
	fnGetByteArrayRegion       = 200
	fnSetByteArrayRegion       = 208
	fnRegisterNatives          = 215
	fnUnregisterNatives        = 216
	fnMonitorEnter             = 217
	fnMonitorExit              = 218
	fnGetJavaVM                = 219
	fnNewWeakGlobalRef         = 226
	fnDeleteWeakGlobalRef      = 227
	fnExceptionCheck           = 228
	fnGetObjectRefType         = 232

	envFuncCount = 234 // through GetModule
)

// JNIInvokeInterface indices. Slots 0-2 are reserved.
const (
	vmDestroyJavaVM               = 3
	vmAttachCurrentThread         = 4
	vmDetachCurrentThread         = 5
	vmGetEnv                      = 6
	vmAttachCurrentThreadAsDaemon = 7

	vmFuncCount = 8
)

// JNI_ABORT releases array elements without copying them back.
const jniAbort = 2

// Native is one entry passed to RegisterNatives.
type Native struct {
	Class     string
	Name      string
	Signature string
	Fn        uint64
}

func (n Native) String() string {
	return fmt.Sprintf("%s.%s%s @ 0x%x", n.Class, n.Name, n.Signature, n.Fn)
}

// handler implements one table entry and returns the value for X0.
type handler func(emu *emulator.Emulator) uint64

// Env owns the emulated JNIEnv and JavaVM for one VM.
type Env struct {
	vm  *dvm.VM
	emu *emulator.Emulator
	log *glog.Logger

	jniEnv uint64 // JNIEnv*
	javaVM uint64 // JavaVM*

	mu      sync.Mutex
	natives []Native
	elems   map[uint64]dvm.Handle // GetByteArrayElements buffer -> array
}

// NewEnv creates the dispatch layer for vm on emu. Install must be called
// before native code runs.
func NewEnv(vm *dvm.VM, emu *emulator.Emulator) *Env {
	return &Env{
		vm:    vm,
		emu:   emu,
		log:   vm.Logger().WithCategory("jni"),
		elems: make(map[uint64]dvm.Handle),
	}
}

// Install writes both function tables and publishes the JavaVM pointer
// to the VM, which passes it to JNI_OnLoad.
func (e *Env) Install() error {
	var err error
	if e.jniEnv, err = e.table(envFuncCount, e.envHandlers(), "JNIEnv"); err != nil {
		return err
	}
	if e.javaVM, err = e.table(vmFuncCount, e.vmHandlers(), "JavaVM"); err != nil {
		return err
	}
	e.vm.SetJavaVM(e.javaVM)

	e.log.Debug("installed",
		glog.Ptr("env", e.jniEnv),
		glog.Ptr("javaVM", e.javaVM),
	)
	return nil
}

// table allocates a function table of n stubs and the one-word struct that
// points at it, and returns the struct address.
func (e *Env) table(n int, handlers map[int]handler, kind string) (uint64, error) {
	vtable := e.emu.Malloc(uint64(n) * 8)
	for i := 0; i < n; i++ {
		h, ok := handlers[i]
		if !ok {
			h = e.unsupported(kind, i)
		}
		fn := h
		stub, err := e.emu.AllocStub(func(emu *emulator.Emulator) bool {
			emu.SetX(0, fn(emu))
			return false
		})
		if err != nil {
			return 0, fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
		if err := e.emu.MemWriteU64(vtable+uint64(i)*8, stub); err != nil {
			return 0, fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
	}

	ptr := e.emu.Malloc(8)
	if err := e.emu.MemWriteU64(ptr, vtable); err != nil {
		return 0, fmt.Errorf("%s: %w", kind, err)
	}
	return ptr, nil
}

func (e *Env) unsupported(kind string, index int) handler {
	return func(emu *emulator.Emulator) uint64 {
		e.log.Warn("unsupported function",
			zap.String("table", kind),
			zap.Int("index", index),
			glog.Ptr("lr", emu.LR()),
		)
		e.vm.Emit(trace.Fallback, kind, fmt.Sprintf("index %d", index))
		return 0
	}
}

// GetJNIEnv returns the JNIEnv* pointer.
func (e *Env) GetJNIEnv() uint64 { return e.jniEnv }

// GetJavaVM returns the JavaVM* pointer.
func (e *Env) GetJavaVM() uint64 { return e.javaVM }

// Natives returns the methods registered through RegisterNatives.
func (e *Env) Natives() []Native {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Native(nil), e.natives...)
}

// ref converts a handle to the jobject value native code sees.
func ref(h dvm.Handle) uint64 { return uint64(uint32(h)) }

// arg reads register n as a handle.
func arg(emu *emulator.Emulator, n int) dvm.Handle {
	return dvm.Handle(int32(uint32(emu.X(n))))
}

// jint encodes a signed status for X0.
func jint(v int) uint64 { return uint64(uint32(int32(v))) }

func jboolean(b bool) uint64 {
	if b {
		return dvm.JNI_TRUE
	}
	return dvm.JNI_FALSE
}
