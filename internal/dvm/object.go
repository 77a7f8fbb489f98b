// Package dvm bridges handles issued to emulated native code with host-side objects.
//
// Native code running under emulation talks to the VM as if it were a real
// JNI implementation: it receives 32-bit handles for objects and classes,
// keeps them across calls, and expects local handles to disappear when the
// native call returns. The VM owns the local and global reference tables,
// the class cache, the pending-exception slot, and the handoff of native
// libraries to the emulator's image loader.
package dvm

import (
	"fmt"
	"sync/atomic"
)

// Object is a host-side stand-in for a managed object.
//
// HashCode is the object's identity hash. It must be stable for the
// object's lifetime and is used directly as its JNI handle.
type Object interface {
	HashCode() int32
	ObjectType() *Class
	Value() any
	OnDeleteRef()
}

var identitySeed atomic.Uint32

// nextIdentityHash hands out identity hashes. The seed walks the full
// 32-bit space with an odd stride and fmix32 is a bijection, so hashes
// repeat only after 2^32 objects. Zero is skipped.
func nextIdentityHash() int32 {
	for {
		h := fmix32(identitySeed.Add(0x9e3779b9))
		if h != 0 {
			return int32(h)
		}
	}
}

// fmix32 is the murmur3 finalizer.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// DvmObject is the default Object: a typed value with an identity.
// Strings carry a string, byte arrays a []byte, throwables their message.
type DvmObject struct {
	class    *Class
	value    any
	hash     int32
	onDelete func(*DvmObject)
}

// NewObject creates an object of the given class.
func NewObject(class *Class, value any) *DvmObject {
	return &DvmObject{
		class: class,
		value: value,
		hash:  nextIdentityHash(),
	}
}

func (o *DvmObject) HashCode() int32    { return o.hash }
func (o *DvmObject) ObjectType() *Class { return o.class }
func (o *DvmObject) Value() any         { return o.value }

// SetValue replaces the carried value, e.g. after SetByteArrayRegion.
func (o *DvmObject) SetValue(v any) {
	o.value = v
}

// OnRelease installs a hook run each time a table drops a reference to o.
func (o *DvmObject) OnRelease(fn func(*DvmObject)) {
	o.onDelete = fn
}

// OnDeleteRef implements Object.
func (o *DvmObject) OnDeleteRef() {
	if o.onDelete != nil {
		o.onDelete(o)
	}
}

func (o *DvmObject) String() string {
	name := "?"
	if o.class != nil {
		name = o.class.name
	}
	return fmt.Sprintf("%s@0x%x{%v}", name, uint32(o.hash), o.value)
}

// isNil treats typed nil pointers stored in an Object as absent.
func isNil(obj Object) bool {
	switch v := obj.(type) {
	case nil:
		return true
	case *DvmObject:
		return v == nil
	case *Class:
		return v == nil
	}
	return false
}

// describe renders an object for logs without assuming fmt.Stringer.
func describe(obj Object) string {
	if s, ok := obj.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T@0x%x", obj, uint32(obj.HashCode()))
}
