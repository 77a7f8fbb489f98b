package dvm

import "fmt"

// Well-known class names used by the bridge itself.
const (
	ClassObject          = "java/lang/Object"
	ClassClass           = "java/lang/Class"
	ClassString          = "java/lang/String"
	ClassThrowable       = "java/lang/Throwable"
	ClassNoClassDefFound = "java/lang/NoClassDefFoundError"
	ClassByteArray       = "[B"
)

// Class describes a managed class. The VM owns the canonical instance per
// name; superclass and interfaces are plain references into that cache.
type Class struct {
	vm         *VM
	name       string
	super      *Class
	interfaces []*Class
	hash       int32
}

// NewClass builds a descriptor without registering it. Class factories use
// it to construct the classes they return from CreateClass.
func NewClass(vm *VM, name string, super *Class, interfaces []*Class) *Class {
	ifaces := make([]*Class, len(interfaces))
	copy(ifaces, interfaces)
	return &Class{
		vm:         vm,
		name:       name,
		super:      super,
		interfaces: ifaces,
		hash:       nextIdentityHash(),
	}
}

// Name returns the binary class name, e.g. "java/lang/String".
func (c *Class) Name() string { return c.name }

// Superclass returns the superclass or nil.
func (c *Class) Superclass() *Class { return c.super }

// Interfaces returns a copy of the implemented interfaces, in declaration order.
func (c *Class) Interfaces() []*Class {
	out := make([]*Class, len(c.interfaces))
	copy(out, c.interfaces)
	return out
}

// VM returns the owning VM.
func (c *Class) VM() *VM { return c.vm }

func (c *Class) HashCode() int32 { return c.hash }

// ObjectType is nil for class objects; callers map it to java/lang/Class.
func (c *Class) ObjectType() *Class { return nil }

func (c *Class) Value() any { return c.name }

// OnDeleteRef is a no-op: class objects live as long as the VM.
func (c *Class) OnDeleteRef() {}

// NewObject creates an instance of c carrying value.
func (c *Class) NewObject(value any) *DvmObject {
	return NewObject(c, value)
}

// IsAssignableFrom reports whether an instance of other can be used where c is expected.
func (c *Class) IsAssignableFrom(other *Class) bool {
	if other == nil {
		return false
	}
	if c == other || c.name == ClassObject {
		return true
	}
	if c.IsAssignableFrom(other.super) {
		return true
	}
	for _, iface := range other.interfaces {
		if c.IsAssignableFrom(iface) {
			return true
		}
	}
	return false
}

// IsInstance reports whether obj is an instance of c.
func (c *Class) IsInstance(obj Object) bool {
	if isNil(obj) {
		return false
	}
	if _, ok := obj.(*Class); ok {
		return c.name == ClassClass || c.name == ClassObject
	}
	return c.IsAssignableFrom(obj.ObjectType())
}

func (c *Class) String() string {
	return fmt.Sprintf("class %s", c.name)
}
