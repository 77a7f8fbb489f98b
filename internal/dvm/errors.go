package dvm

import (
	"fmt"
	"strings"
)

// Kind categorizes a bridge error.
type Kind string

const (
	KindUnsupported    Kind = "unsupported"     // package-dependent call without a package
	KindLoadFailed     Kind = "load_failed"     // library not found in package or split
	KindInvalidInput   Kind = "invalid_input"   // empty raw image and similar caller mistakes
	KindIllegalVersion Kind = "illegal_version" // unknown JNI version value
	KindInvalidBoolean Kind = "invalid_boolean" // jboolean other than 0 or 1
)

// Error is the structured error returned by VM operations.
// The pending-exception slot is not an error; it is state the emulated code observes.
type Error struct {
	Value  any
	Cause  error
	Kind   Kind
	Op     string
	Detail string
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrUnsupported    = &Error{Kind: KindUnsupported}
	ErrLoadFailed     = &Error{Kind: KindLoadFailed}
	ErrInvalidInput   = &Error{Kind: KindInvalidInput}
	ErrIllegalVersion = &Error{Kind: KindIllegalVersion}
	ErrInvalidBoolean = &Error{Kind: KindInvalidBoolean}
)

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("dvm: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Unsupported reports a package-dependent operation with no package configured.
func Unsupported(op string) *Error {
	return &Error{
		Kind:   KindUnsupported,
		Op:     op,
		Detail: "no application package configured",
	}
}

// LoadFailed reports a library that could not be located or mapped.
func LoadFailed(libname string, cause error) *Error {
	return &Error{
		Kind:   KindLoadFailed,
		Op:     "loadLibrary",
		Detail: "load library failed: " + libname,
		Value:  libname,
		Cause:  cause,
	}
}

// InvalidInput reports a malformed argument.
func InvalidInput(op, detail string) *Error {
	return &Error{
		Kind:   KindInvalidInput,
		Op:     op,
		Detail: detail,
	}
}

// IllegalVersion reports a JNI version value the bridge does not implement.
func IllegalVersion(version int32) *Error {
	return &Error{
		Kind:   KindIllegalVersion,
		Op:     "checkVersion",
		Detail: fmt.Sprintf("Illegal JNI version: 0x%x", uint32(version)),
		Value:  version,
	}
}

// InvalidBoolean reports a jboolean outside {JNI_FALSE, JNI_TRUE}.
func InvalidBoolean(value int32) *Error {
	return &Error{
		Kind:   KindInvalidBoolean,
		Op:     "valueOf",
		Detail: fmt.Sprintf("Invalid boolean value=%d", value),
		Value:  value,
	}
}
