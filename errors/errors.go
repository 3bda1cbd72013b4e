package errors

import (
	goerrors "errors"
	"fmt"
	"strings"
)

// Class indicates which layer of the kernel resolves the error
type Class string

const (
	ClassCapability Class = "capability" // returned synchronously at the call site
	ClassScheduler  Class = "scheduler"  // consumed inside the executor
	ClassHostcall   Class = "hostcall"   // surfaced to the guest as a result code
	ClassFault      Class = "fault"      // fatal to the offending task only
)

// Code categorizes the error
type Code string

const (
	// Capability table conditions.
	CodeRevoked            Code = "revoked"
	CodeInsufficientRights Code = "insufficient_rights"
	CodeRightsExceeded     Code = "rights_exceeded"
	CodeTableFull          Code = "table_full"

	// Scheduler control conditions.
	CodeFuelExhausted Code = "fuel_exhausted"

	// Host call conditions.
	CodeTimeout      Code = "timeout"
	CodeBadHandle    Code = "bad_handle"
	CodeResourceGone Code = "resource_gone"
	CodeInvalidArg   Code = "invalid_argument"
	CodeNoSpace      Code = "no_space"
	CodeNotFound     Code = "not_found"

	// Fault conditions.
	CodeIllegalOp   Code = "illegal_op"
	CodeOutOfBounds Code = "out_of_bounds"
	CodeTrap        Code = "trap"
)

// Error is the structured error type used throughout the kernel
type Error struct {
	Class  Class
	Code   Code
	Op     string // host call or table operation that failed
	Detail string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Class))
	b.WriteString("] ")
	b.WriteString(string(e.Code))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

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

// Is reports whether target matches this error by Class and Code
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Class == t.Class && e.Code == t.Code
	}
	return false
}

// From extracts a kernel error from an error chain.
func From(err error) (*Error, bool) {
	var e *Error
	if goerrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is is a passthrough to the standard library so callers need one import.
func Is(err, target error) bool { return goerrors.Is(err, target) }

// As is a passthrough to the standard library so callers need one import.
func As(err error, target any) bool { return goerrors.As(err, target) }

// New constructs an error with an explicit class and code.
func New(class Class, code Code, detail string) *Error {
	return &Error{Class: class, Code: code, Detail: detail}
}

// Wrap attaches a cause to a classed error.
func Wrap(class Class, code Code, cause error, detail string) *Error {
	return &Error{Class: class, Code: code, Detail: detail, Cause: cause}
}

// Convenience constructors for the fixed taxonomy

// Revoked reports a handle whose generation no longer matches its slot.
func Revoked(op string) *Error {
	return &Error{
		Class:  ClassCapability,
		Code:   CodeRevoked,
		Op:     op,
		Detail: "capability has been revoked",
	}
}

// InsufficientRights reports an access check that found the entry alive
// but missing required rights.
func InsufficientRights(op, need, have string) *Error {
	return &Error{
		Class:  ClassCapability,
		Code:   CodeInsufficientRights,
		Op:     op,
		Detail: fmt.Sprintf("need %s, have %s", need, have),
	}
}

// RightsExceeded reports a derivation requesting rights beyond its parent.
func RightsExceeded(op, requested, parent string) *Error {
	return &Error{
		Class:  ClassCapability,
		Code:   CodeRightsExceeded,
		Op:     op,
		Detail: fmt.Sprintf("requested %s exceeds parent %s", requested, parent),
	}
}

// TableFull reports capability table exhaustion.
func TableFull(limit int) *Error {
	return &Error{
		Class:  ClassCapability,
		Code:   CodeTableFull,
		Detail: fmt.Sprintf("table limit %d reached", limit),
	}
}

// FuelExhausted is the yield signal raised when a call's cost exceeds the
// fuel remaining in the quantum. It is consumed by the executor and never
// reaches guest code.
func FuelExhausted(op string, need, remaining uint64) *Error {
	return &Error{
		Class:  ClassScheduler,
		Code:   CodeFuelExhausted,
		Op:     op,
		Detail: fmt.Sprintf("cost %d, fuel %d", need, remaining),
	}
}

// Timeout reports a pending operation whose deadline expired.
func Timeout(op string) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeTimeout,
		Op:     op,
		Detail: "deadline expired while blocked",
	}
}

// BadHandle reports a descriptor that resolves to nothing.
func BadHandle(op string, desc int32) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeBadHandle,
		Op:     op,
		Detail: fmt.Sprintf("descriptor %d is not mapped", desc),
	}
}

// NotFound reports a path or name that resolves to no entry.
func NotFound(op, what string) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeNotFound,
		Op:     op,
		Detail: what,
	}
}

// ResourceGone reports an operation on a resource torn down mid-wait.
func ResourceGone(op, what string) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeResourceGone,
		Op:     op,
		Detail: what,
	}
}

// InvalidArg reports malformed guest arguments.
func InvalidArg(op, detail string) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeInvalidArg,
		Op:     op,
		Detail: detail,
	}
}

// NoSpace reports a bounded queue or store that cannot accept more data.
func NoSpace(op, what string) *Error {
	return &Error{
		Class:  ClassHostcall,
		Code:   CodeNoSpace,
		Op:     op,
		Detail: what,
	}
}

// IllegalOp reports an instruction-level violation such as an unreachable
// or a division by zero inside guest code.
func IllegalOp(detail string) *Error {
	return &Error{
		Class:  ClassFault,
		Code:   CodeIllegalOp,
		Detail: detail,
	}
}

// OutOfBoundsAccess reports a guest memory access outside its region.
func OutOfBoundsAccess(detail string) *Error {
	return &Error{
		Class:  ClassFault,
		Code:   CodeOutOfBounds,
		Detail: detail,
	}
}

// Trap reports an unrecoverable guest failure of no more specific kind.
func Trap(cause error) *Error {
	return &Error{
		Class:  ClassFault,
		Code:   CodeTrap,
		Detail: "unrecoverable trap",
		Cause:  cause,
	}
}
