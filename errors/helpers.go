package errors

import (
	"errors"
	"fmt"
)

// Component is a builder argument naming the component an error comes from.
type Component string

// Op converts a string to an Operation for use with E.
func Op(op string) Operation { return Operation(op) }

// Retryable marks an error built with E as retryable.
type Retryable bool

// E builds a *SyncError from its arguments. Recognized argument types are
// Operation, Component, Kind, ErrorCode, Retryable, error and string (which
// becomes the message of a new underlying error). A later argument of the
// same type overrides an earlier one.
func E(args ...interface{}) error {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
			if a == KindTransient {
				e.Retryable = true
			}
		case ErrorCode:
			e.Code = a
		case Retryable:
			e.Retryable = bool(a)
		case *SyncError:
			e.Err = a
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		default:
			e.Err = fmt.Errorf("unknown argument to errors.E: %v", a)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unspecified error")
	}
	return e
}

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}
