package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Gateway unwraps to exactly one of
// them, so callers can branch with errors.Is.
var (
	ErrNetwork    = errors.New("network failure")
	ErrAuth       = errors.New("not authenticated")
	ErrConstraint = errors.New("constraint violation")
	ErrNotFound   = errors.New("not found")
)

// Error describes a failed gateway operation.
type Error struct {
	Op     string
	Entity Entity
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Entity, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps err with the given kind.
func NewError(op string, entity Entity, kind, err error) *Error {
	return &Error{Op: op, Entity: entity, Kind: kind, Err: err}
}

// KindOf returns the error kind carried by err, defaulting to ErrNetwork for
// unclassified failures.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth):
		return ErrAuth
	case errors.Is(err, ErrConstraint):
		return ErrConstraint
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return ErrNetwork
	}
}

// classify makes sure err carries a kind and names the operation.
func classify(op string, entity Entity, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(op, entity, ErrNetwork, err)
	}
	return NewError(op, entity, KindOf(err), err)
}

func kindLabel(err error) string {
	switch KindOf(err) {
	case ErrAuth:
		return "auth"
	case ErrConstraint:
		return "constraint"
	case ErrNotFound:
		return "not_found"
	default:
		return "network"
	}
}

var errNoFeed = errors.New("no change feed configured")
