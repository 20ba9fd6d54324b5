package verrors

import (
	"errors"
	"fmt"
)

// Error is the concrete error type every mailvault operation returns on
// failure. It always carries a Kind and an optional Op (the component/
// method that raised it) and wraps an underlying cause so that
// errors.Is/errors.As keep working against the cause (e.g. io.EOF,
// context.Canceled).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap attaches kind/op to an existing error. Wrap(nil, ...) returns a true
// nil error (not a typed nil *Error boxed into a non-nil interface) so
// callers can write `return verrors.Wrap(err, Io, "container.write")`
// unconditionally at the tail of a function.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		// Preserve the innermost kind/cause; just annotate the op chain
		// so a caller sees "folder.move: email.add: not_found: ...".
		if op != "" {
			if existing.Op != "" {
				op = op + ": " + existing.Op
			}
			return &Error{Kind: existing.Kind, Op: op, Err: existing.Err}
		}
		return existing
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given kind, looking through any
// number of wrapping layers.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err does not wrap an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err's kind is marked retryable in the
// taxonomy (spec §7: only Io is retried internally).
func Retryable(err error) bool {
	return MetaOf(KindOf(err)).Retryable
}
