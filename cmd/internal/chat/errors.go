package chat

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds; Msg is human-readable and safe to show to clients.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
}

// Unwrap exposes both the kind and the underlying cause.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalid(op, msg string) error { return OpError{Op: op, Kind: ErrValidation, Msg: msg} }

func notFound(op, msg string) error { return OpError{Op: op, Kind: ErrNotFound, Msg: msg} }

func forbidden(op, msg string) error { return OpError{Op: op, Kind: ErrForbidden, Msg: msg} }

func conflict(op, msg string) error { return OpError{Op: op, Kind: ErrConflict, Msg: msg} }

// upstream wraps a collaborator failure. Kind errors coming back from the store are kept.
func upstream(op string, err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrForbidden, ErrConflict} {
		if errors.Is(err, k) {
			var oe OpError
			if errors.As(err, &oe) {
				return OpError{Op: op, Kind: k, Msg: oe.Msg}
			}
			return OpError{Op: op, Kind: k}
		}
	}
	return OpError{Op: op, Kind: ErrUpstream, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsUpstream reports whether err represents ErrUpstream.
func IsUpstream(err error) bool { return errors.Is(err, ErrUpstream) }

// PublicMessage returns the client-safe text for err. Upstream causes are never exposed.
func PublicMessage(err error) string {
	var oe OpError
	if !errors.As(err, &oe) || errors.Is(oe.Kind, ErrUpstream) {
		return "internal error"
	}
	if oe.Msg != "" {
		return oe.Msg
	}
	return oe.Kind.Error()
}
