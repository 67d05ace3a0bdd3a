package mse

import (
	"errors"
	"fmt"
)

// Kind classifies the errors returned by synchronous operations.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	// KindInvalidState: the call is illegal in the current ready, updating
	// or attachment state.
	KindInvalidState
	// KindType: malformed or empty type, or an ordering violation.
	KindType
	// KindNotSupported: nothing can parse or decode the claimed type.
	KindNotSupported
	// KindNotFound: the source buffer does not belong to the media source.
	KindNotFound
	// KindQuotaExceeded: the append would overflow storage even after
	// eviction.
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid-state"
	case KindType:
		return "type-error"
	case KindNotSupported:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindQuotaExceeded:
		return "quota-exceeded"
	default:
		return "unknown"
	}
}

// Error is returned by MediaSource and SourceBuffer operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrType          = &Error{Kind: KindType}
	ErrNotSupported  = &Error{Kind: KindNotSupported}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
