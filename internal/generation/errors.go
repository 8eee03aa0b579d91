package generation

import (
	"errors"
	"fmt"
)

// Kind classifies generation failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindLoad
	KindTokenize
	KindDecode
	KindBackendPanic
	KindPrecondition
	KindContext
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindTokenize:
		return "tokenize"
	case KindDecode:
		return "decode"
	case KindBackendPanic:
		return "backend_panic"
	case KindPrecondition:
		return "precondition"
	case KindContext:
		return "context"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Error is a classified generation failure. Msg is the user-facing text
// that text-only surfaces return in place of generated output.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and, when the target names
// one, the same message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Text is the sentinel string returned by text surfaces.
func (e *Error) Text() string { return e.Msg }

var (
	// ErrNotLoaded is reported when a generation is requested before a
	// model has been loaded successfully.
	ErrNotLoaded = &Error{Kind: KindPrecondition, Msg: "Error: Model not loaded"}

	// ErrAbandoned is returned by an emit function whose consumer went
	// away; the decode loop treats it as cancellation.
	ErrAbandoned = errors.New("generation: consumer abandoned stream")

	// ErrStopped is returned by an emit function released by a stop
	// request while waiting for queue space.
	ErrStopped = errors.New("generation: stopped while delivering")
)

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// TextOf renders err as the sentinel text surfaces return.
func TextOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Text()
	}
	return fmt.Sprintf("Error during generation: %v", err)
}
