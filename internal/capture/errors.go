package capture

import (
	"errors"

	"github.com/ahrdadan/snapq/internal/browser"
)

// Kind classifies a capture failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBusy
	KindBrowser
	KindNavigation
	KindResolution
	KindCapture
	KindResize
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBusy:
		return "busy"
	case KindBrowser:
		return "browser"
	case KindNavigation:
		return "navigation"
	case KindResolution:
		return "resolution"
	case KindCapture:
		return "capture"
	case KindResize:
		return "resize"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidClip is returned when a computed region is degenerate.
	ErrInvalidClip = errors.New("invalid clip region")
	// ErrElementNotFound is returned when a selector never appears.
	ErrElementNotFound = browser.ErrElementNotFound
	// ErrNothingResolved is returned when no selector of a multi capture resolves.
	ErrNothingResolved = errors.New("no selector resolved")
)

// Error is a classified capture failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
