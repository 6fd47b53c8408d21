// Package apperr defines the typed errors surfaced by the directory, caches and
// resolver. Callers branch on Kind; the HTTP layer maps kinds to status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	DirectoryUnavailable Kind = "DirectoryUnavailable"
	DirectoryStale       Kind = "DirectoryStale"
	UpstreamAuthRequired Kind = "UpstreamAuthRequired"
	UpstreamTimeout      Kind = "UpstreamTimeout"
	UpstreamMalformed    Kind = "UpstreamMalformed"
	UpstreamUnavailable  Kind = "UpstreamUnavailable"
	InstrumentNotFound   Kind = "InstrumentNotFound"
	ContractNotFound     Kind = "ContractNotFound"
)

// Error is the single error type used across the engine.
type Error struct {
	Kind    Kind
	Op      string // e.g. "quotes.GetQuotes"
	Message string
	Err     error

	// Populated for not-found kinds so callers can self-correct.
	Suggestions       []string
	AvailableStrikes  []float64
	AvailableExpiries []string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: UpstreamTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf creates an Error with a formatted message wrapping err.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// FromContext types a caller's context error: a missed deadline is an
// UpstreamTimeout, a cancellation UpstreamUnavailable.
func FromContext(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(UpstreamTimeout, op, err)
	}
	return Wrap(UpstreamUnavailable, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is one of the expected, recoverable lookup misses.
func IsNotFound(err error) bool {
	k := KindOf(err)
	return k == InstrumentNotFound || k == ContractNotFound
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus maps an error to the status code the controller layer returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case UpstreamAuthRequired:
		return http.StatusUnauthorized
	case InstrumentNotFound, ContractNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
