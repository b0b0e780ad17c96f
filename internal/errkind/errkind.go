// Package errkind classifies failures into the small taxonomy surfaced to users:
// validation, I/O, parse, type, not-found and fetch errors.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	Unknown Kind = iota
	Validation
	IO
	Parse
	Type
	NotFound
	Fetch
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case IO:
		return "IOError"
	case Parse:
		return "ParseError"
	case Type:
		return "TypeError"
	case NotFound:
		return "NotFoundError"
	case Fetch:
		return "FetchError"
	default:
		return "Error"
	}
}

// Error is a classified failure about a named subject (a location or a file).
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classified is implemented by errors that know their own Kind.
type Classified interface {
	error
	ErrorKind() Kind
}

func (e *Error) ErrorKind() Kind { return e.Kind }

// New wraps err with a kind and subject.
func New(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var c Classified
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
