// Package apperr defines the error taxonomy shared by every layer of the
// uploader and the single mapping from that taxonomy to the messages shown to
// contributors and operators.
//
// Errors are classified by Kind. Callers build them with the constructor for
// the kind (Config, Auth, Storage, Image, Validation) and inspect them with
// KindOf or errors.As.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by where it originated.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConfig is a missing or malformed secret or setting.
	KindConfig

	// KindAuth is a credential rejected by the remote service, or a failed
	// token refresh.
	KindAuth

	// KindStorage is a failed folder lookup, folder creation or upload.
	KindStorage

	// KindImage is an input that cannot be decoded as an image.
	KindImage

	// KindValidation is a blank or out-of-range form field.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindStorage:
		return "storage"
	case KindImage:
		return "image"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed, Fields
// lists the offending field or secret keys when there are any.
type Error struct {
	Kind   Kind
	Op     string
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Fields, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &apperr.Error{Kind: apperr.KindAuth}) works as a kind match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind Kind, op string, err error, fields ...string) *Error {
	return &Error{Kind: kind, Op: op, Fields: fields, Err: err}
}

// Config wraps err as a configuration failure.
func Config(op string, err error, fields ...string) *Error {
	return newError(KindConfig, op, err, fields...)
}

// Auth wraps err as an authentication failure.
func Auth(op string, err error, fields ...string) *Error {
	return newError(KindAuth, op, err, fields...)
}

// Storage wraps err as a remote storage failure.
func Storage(op string, err error) *Error {
	return newError(KindStorage, op, err)
}

// Image wraps err as an undecodable image.
func Image(op string, err error) *Error {
	return newError(KindImage, op, err)
}

// Validation reports the given form fields as invalid.
func Validation(op string, err error, fields ...string) *Error {
	return newError(KindValidation, op, err, fields...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether err should halt the session: configuration and
// authentication failures cannot be recovered without operator action.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindAuth:
		return true
	}
	return false
}
