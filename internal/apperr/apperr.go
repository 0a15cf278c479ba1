// Package apperr defines the error categories shared by the classifier packages.
//
//	ErrDecode        the input could not be parsed as an image.
//	ErrIO            the input could not be read.
//	ErrInvalidOutput a backend returned an empty or malformed score vector.
//	ErrInference     a backend invocation failed (shape mismatch, runtime failure).
//	ErrModelLoad     a backend could not be created at startup. Fatal.
//
// Errors are wrapped with context using github.com/pkg/errors and classified by
// callers with errors.Is.
package apperr

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	ErrDecode        = stderrors.New("image decode failed")
	ErrIO            = stderrors.New("image read failed")
	ErrInvalidOutput = stderrors.New("invalid model output")
	ErrInference     = stderrors.New("inference failed")
	ErrModelLoad     = stderrors.New("model load failed")
)

// kindError attaches a category to an underlying cause so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Wrap tags cause with kind. A nil cause yields the bare kind.
func Wrap(kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

// Wrapf tags a formatted message with kind.
func Wrapf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Kind reports which category err belongs to, or nil if it is uncategorized.
func Kind(err error) error {
	for _, k := range []error{ErrDecode, ErrIO, ErrInvalidOutput, ErrInference, ErrModelLoad} {
		if stderrors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsClientError reports whether err was caused by the caller's input rather
// than by the service.
func IsClientError(err error) bool {
	return stderrors.Is(err, ErrDecode) || stderrors.Is(err, ErrIO)
}
