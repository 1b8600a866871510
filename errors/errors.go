// Package errors wraps pkg/errors and adds error codes so callers can
// match failures without depending on message text.
package errors

import (
	"github.com/pkg/errors"
)

// Code is an error code which can be checked against a given error. For
// example, see the Is() method.
type Code string

// Codes surfaced by the core. Backends may define their own codes; the
// core only promises the ones below.
const (
	// ErrUncoded marks errors whose author didn't pick a code.
	ErrUncoded Code = "Uncoded"

	// ErrUnsupportedType: encode saw a value with no defined type tag.
	ErrUnsupportedType Code = "UnsupportedType"
	// ErrAlreadyExists: insert's check-and-put found the document present.
	ErrAlreadyExists Code = "AlreadyExists"
	// ErrInvalidOperation: illegal mutation target or rollback without a
	// previous version.
	ErrInvalidOperation Code = "InvalidOperation"
	// ErrEmptyPredicate: an empty $and/$or array.
	ErrEmptyPredicate Code = "EmptyPredicate"
	// ErrIndexKeyTooLarge: composite index payload exceeds the working buffer.
	ErrIndexKeyTooLarge Code = "IndexKeyTooLarge"
	// ErrUnsupportedCapability: the backend lacks a capability the
	// requested operation needs.
	ErrUnsupportedCapability Code = "UnsupportedCapability"
	// ErrNotFound: a table or document was absent where existence was required.
	ErrNotFound Code = "NotFound"
	// ErrBadData: stored bytes failed to decode.
	ErrBadData Code = "BadData"
	// ErrBatchIndeterminate: a batch failed and the backend cannot tell
	// which rows were applied.
	ErrBatchIndeterminate Code = "BatchIndeterminate"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from pkg/errors which takes as its
// target an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// CodeOf returns the code of err, or ErrUncoded if err carries none.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

// codedError is the fundamental type used by this package to provide
// coded errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
