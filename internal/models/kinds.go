package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for the error envelope and for the reason stored
// on failed entries and jobs.
type Kind string

const (
	KindInvalidArgument Kind = "invalid-argument"
	KindNotFound        Kind = "not-found"
	KindUnsupportedType Kind = "unsupported-type"
	KindTooLarge        Kind = "too-large"
	KindTimeout         Kind = "timeout"
	KindTooManyRequests Kind = "too-many-requests"
	KindUpstream        Kind = "upstream"
	KindCancelled       Kind = "cancelled"
	KindInterrupted     Kind = "interrupted"
	KindInternal        Kind = "internal"
)

// KindError attaches a Kind to an underlying error. errors.Is and errors.As
// see through it.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the given kind. Wrapping an already-classified
// error keeps the innermost kind visible to KindOf through the outer one.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Kindf builds a classified error from a format string.
func Kindf(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, defaulting to KindInternal for
// unclassified errors. Context cancellation maps to KindCancelled and
// deadline expiry to KindTimeout so call sites do not need to wrap them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kerr *KindError
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	switch {
	case errors.Is(err, ErrUploadNotFound), errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrJobNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
