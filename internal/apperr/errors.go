// Package apperr defines the error kinds surfaced by the knowledge base.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrConfig is bad settings; fatal at startup.
	ErrConfig = errors.New("config error")
	// ErrInvalidArgument is a bad call parameter; recoverable by correcting input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupportedFormat means no processor handles the file type.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorruptFile means the file could not be parsed.
	ErrCorruptFile = errors.New("corrupt file")
	// ErrPasswordProtected means the file is encrypted.
	ErrPasswordProtected = errors.New("password protected")
	// ErrStoreUnavailable means the embedding provider, vector index or catalog failed.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrModelUnavailable means the completion model failed.
	ErrModelUnavailable = errors.New("model unavailable")
)

// Error carries the operation and document that failed alongside the error kind.
type Error struct {
	Kind       error
	Op         string
	DocumentID string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.DocumentID != "" {
		msg += " " + e.DocumentID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err as kind for op. err may be nil.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of kind for op with a formatted cause.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ForDocument wraps err as kind for op on documentID. If err already carries
// an error kind, the kind is kept and only the context is added.
func ForDocument(kind error, op, documentID string, err error) error {
	if k := KindOf(err); k != nil {
		kind = k
	}
	return &Error{Kind: kind, Op: op, DocumentID: documentID, Err: err}
}

// KindOf returns the kind carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{
		ErrConfig, ErrInvalidArgument, ErrUnsupportedFormat, ErrCorruptFile,
		ErrPasswordProtected, ErrStoreUnavailable, ErrModelUnavailable,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether err comes from an external dependency being down.
// The caller decides whether and how to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrModelUnavailable)
}
