// Package errdefs defines the error taxonomy shared by the adapter runtime.
// Every failure that crosses a component boundary is classified here so the
// event bus can translate it into a request_failed payload and the platform
// clients know what to retry.
package errdefs

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for surfacing decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as permanent.
	KindUnknown Kind = iota
	// KindValidation marks a malformed request from the framework.
	KindValidation
	// KindNotFound marks a reference to a conversation or message the
	// adapter has never observed.
	KindNotFound
	// KindTransient marks a temporary platform failure worth retrying.
	KindTransient
	// KindPermanent marks a platform rejection that retrying cannot fix.
	KindPermanent
	// KindAttachment marks attachment-specific failures (too large,
	// unreadable, missing on fetch).
	KindAttachment
	// KindFatal marks unrecoverable conditions; the process should exit.
	KindFatal
)

type classified struct {
	kind  Kind
	cause error
}

func (e *classified) Error() string { return e.cause.Error() }
func (e *classified) Unwrap() error { return e.cause }

func classify(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &classified{kind: kind, cause: cause}
}

// Validation creates a validation error.
func Validation(format string, args ...any) error {
	return classify(KindValidation, fmt.Errorf(format, args...))
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) error {
	return classify(KindNotFound, fmt.Errorf(format, args...))
}

// Transient creates a transient error.
func Transient(format string, args ...any) error {
	return classify(KindTransient, fmt.Errorf(format, args...))
}

// Permanent creates a permanent error.
func Permanent(format string, args ...any) error {
	return classify(KindPermanent, fmt.Errorf(format, args...))
}

// Attachment creates an attachment error.
func Attachment(format string, args ...any) error {
	return classify(KindAttachment, fmt.Errorf(format, args...))
}

// Fatal creates a fatal error.
func Fatal(format string, args ...any) error {
	return classify(KindFatal, fmt.Errorf(format, args...))
}

// WrapTransient classifies an existing error as transient, keeping its chain.
func WrapTransient(err error, msg string) error {
	return classify(KindTransient, errors.Wrap(err, msg))
}

// WrapPermanent classifies an existing error as permanent, keeping its chain.
func WrapPermanent(err error, msg string) error {
	return classify(KindPermanent, errors.Wrap(err, msg))
}

// WrapFatal classifies an existing error as fatal, keeping its chain.
func WrapFatal(err error, msg string) error {
	return classify(KindFatal, errors.Wrap(err, msg))
}

// KindOf reports the classification of err, walking its chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var c *classified
	if stderrors.As(err, &c) {
		return c.kind
	}
	return KindUnknown
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err is a permanent platform rejection.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsAttachment reports whether err is attachment-specific.
func IsAttachment(err error) bool { return KindOf(err) == KindAttachment }

// IsFatal reports whether err should terminate the process.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }
