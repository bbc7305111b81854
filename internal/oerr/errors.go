// Package oerr is the orchestrator's error taxonomy. Every failure that
// crosses a component boundary is classified into a Kind; the executor
// and the stream layer decide recover-vs-surface from the kind alone.
package oerr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfigInvalid             Kind = "ConfigInvalid"
	KindClassificationUnavailable Kind = "ClassificationUnavailable"
	KindPlanInvalid               Kind = "PlanInvalid"
	KindAdapterTransport          Kind = "AdapterTransport"
	KindAdapterPermanent          Kind = "AdapterPermanent"
	KindTimeout                   Kind = "Timeout"
	KindCancelled                 Kind = "Cancelled"
	KindAggregationFailed         Kind = "AggregationFailed"
	KindNotFound                  Kind = "NotFound"
	KindUnknown                   Kind = "Unknown"
)

// ErrNotFound is the sentinel for missing sessions and sources. It is
// also returned for cross-caller access attempts to avoid existence leaks.
var ErrNotFound = New(KindNotFound, errors.New("not found"))

// Error wraps an underlying error with its taxonomy kind.
type Error struct {
	ErrKind Kind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, err error) *Error {
	return &Error{ErrKind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind unless it is already classified.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{ErrKind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain.
// Context errors map to Timeout/Cancelled; unclassified errors are Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether the executor should back off and retry.
// Only transient adapter transport failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindAdapterTransport
}

// Recoverable reports whether the request can proceed despite the error
// (surfaced as a recoverable stream event rather than a terminal one).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindClassificationUnavailable, KindAdapterTransport:
		return true
	}
	return false
}
