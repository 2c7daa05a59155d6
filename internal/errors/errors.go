// Package errors defines the error taxonomy shared by the agent and the
// server. Kinds classify failures for the HTTP edge and for retry decisions;
// they are deliberately coarse so callers match on kind, not message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the failure category of an Error.
type Kind string

const (
	KindValidation   Kind = "validation"    // malformed input; never retried
	KindNotPermitted Kind = "not_permitted" // authorization predicate failed
	KindNotFound     Kind = "not_found"     // referenced entity missing
	KindConflict     Kind = "conflict"      // uniqueness or state-machine violation
	KindTransient    Kind = "transient"     // network/DB hiccup; retry next tick
	KindFatal        Kind = "fatal"         // unrecoverable; process should exit
)

// Sentinels for errors.Is matching.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotPermitted = errors.New("not permitted")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient error")
	ErrFatal        = errors.New("fatal error")
)

var sentinelByKind = map[Kind]error{
	KindValidation:   ErrValidation,
	KindNotPermitted: ErrNotPermitted,
	KindNotFound:     ErrNotFound,
	KindConflict:     ErrConflict,
	KindTransient:    ErrTransient,
	KindFatal:        ErrFatal,
}

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "store.claim_alert"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches both the kind sentinel and the wrapped cause.
func (e *Error) Is(target error) bool {
	if sentinel, ok := sentinelByKind[e.Kind]; ok && target == sentinel {
		return true
	}
	return errors.Is(e.Err, target)
}

// New builds a classified error with a static message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of err, classifying plain network and context
// failures as transient. Unclassified errors report KindTransient so that
// background loops keep retrying rather than dying on a surprise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsTimeout(err) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether the forwarder/correlator should try again on the
// next tick.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Message returns the innermost human-readable message of a classified
// error, without the operation chain. Unclassified errors return Error().
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	for {
		var inner *Error
		if e.Err == nil || !errors.As(e.Err, &inner) {
			break
		}
		e = inner
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Validation, NotPermitted, NotFound, Conflict, Transient and Fatal are
// shorthand constructors for the common call sites.

func Validation(op, format string, args ...any) *Error {
	return Newf(KindValidation, op, format, args...)
}

func NotPermitted(op, format string, args ...any) *Error {
	return Newf(KindNotPermitted, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return Newf(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return Newf(KindConflict, op, format, args...)
}

func Transient(op string, err error) error {
	return Wrap(KindTransient, op, err)
}

func Fatal(op string, err error) error {
	return Wrap(KindFatal, op, err)
}

// RetryAfter suggests a pause before the next attempt for transient errors.
// Non-transient errors return zero.
func RetryAfter(err error) time.Duration {
	if Retryable(err) {
		return time.Second
	}
	return 0
}
