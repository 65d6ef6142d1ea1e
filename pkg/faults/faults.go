// Package faults classifies errors into the kinds the orchestration core
// cares about: whether an engine or listener should retry, and whether a
// workflow failure must take the compensation path. Components wrap errors
// with a Kind once, at the boundary where the failure is understood, and
// everything upstream classifies with errors.As.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind is an error category, not a concrete type.
type Kind int

const (
	// Unknown is the zero kind: retryable, compensates on final failure.
	Unknown Kind = iota

	// Transient covers network failures, 5xx responses, dropped
	// connections. Retryable.
	Transient

	// RateLimited is a 429-style rejection. Retryable; RetryAfter, when
	// set, overrides the backoff schedule for the next attempt.
	RateLimited

	// Validation covers malformed payloads and unknown event types. Never
	// retried.
	Validation

	// Authorization covers missing-permission rejections. Never retried.
	Authorization

	// NotFound means the referenced aggregate does not exist. Never retried.
	NotFound

	// Conflict covers optimistic-concurrency losers. Version conflicts on
	// append are retried by the caller; unique-key conflicts abort.
	Conflict

	// Timeout means an activity exceeded its start-to-close deadline.
	// Retried up to max attempts; compensates on final failure.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fault attaches a Kind to an underlying error. CorrelationID carries the
// originating event's id so operators can reconstruct the saga from the log.
type Fault struct {
	Kind          Kind
	Err           error
	CorrelationID string
	RetryAfter    time.Duration
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New wraps err with a kind. A nil err yields a fault whose message is the
// kind itself.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithCorrelation stamps the originating event id on the fault.
func (f *Fault) WithCorrelation(eventID string) *Fault {
	f.CorrelationID = eventID
	return f
}

// KindOf walks the error chain and returns the first classified kind.
// Unclassified errors are Unknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited, Timeout, Unknown:
		return true
	case Conflict:
		// Version races are resolvable by recomputing; unique-key
		// conflicts are not. Appenders distinguish via ErrVersionConflict.
		return errors.Is(err, ErrVersionConflict)
	default:
		return false
	}
}

// RetryAfterOf returns the server-advised delay for rate-limited errors,
// zero otherwise.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) && f.Kind == RateLimited {
		return f.RetryAfter
	}
	return 0
}

// CorrelationOf returns the correlation id closest to the failure site.
func CorrelationOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.CorrelationID
	}
	return ""
}

// Sentinels shared across components. They are always wrapped in a Fault of
// the matching kind so both errors.Is and KindOf work on them.
var (
	ErrVersionConflict  = errors.New("stream version conflict")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrAlreadyExists    = errors.New("workflow already exists")
	ErrNotFound         = errors.New("not found")
)

// VersionConflict builds the canonical append-race error.
func VersionConflict(streamID, streamType string) error {
	return &Fault{Kind: Conflict, Err: fmt.Errorf("%w: stream %s/%s", ErrVersionConflict, streamType, streamID)}
}

// UnknownEventType builds the canonical registry-miss error.
func UnknownEventType(eventType string) error {
	return &Fault{Kind: Validation, Err: fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)}
}

// AlreadyExists builds the canonical duplicate-start error.
func AlreadyExists(workflowID string) error {
	return &Fault{Kind: Conflict, Err: fmt.Errorf("%w: %s", ErrAlreadyExists, workflowID)}
}
