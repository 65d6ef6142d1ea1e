package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Transient, KindOf(New(Transient, errors.New("conn reset"))))

	// Kind survives wrapping.
	wrapped := fmt.Errorf("activity create-organization: %w", New(Validation, errors.New("bad payload")))
	assert.Equal(t, Validation, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, nil)))
	assert.True(t, Retryable(New(RateLimited, nil)))
	assert.True(t, Retryable(New(Timeout, nil)))
	assert.True(t, Retryable(errors.New("unclassified")))

	assert.False(t, Retryable(New(Validation, nil)))
	assert.False(t, Retryable(New(Authorization, nil)))
	assert.False(t, Retryable(New(NotFound, nil)))
}

func TestRetryableConflict(t *testing.T) {
	// Version races retry; other conflicts abort.
	assert.True(t, Retryable(VersionConflict("s1", "organization")))
	assert.False(t, Retryable(New(Conflict, errors.New("duplicate key"))))
	assert.False(t, Retryable(AlreadyExists("org-bootstrap-abc")))
}

func TestSentinels(t *testing.T) {
	err := VersionConflict("abc", "role")
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, Conflict, KindOf(err))

	err = UnknownEventType("role.bogus")
	assert.True(t, errors.Is(err, ErrUnknownEventType))
	assert.Equal(t, Validation, KindOf(err))

	err = AlreadyExists("org-bootstrap-abc")
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestRetryAfter(t *testing.T) {
	f := New(RateLimited, errors.New("429"))
	f.RetryAfter = 7 * time.Second
	assert.Equal(t, 7*time.Second, RetryAfterOf(fmt.Errorf("send email: %w", f)))
	assert.Zero(t, RetryAfterOf(New(Transient, nil)))
}

func TestCorrelation(t *testing.T) {
	f := Newf(Timeout, "dns configure").WithCorrelation("evt-123")
	assert.Equal(t, "evt-123", CorrelationOf(fmt.Errorf("wf: %w", f)))
	assert.Empty(t, CorrelationOf(errors.New("plain")))
}
