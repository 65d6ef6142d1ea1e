package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/careflow-go/pkg/faults"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            float64 // 0.0 to 1.0
	ShouldRetry       func(error) bool
}

// DefaultRetryConfig matches the engine-wide activity defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		ShouldRetry:       faults.Retryable,
	}
}

// Retry executes fn until it succeeds, the attempts are exhausted, or a
// non-retryable error surfaces. Rate-limited errors that advise a delay
// override the computed backoff for the next attempt.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			delay := Delay(cfg, attempt)
			if after := faults.RetryAfterOf(err); after > 0 {
				delay = after
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, err
		}

		if attempt < cfg.MaxAttempts-1 {
			delay := Delay(cfg, attempt)
			if after := faults.RetryAfterOf(err); after > 0 {
				delay = after
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return zero, lastErr
}

// Delay computes the backoff for a zero-based attempt number.
func Delay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	return time.Duration(delay)
}

// Backoff is a stateful backoff sequence for reconnect loops: call Next for
// each consecutive failure, Reset after a success.
type Backoff struct {
	Initial    time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64

	attempt int
}

// NewBackoff builds a Backoff with the conventional multiplier of 2.
func NewBackoff(initial, cap time.Duration, jitter float64) *Backoff {
	return &Backoff{Initial: initial, Cap: cap, Multiplier: 2.0, Jitter: jitter}
}

func (b *Backoff) Next() time.Duration {
	d := Delay(RetryConfig{
		InitialDelay:      b.Initial,
		MaxDelay:          b.Cap,
		BackoffMultiplier: b.Multiplier,
		Jitter:            b.Jitter,
	}, b.attempt)
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }
