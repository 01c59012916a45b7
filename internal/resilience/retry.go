package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ProofMesh-Network/proof_layer/pkg/logger"
)

// RetryConfig configures bounded exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64
	// Jitter multiplies each delay by a uniform factor in [0.5, 1.0].
	Jitter bool
}

// DefaultRetryConfig returns the defaults used for chain RPC calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryExhaustedError wraps the last error after all attempts failed.
type RetryExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error so the retry loop surfaces it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var marker *nonRetryableError
	return errors.As(err, &marker)
}

// Retrier runs operations with bounded exponential backoff. The sleep
// function is injectable so tests never wait on the wall clock.
type Retrier struct {
	config RetryConfig
	log    *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

// NewRetrier creates a retrier with the given config.
func NewRetrier(config RetryConfig, log *logger.Logger) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if log == nil {
		log = logger.NewDefault("retry")
	}
	return &Retrier{
		config: config,
		log:    log,
		sleep:  sleepCtx,
		rand:   rand.Float64,
	}
}

// WithSleep replaces the backoff sleep. Test use only.
func (r *Retrier) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = sleep
	return r
}

// Do runs op up to MaxAttempts times. Errors marked NonRetryable surface
// immediately; after the last attempt the error is wrapped with the attempt
// count. Context cancellation during backoff aborts the loop.
func (r *Retrier) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt)
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.log.WithField("label", label).
					WithField("attempt", attempt).
					Info("operation succeeded after retry")
			}
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}
		if attempt < r.config.MaxAttempts {
			r.log.WithError(lastErr).
				WithField("label", label).
				WithField("attempt", attempt).
				Warn("operation failed, will retry")
		}
	}
	return &RetryExhaustedError{Label: label, Attempts: r.config.MaxAttempts, Err: lastErr}
}

// backoff computes the delay before the given attempt (attempt >= 2).
func (r *Retrier) backoff(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-2))
	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay *= 0.5 + r.rand()*0.5
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
