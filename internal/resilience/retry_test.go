package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collectSleeps(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetrier_SucceedsAfterBackoff(t *testing.T) {
	var delays []time.Duration
	r := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}, nil).WithSleep(collectSleeps(&delays))

	calls := 0
	err := r.Do(context.Background(), "anchor", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v, want [1s 2s]", delays)
	}
}

func TestRetrier_Exhaustion(t *testing.T) {
	var delays []time.Duration
	r := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
	}, nil).WithSleep(collectSleeps(&delays))

	boom := errors.New("still down")
	err := r.Do(context.Background(), "anchor", func(ctx context.Context) error { return boom })

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want RetryExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Fatal("exhausted error should wrap the last underlying error")
	}
}

func TestRetrier_NonRetryableSurfacesImmediately(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			t.Fatal("should not back off for non-retryable errors")
			return nil
		})

	rejected := errors.New("tx rejected by contract")
	calls := 0
	err := r.Do(context.Background(), "anchor", func(ctx context.Context) error {
		calls++
		return NonRetryable(rejected)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v, want wrapped original", err)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("non-retryable error must not be wrapped as exhausted")
	}
}

func TestRetrier_MaxDelayCap(t *testing.T) {
	var delays []time.Duration
	r := NewRetrier(RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 4.0,
	}, nil).WithSleep(collectSleeps(&delays))

	_ = r.Do(context.Background(), "anchor", func(ctx context.Context) error { return errors.New("x") })

	// 1s, then 4s capped to 3s, then capped again.
	want := []time.Duration{time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetrier_JitterBounds(t *testing.T) {
	r := NewRetrier(RetryConfig{
		MaxAttempts:       2,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}, nil)

	for i := 0; i < 100; i++ {
		d := r.backoff(2)
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("jittered delay %v outside [0.5s, 1s]", d)
		}
	}
}

func TestRetrier_ContextCancelDuringBackoff(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "anchor", func(ctx context.Context) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
