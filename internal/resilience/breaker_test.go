package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("chain-test", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}, nil).WithClock(func() time.Time { return now })

	boom := errors.New("rpc unreachable")
	fail := func(ctx context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, boom)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// Before the recovery timeout the wrapped operation must not run.
	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err while open = %v, want ErrCircuitOpen", err)
	}
	var openErr *BreakerOpenError
	if !errors.As(err, &openErr) || openErr.Name != "chain-test" {
		t.Fatalf("open error missing dependency name: %v", err)
	}
	if invoked {
		t.Fatal("operation invoked while breaker open")
	}

	// After the timeout a single probe is allowed; success closes.
	now = now.Add(31 * time.Second)
	calls := 0
	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if calls != 1 {
		t.Fatalf("probe calls = %d, want 1", calls)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after probe success = %v, want closed", got)
	}
	if stats := cb.Stats(); stats.FailureCount != 0 {
		t.Fatalf("failure count after close = %d, want 0", stats.FailureCount)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("chain-test", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
	}, nil).WithClock(func() time.Time { return now })

	boom := errors.New("rpc unreachable")
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("seed failure: %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	now = now.Add(11 * time.Second)
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe failure: %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatal("failed probe should reopen breaker")
	}

	// The reopened window starts from the probe failure.
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_UnexpectedErrorsPassThrough(t *testing.T) {
	businessErr := errors.New("invalid contract argument")
	netErr := errors.New("connection refused")
	cb := NewCircuitBreaker("chain-test", BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		IsExpectedFailure: func(err error) bool {
			return errors.Is(err, netErr)
		},
	}, nil)

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func(ctx context.Context) error { return businessErr }); !errors.Is(err, businessErr) {
			t.Fatalf("err = %v, want business error", err)
		}
	}
	if got := cb.Stats().FailureCount; got != 0 {
		t.Fatalf("business errors moved failure count to %d", got)
	}
	if cb.State() != StateClosed {
		t.Fatal("breaker tripped on unclassified errors")
	}
}

func TestCircuitBreaker_MonitoringPeriodForgetsStaleFailures(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("chain-test", BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MonitoringPeriod: 10 * time.Second,
	}, nil).WithClock(func() time.Time { return now })

	boom := errors.New("rpc unreachable")
	fail := func(ctx context.Context) error { return boom }

	_ = cb.Execute(context.Background(), fail)
	now = now.Add(time.Minute)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != StateClosed {
		t.Fatal("stale failure should not count toward the threshold")
	}
	if got := cb.Stats().FailureCount; got != 1 {
		t.Fatalf("failure count = %d, want 1", got)
	}
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := NewCircuitBreaker("chain-test", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}, nil)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatal("reset should force closed")
	}
	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestRegistry_GetOrCreateAndStats(t *testing.T) {
	reg := NewRegistry(DefaultBreakerConfig(), nil)

	a := reg.Get("neo")
	if reg.Get("neo") != a {
		t.Fatal("Get should return the same breaker per name")
	}
	reg.Get("ethereum")

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats len = %d, want 2", len(stats))
	}
	if stats[0].Name != "ethereum" || stats[1].Name != "neo" {
		t.Fatalf("stats not ordered by name: %+v", stats)
	}

	if reg.Reset("missing") {
		t.Fatal("Reset(missing) should report false")
	}
	if !reg.Reset("neo") {
		t.Fatal("Reset(neo) should report true")
	}
}

func TestRegistry_ConfigureReplacesBreaker(t *testing.T) {
	reg := NewRegistry(DefaultBreakerConfig(), nil)

	var transitions []State
	reg.OnStateChange(func(name string, state State) {
		transitions = append(transitions, state)
	})

	cb := reg.Configure("neo", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		IsExpectedFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})
	if reg.Get("neo") != cb {
		t.Fatal("Get should return the configured breaker")
	}

	// A cancellation from our side passes through without moving the state
	// machine.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Fatal("canceled call must not count as a dependency failure")
	}

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("rpc down") })
	if cb.State() != StateOpen {
		t.Fatal("configured threshold of 1 should open on first failure")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v, want [open]", transitions)
	}
}
