package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, opts ...CircuitOption) *CircuitBreaker {
	cb := NewCircuitBreaker("test", opts...)
	cb.now = clock.Now
	return cb
}

var errService = errors.New("service error")

func fail(ctx context.Context) error    { return errService }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after max failures", func(t *testing.T) {
		cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)}, WithMaxFailures(2))

		if err := cb.Execute(ctx, fail); !errors.Is(err, errService) {
			t.Errorf("first call: %v", err)
		}
		if err := cb.Execute(ctx, fail); !errors.Is(err, errService) {
			t.Errorf("second call: %v", err)
		}

		called := false
		err := cb.Execute(ctx, func(ctx context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrOpen) {
			t.Errorf("expected ErrOpen, got: %v", err)
		}
		if called {
			t.Error("open circuit must not call through")
		}
		if cb.State() != StateOpen {
			t.Errorf("expected open, got: %v", cb.State())
		}
	})

	t.Run("success resets consecutive failures", func(t *testing.T) {
		cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)}, WithMaxFailures(2))
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		if cb.State() != StateClosed {
			t.Errorf("expected closed, got: %v", cb.State())
		}
	})

	t.Run("closes after successful half-open trials", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock,
			WithMaxFailures(1),
			WithResetTimeout(time.Minute),
			WithHalfOpenRequests(2),
		)
		_ = cb.Execute(ctx, fail)

		clock.Advance(30 * time.Second)
		if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
			t.Fatalf("still cooling down, got: %v", err)
		}

		clock.Advance(time.Minute)
		if err := cb.Execute(ctx, succeed); err != nil {
			t.Fatalf("first trial: %v", err)
		}
		if cb.State() != StateHalfOpen {
			t.Errorf("expected half-open, got: %v", cb.State())
		}
		if err := cb.Execute(ctx, succeed); err != nil {
			t.Fatalf("second trial: %v", err)
		}
		if cb.State() != StateClosed {
			t.Errorf("expected closed, got: %v", cb.State())
		}
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithMaxFailures(1), WithResetTimeout(time.Second))
		_ = cb.Execute(ctx, fail)
		clock.Advance(2 * time.Second)
		_ = cb.Execute(ctx, fail)
		if cb.State() != StateOpen {
			t.Errorf("expected open, got: %v", cb.State())
		}
		if got := cb.Stats().CircuitOpens; got != 2 {
			t.Errorf("CircuitOpens = %d, want 2", got)
		}
	})

	t.Run("caller cancellation is not a failure", func(t *testing.T) {
		cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)}, WithMaxFailures(1))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := cb.Execute(cctx, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got: %v", err)
		}
		if cb.State() != StateClosed {
			t.Errorf("expected closed, got: %v", cb.State())
		}
	})

	t.Run("state change callback", func(t *testing.T) {
		var got []CircuitState
		cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)},
			WithMaxFailures(1),
			WithStateChangeCallback(func(name string, from, to CircuitState) {
				got = append(got, to)
			}),
		)
		_ = cb.Execute(ctx, fail)
		if len(got) != 1 || got[0] != StateOpen {
			t.Errorf("transitions = %v", got)
		}
	})

	t.Run("stats", func(t *testing.T) {
		cb := newTestBreaker(&fakeClock{now: time.Unix(0, 0)}, WithMaxFailures(2))
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)

		stats := cb.Stats()
		if stats.TotalRequests != 3 {
			t.Errorf("expected 3 total requests, got: %d", stats.TotalRequests)
		}
		if stats.TotalFailures != 1 {
			t.Errorf("expected 1 failure, got: %d", stats.TotalFailures)
		}
		if stats.State != "closed" {
			t.Errorf("state = %s", stats.State)
		}
	})
}

func TestGroup(t *testing.T) {
	group := NewGroup(WithMaxFailures(1))

	cb1 := group.Get("classifier")
	if cb1 != group.Get("classifier") {
		t.Error("expected same circuit breaker instance")
	}
	cb2 := group.Get("generator")
	if cb2 == cb1 {
		t.Error("expected different circuit breaker for different endpoint")
	}

	_ = cb1.Execute(context.Background(), fail)
	if cb1.State() != StateOpen || cb2.State() != StateClosed {
		t.Errorf("states = %v, %v", cb1.State(), cb2.State())
	}
	stats := group.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 breakers in stats, got: %d", len(stats))
	}
	if stats[0].Name != "classifier" || stats[0].State != "open" || stats[0].TotalFailures != 1 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
}
