package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDo(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		policy        Policy
		failUntil     int
		failWith      error
		wantCalls     int
		wantErr       bool
		wantExhausted bool
	}{
		{
			name:      "no retry succeeds",
			policy:    Policy{},
			wantCalls: 1,
		},
		{
			name:      "no retry fails once",
			policy:    Policy{},
			failUntil: 5,
			failWith:  boom,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "recovers on third attempt",
			policy:    Fixed(3, time.Millisecond),
			failUntil: 2,
			failWith:  boom,
			wantCalls: 3,
		},
		{
			name:          "exhausts retries",
			policy:        Fixed(2, time.Millisecond),
			failUntil:     10,
			failWith:      boom,
			wantCalls:     3,
			wantErr:       true,
			wantExhausted: true,
		},
		{
			name:      "permanent error stops",
			policy:    Fixed(5, time.Millisecond),
			failUntil: 10,
			failWith:  Permanent(boom),
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failUntil {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, boom) {
				t.Errorf("error %v does not wrap the cause", err)
			}
			var exhausted *ExhaustedError
			if got := errors.As(err, &exhausted); got != tt.wantExhausted {
				t.Errorf("ExhaustedError = %v, want %v", got, tt.wantExhausted)
			}
		})
	}
}

func TestPolicyDoReportsRetries(t *testing.T) {
	var seen []int
	p := Fixed(3, time.Millisecond)
	p.OnRetry = func(n int, err error) { seen = append(seen, n) }

	calls := 0
	_ = p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry saw %v, want [1 2]", seen)
	}
}

func TestPolicyDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Fixed(10, time.Hour).Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayGrowth(t *testing.T) {
	p := Policy{Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	d := 100 * time.Millisecond
	for _, want := range []time.Duration{200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond} {
		d = p.grow(d)
		if d != want {
			t.Fatalf("grow = %v, want %v", d, want)
		}
	}
	if got := Fixed(1, time.Second).grow(time.Second); got != time.Second {
		t.Errorf("fixed policy grew to %v", got)
	}
}

func TestJitterStaysInRange(t *testing.T) {
	p := Policy{Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.jitter(100 * time.Millisecond)
		if d < 50*time.Millisecond || d >= 100*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}
