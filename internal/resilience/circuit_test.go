package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_ClosedState_PassesThrough(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	var calls int
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	if b.State() != StateOpen {
		t.Errorf("expected open state after 3 failures, got %s", b.State())
	}

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	if got := b.Failures(); got != 2 {
		t.Errorf("expected 2 consecutive failures, got %d", got)
	}

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if got := b.Failures(); got != 0 {
		t.Errorf("expected failures cleared after success, got %d", got)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %s", b.State())
	}

	b.now = func() time.Time { return now.Add(200 * time.Millisecond) }
	if b.State() != StateHalfOpen {
		t.Errorf("expected half-open state after timeout, got %s", b.State())
	}

	// Successful probe closes the breaker.
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed state after probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailure_Reopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}

	b.now = func() time.Time { return now.Add(200 * time.Millisecond) }
	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("still failing")
	})

	if got := b.Failures(); got != 3 {
		t.Errorf("expected 3 total failures, got %d", got)
	}
	// lastFailure was just refreshed, so the breaker is open again.
	if b.State() != StateOpen {
		t.Errorf("expected open state after failed probe, got %s", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []struct{ from, to BreakerState }
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, struct{ from, to BreakerState }{from, to})
		},
	})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Errorf("expected closed to open, got %s to %s", transitions[0].from, transitions[0].to)
	}
}

func TestBreaker_ShouldTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip: func(err error) bool {
			return err.Error() == "tripworthy"
		},
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("harmless")
		})
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after harmless errors, got %s", b.State())
	}

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("tripworthy")
		})
	}
	if b.State() != StateOpen {
		t.Errorf("expected open after tripworthy errors, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	// Just verifying no race or panic.
}

func TestExecuteVal(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	val, err := ExecuteVal(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
}

func TestExecuteVal_Open(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("fail")
	})

	val, err := ExecuteVal(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if val != 0 {
		t.Errorf("expected zero value, got %d", val)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
