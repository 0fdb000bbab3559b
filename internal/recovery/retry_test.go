package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/recovery"
)

var fastPolicy = recovery.Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Millisecond,
	MaxBackoff:     10 * time.Millisecond,
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	val, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if val != 42 {
		t.Fatalf("expected 42, got %d", val)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	_, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) (struct{}, error) {
		calls++
		if calls < 3 {
			return struct{}{}, apperrors.NetworkError("connection refused", nil)
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NonTransientStopsImmediately(t *testing.T) {
	calls := 0
	underlying := apperrors.AuthenticationError("invalid credentials", nil)
	_, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, underlying
	})
	if !errors.Is(err, underlying) {
		t.Fatalf("expected underlying auth error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	underlying := errors.New("connection refused")
	calls := 0
	_, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, underlying
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, underlying) {
		t.Fatalf("expected wrapped underlying error, got %v", err)
	}
	if calls != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", fastPolicy.MaxAttempts, calls)
	}
	if attempts != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d attempts reported, got %d", fastPolicy.MaxAttempts, attempts)
	}
}

func TestDo_BackoffGrowsWithinJitterBounds(t *testing.T) {
	var recorded []time.Duration
	p := recovery.Policy{
		MaxAttempts:    4,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			recorded = append(recorded, backoff)
		},
	}

	_, _, _ = recovery.Do(context.Background(), clockwork.NewRealClock(), p, func(context.Context) (struct{}, error) {
		return struct{}{}, errors.New("timed out")
	})

	if len(recorded) != 3 {
		t.Fatalf("expected 3 backoff observations, got %d", len(recorded))
	}
	base := p.InitialBackoff
	for i, delay := range recorded {
		if delay < base {
			t.Fatalf("backoff %d below base: %v < %v", i, delay, base)
		}
		if delay > base+base/4+time.Millisecond {
			t.Fatalf("backoff %d above jitter bound: %v", i, delay)
		}
		base *= 2
	}
}

func TestDo_BackoffMultiplierScalesDelays(t *testing.T) {
	var recorded []time.Duration
	p := recovery.Policy{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 3,
		OnRetry: func(_ int, _ error, backoff time.Duration) {
			recorded = append(recorded, backoff)
		},
	}

	_, _, _ = recovery.Do(context.Background(), clockwork.NewRealClock(), p, func(context.Context) (struct{}, error) {
		return struct{}{}, errors.New("timed out")
	})

	if len(recorded) != 2 {
		t.Fatalf("expected 2 backoff observations, got %d", len(recorded))
	}
	base := p.InitialBackoff
	for i, delay := range recorded {
		if delay < base {
			t.Fatalf("backoff %d below base: %v < %v", i, delay, base)
		}
		if delay > base+base/4+time.Millisecond {
			t.Fatalf("backoff %d above jitter bound: %v", i, delay)
		}
		base *= 3
	}
}

func TestDo_RetryableClassesOverrideDefault(t *testing.T) {
	p := recovery.Policy{
		MaxAttempts:      3,
		InitialBackoff:   1 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		RetryableClasses: []apperrors.Class{apperrors.ClassUnknown},
	}

	calls := 0
	_, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), p, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, apperrors.UnknownError("something odd", nil)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != p.MaxAttempts {
		t.Fatalf("expected unknown failures to be retried under the override, got %d calls", calls)
	}
	if attempts != p.MaxAttempts {
		t.Fatalf("expected %d attempts reported, got %d", p.MaxAttempts, attempts)
	}

	calls = 0
	_, _, err = recovery.Do(context.Background(), clockwork.NewRealClock(), p, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, apperrors.NetworkError("connection refused", nil)
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("expected network failures to stop immediately under the override, got %d calls", calls)
	}
}

func TestDo_CancellationIsDistinct(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := recovery.Policy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     10 * time.Second,
	}

	calls := 0
	_, _, err := recovery.Do(ctx, clockwork.NewRealClock(), p, func(context.Context) (struct{}, error) {
		calls++
		cancel()
		return struct{}{}, errors.New("connection refused")
	})
	if !errors.Is(err, recovery.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", calls)
	}
}

func TestDo_AttemptTimeoutAppliesPerAttempt(t *testing.T) {
	p := recovery.Policy{
		MaxAttempts:    2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     1 * time.Millisecond,
		AttemptTimeout: 5 * time.Millisecond,
	}

	calls := 0
	_, attempts, err := recovery.Do(context.Background(), clockwork.NewRealClock(), p, func(ctx context.Context) (struct{}, error) {
		calls++
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if apperrors.Classify(err) != apperrors.ClassTimeout {
		t.Fatalf("expected timeout class, got %v", apperrors.Classify(err))
	}
	if calls != 2 {
		t.Fatalf("expected both attempts to run, got %d calls", calls)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts reported, got %d", attempts)
	}
}

func TestPolicyFor_UnknownClassDefaultsToSystem(t *testing.T) {
	got := recovery.PolicyFor(recovery.OperationClass("bogus"))
	want := recovery.PolicyFor(recovery.OpSystem)
	if got.MaxAttempts != want.MaxAttempts || got.InitialBackoff != want.InitialBackoff {
		t.Fatalf("expected system policy for unknown class, got %+v", got)
	}
}
