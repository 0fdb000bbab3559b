// Package recovery implements the retry executor and the layered recovery
// pipeline that wraps critical operations: bounded retries with jittered
// backoff, session fallback, offline cache and graceful degradation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/openparish/parishd/internal/errors"
	"github.com/openparish/parishd/internal/metrics"
)

// ErrCancelled marks an operation aborted through its cancellation handle or
// the caller's context. It is never retried and skips the recovery pipeline.
var ErrCancelled = errors.New("operation cancelled")

// OperationClass selects the retry policy for an operation.
type OperationClass string

const (
	OpAuth     OperationClass = "auth"
	OpDatabase OperationClass = "database"
	OpNetwork  OperationClass = "network"
	OpUI       OperationClass = "ui"
	OpSystem   OperationClass = "system"
)

// Policy bounds a retry loop: attempt count, per-attempt timeout and the
// backoff window between attempts.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BackoffMultiplier scales the backoff between attempts. Values below 1
	// fall back to doubling.
	BackoffMultiplier float64
	AttemptTimeout    time.Duration
	// RetryableClasses limits which error classes are retried. Empty means
	// every transient class.
	RetryableClasses []apperrors.Class
	OnRetry          func(attempt int, err error, backoff time.Duration)
}

// retryable reports whether a failure of the given class should be retried
// under this policy.
func (p Policy) retryable(class apperrors.Class) bool {
	if len(p.RetryableClasses) == 0 {
		return class.Transient()
	}
	for _, c := range p.RetryableClasses {
		if c == class {
			return true
		}
	}
	return false
}

var policies = map[OperationClass]Policy{
	OpAuth:     {MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2, AttemptTimeout: 10 * time.Second},
	OpDatabase: {MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2, AttemptTimeout: 5 * time.Second},
	OpNetwork:  {MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffMultiplier: 2, AttemptTimeout: 10 * time.Second},
	OpUI:       {MaxAttempts: 2, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2, AttemptTimeout: 3 * time.Second},
	OpSystem:   {MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 15 * time.Second, BackoffMultiplier: 2, AttemptTimeout: 10 * time.Second},
}

// PolicyFor returns the retry policy for the class, defaulting to system.
func PolicyFor(class OperationClass) Policy {
	if p, ok := policies[class]; ok {
		return p
	}
	return policies[OpSystem]
}

// Operation is a retryable unit of work. The context carries the per-attempt
// timeout.
type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op up to p.MaxAttempts times. Only error classes the policy marks
// retryable are retried; by default that is the transient classes, so
// authentication, corruption and unknown failures surface immediately. It
// returns the number of attempts consumed alongside the result. Cancellation
// is reported as ErrCancelled.
func Do[T any](ctx context.Context, clock clockwork.Clock, p Policy, op Operation[T]) (T, int, error) {
	var zero T
	backoff := p.InitialBackoff
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, attempt - 1, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		val, err := op(attemptCtx)
		cancel()

		if err == nil {
			return val, attempt, nil
		}
		if ctx.Err() != nil {
			return zero, attempt, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		if !p.retryable(apperrors.Classify(err)) {
			return zero, attempt, err
		}
		if attempt == p.MaxAttempts {
			return zero, attempt, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		delay := jittered(backoff)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		select {
		case <-clock.After(delay):
			backoff = time.Duration(float64(backoff) * mult)
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		case <-ctx.Done():
			return zero, attempt, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

// DoClass is Do with the policy looked up by operation class, recording the
// attempt metric.
func DoClass[T any](ctx context.Context, clock clockwork.Clock, class OperationClass, op Operation[T]) (T, int, error) {
	p := PolicyFor(class)
	wrapped := func(c context.Context) (T, error) {
		metrics.RetryAttemptsTotal.WithLabelValues(string(class)).Inc()
		return op(c)
	}
	return Do(ctx, clock, p, wrapped)
}

// jittered spreads concurrent retriers apart by up to 25% of the delay.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
