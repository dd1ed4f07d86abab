package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardline/failover/internal/core/fault"
	"github.com/wardline/failover/internal/metrics"
)

// Executor runs operations under per-kind retry and timeout policies.
type Executor struct {
	policies map[OpKind]Policy
	timeouts map[OpKind]TimeoutPolicy
}

// NewExecutor builds an executor with the default policy tables.
func NewExecutor() *Executor {
	policies := make(map[OpKind]Policy, len(DefaultPolicies))
	for k, v := range DefaultPolicies {
		policies[k] = v
	}
	timeouts := make(map[OpKind]TimeoutPolicy, len(DefaultTimeouts))
	for k, v := range DefaultTimeouts {
		timeouts[k] = v
	}
	return &Executor{policies: policies, timeouts: timeouts}
}

// SetPolicy overrides the retry policy for one kind.
func (e *Executor) SetPolicy(kind OpKind, p Policy) {
	e.policies[kind] = p
}

// SetTimeout overrides the timeout policy for one kind.
func (e *Executor) SetTimeout(kind OpKind, tp TimeoutPolicy) {
	e.timeouts[kind] = tp
}

// Policy returns the retry policy for a kind.
func (e *Executor) Policy(kind OpKind) Policy {
	return e.policies[kind]
}

// Do runs fn under the policies for kind, retrying transient failures
// with capped exponential backoff. Each attempt races its timeout;
// results arriving after the deadline are discarded. Failures surface
// as classified errors stamped with op and serverID.
func Do[T any](
	ctx context.Context,
	e *Executor,
	kind OpKind,
	op string,
	serverID string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	policy := e.policies[kind]
	timeout := e.timeouts[kind]
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	if timeout.Timeout > 0 && !timeout.PerAttempt {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout.Timeout)
		defer cancel()
	}

	var lastErr *fault.Error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := runAttempt(ctx, timeout, fn)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, fault.From(ctx.Err(), op, serverID)
		}

		lastErr = fault.From(err, op, serverID)
		if !lastErr.Retryable || !policy.allows(lastErr.Kind) || attempt == policy.MaxAttempts {
			return zero, lastErr
		}

		delay := policy.Delay(attempt)
		metrics.RetriesTotal.WithLabelValues(op).Inc()
		slog.Debug("Retrying operation",
			"op", op, "server", serverID, "attempt", attempt, "kind", lastErr.Kind, "delay", delay)
		select {
		case <-ctx.Done():
			return zero, fault.From(ctx.Err(), op, serverID)
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// Run is the value-free form of Do.
func (e *Executor) Run(ctx context.Context, kind OpKind, op, serverID string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, kind, op, serverID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// runAttempt executes one attempt, racing fn against the per-attempt
// deadline. The result channel is buffered so a late fn return is
// dropped instead of leaking the goroutine.
func runAttempt[T any](ctx context.Context, tp TimeoutPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx := ctx
	if tp.PerAttempt && tp.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, tp.Timeout)
		defer cancel()
	}

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}
