package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardline/failover/internal/core/fault"
)

func testExecutor() *Executor {
	e := NewExecutor()
	e.SetPolicy(OpConnectivity, Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffMultiple: 2.0,
	})
	e.SetTimeout(OpConnectivity, TimeoutPolicy{Timeout: 50 * time.Millisecond, PerAttempt: true})
	return e
}

func TestDelayFormula(t *testing.T) {
	p := Policy{
		MaxAttempts:     5,
		InitialDelay:    2 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffMultiple: 2.0,
	}

	tests := []struct {
		attempt int
		expect  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.expect {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expect)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		BackoffMultiple: 2.0,
		Jitter:          true,
	}

	base := 4 * time.Second
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)
	for i := 0; i < 200; i++ {
		d := p.Delay(3)
		if d < lo || d > hi {
			t.Fatalf("Delay(3) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	e := testExecutor()
	var calls int32

	got, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return "", errors.New("connection refused")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("Do = %q, want %q", got, "ok")
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
}

func TestDoStopsOnTerminalKind(t *testing.T) {
	e := testExecutor()
	var calls int32

	_, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", fault.New(fault.KindAuth, "probe", "ward-a", "token rejected")
		})
	if err == nil {
		t.Fatal("Do should fail")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1 for a terminal kind", calls)
	}

	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindAuth {
		t.Errorf("err = %v, want auth fault", err)
	}
}

func TestDoHonorsPolicyKindFilter(t *testing.T) {
	e := testExecutor()
	e.SetPolicy(OpConnectivity, Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffMultiple: 2.0,
		RetryableKinds:  []fault.Kind{fault.KindNetwork},
	})
	var calls int32

	_, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", fault.New(fault.KindServer, "probe", "ward-a", "500")
		})
	if err == nil {
		t.Fatal("Do should fail")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1 when the kind is filtered out", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	e := testExecutor()
	var calls int32

	_, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", errors.New("connection refused")
		})
	if err == nil {
		t.Fatal("Do should fail")
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}

	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want classified fault", err)
	}
	if fe.Kind != fault.KindNetwork {
		t.Errorf("kind = %v, want network", fe.Kind)
	}
	if fe.Op != "probe" || fe.ServerID != "ward-a" {
		t.Errorf("fault not stamped: op=%q server=%q", fe.Op, fe.ServerID)
	}
}

func TestDoTimesOutSlowAttempt(t *testing.T) {
	e := testExecutor()
	e.SetTimeout(OpConnectivity, TimeoutPolicy{Timeout: 10 * time.Millisecond, PerAttempt: true})
	var calls int32

	got, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				select {
				case <-time.After(200 * time.Millisecond):
					return "late", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("Do = %q, want the second attempt's result, not the late one", got)
	}
	if calls != 2 {
		t.Errorf("fn ran %d times, want 2", calls)
	}
}

func TestDoDiscardsLateResult(t *testing.T) {
	e := testExecutor()
	e.SetPolicy(OpConnectivity, Policy{MaxAttempts: 1})
	e.SetTimeout(OpConnectivity, TimeoutPolicy{Timeout: 10 * time.Millisecond, PerAttempt: true})

	released := make(chan struct{})
	_, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			defer close(released)
			time.Sleep(40 * time.Millisecond)
			return "late", nil
		})
	if err == nil {
		t.Fatal("Do should time out")
	}

	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindTimeout {
		t.Errorf("err = %v, want timeout fault", err)
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("attempt goroutine never finished")
	}
}

func TestDoReturnsOnCancel(t *testing.T) {
	e := testExecutor()
	e.SetPolicy(OpConnectivity, Policy{
		MaxAttempts:     10,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        time.Second,
		BackoffMultiple: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			return "", errors.New("connection refused")
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("Do took %v to notice cancellation", elapsed)
	}

	// Cancellation surfaces classified and stamped like any other failure.
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want classified fault", err)
	}
	if fe.Kind != fault.KindTimeout {
		t.Errorf("kind = %v, want timeout", fe.Kind)
	}
	if fe.Op != "probe" || fe.ServerID != "ward-a" {
		t.Errorf("fault not stamped: op=%q server=%q", fe.Op, fe.ServerID)
	}
}

func TestDoSharedBudget(t *testing.T) {
	e := testExecutor()
	e.SetPolicy(OpConnectivity, Policy{
		MaxAttempts:     20,
		InitialDelay:    5 * time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffMultiple: 1.0,
	})
	e.SetTimeout(OpConnectivity, TimeoutPolicy{Timeout: 30 * time.Millisecond, PerAttempt: false})

	var calls int32
	_, err := Do(context.Background(), e, OpConnectivity, "probe", "ward-a",
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", errors.New("connection refused")
		})
	if err == nil {
		t.Fatal("Do should fail once the shared budget runs out")
	}
	if n := atomic.LoadInt32(&calls); n >= 20 {
		t.Errorf("fn ran %d times, want fewer than the attempt ceiling", n)
	}
}

func TestRun(t *testing.T) {
	e := testExecutor()
	var calls int32

	err := e.Run(context.Background(), OpConnectivity, "sweep", "",
		func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 2 {
				return errors.New("timeout")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn ran %d times, want 2", calls)
	}
}
