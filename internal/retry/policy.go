package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/wardline/failover/internal/core/fault"
)

// OpKind selects the policy pair for an operation.
type OpKind string

const (
	OpSwitch       OpKind = "switch"
	OpConnectivity OpKind = "connectivity"
	OpAuth         OpKind = "auth"
	OpCache        OpKind = "cache"
)

// Policy bounds the retry loop for one operation kind.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	Jitter          bool
	// RetryableKinds restricts which failure kinds retry. Empty means
	// any kind the classifier marks retryable.
	RetryableKinds []fault.Kind
}

// TimeoutPolicy bounds how long an operation may run.
type TimeoutPolicy struct {
	Timeout time.Duration
	// PerAttempt grants each attempt the full budget; otherwise the
	// whole sequence shares it.
	PerAttempt bool
}

// Delay computes the wait after the given failed attempt (1-based).
// The first retry waits the initial delay; each later one multiplies
// it, capped at the maximum, with optional ±25% jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiple, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

func (p Policy) allows(kind fault.Kind) bool {
	if len(p.RetryableKinds) == 0 {
		return true
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultPolicies provides the per-kind retry defaults.
var DefaultPolicies = map[OpKind]Policy{
	OpSwitch: {
		MaxAttempts:     3,
		InitialDelay:    2 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          true,
		RetryableKinds:  []fault.Kind{fault.KindNetwork, fault.KindTimeout, fault.KindServer},
	},
	OpConnectivity: {
		MaxAttempts:     2,
		InitialDelay:    1 * time.Second,
		MaxDelay:        10 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          true,
	},
	OpAuth: {
		MaxAttempts:     2,
		InitialDelay:    1 * time.Second,
		MaxDelay:        5 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          false,
	},
	OpCache: {
		MaxAttempts:     2,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          false,
	},
}

// DefaultTimeouts provides the per-kind timeout defaults.
var DefaultTimeouts = map[OpKind]TimeoutPolicy{
	OpSwitch:       {Timeout: 90 * time.Second, PerAttempt: true},
	OpConnectivity: {Timeout: 10 * time.Second, PerAttempt: true},
	OpAuth:         {Timeout: 15 * time.Second, PerAttempt: true},
	OpCache:        {Timeout: 5 * time.Second, PerAttempt: true},
}
