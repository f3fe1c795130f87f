package delivery

import (
	"fmt"
	"time"
)

// Backoff returns how long an Errored event waits after its last attempt
// before the next one. The delay never decreases as attempts grow.
type Backoff interface {
	Delay(attempts int) time.Duration
}

// Exponential waits base * 2^(attempts-1), capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (b Exponential) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Linear waits base * attempts, capped at Max.
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

func (b Linear) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := b.Base * time.Duration(attempts)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// NewBackoff builds the policy named by policy ("exponential" or "linear").
func NewBackoff(policy string, base, max time.Duration) (Backoff, error) {
	switch policy {
	case "", "exponential":
		return Exponential{Base: base, Max: max}, nil
	case "linear":
		return Linear{Base: base, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", policy)
	}
}
