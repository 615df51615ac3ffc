package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether and when a dropped or failed connection is redialled.
type Policy struct {
	Retry      bool
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	// MaxRetries bounds consecutive failed attempts. 0 means unbounded.
	MaxRetries uint64
}

// NoRetry gives up after the first failure.
func NoRetry() Policy { return Policy{} }

// Fixed retries forever with a constant delay.
func Fixed(d time.Duration) Policy {
	return Policy{Retry: true, BaseDelay: d, MaxDelay: d, Multiplier: 1}
}

// Exponential doubles the delay from base up to max, with 20% jitter.
func Exponential(base, max time.Duration) Policy {
	return Policy{Retry: true, BaseDelay: base, MaxDelay: max, Multiplier: 2, Jitter: 0.2}
}

func (p Policy) NewBackOff() backoff.BackOff {
	if !p.Retry {
		return &backoff.StopBackOff{}
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	var b backoff.BackOff
	if p.Multiplier <= 1 {
		b = backoff.NewConstantBackOff(base)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = base
		eb.MaxInterval = p.MaxDelay
		if eb.MaxInterval < base {
			eb.MaxInterval = base
		}
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = p.Jitter
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

func (p Policy) String() string {
	switch {
	case !p.Retry:
		return "no-retry"
	case p.Multiplier <= 1:
		return "fixed(" + p.BaseDelay.String() + ")"
	default:
		return "exponential(" + p.BaseDelay.String() + "," + p.MaxDelay.String() + ")"
	}
}
