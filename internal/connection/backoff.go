package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryBackoff yields exponential delays with jitter. Delays never shrink
// within one cycle and never drop below the base wait, so jitter cannot
// make a later retry fire sooner than an earlier one.
type retryBackoff struct {
	exp  *backoff.ExponentialBackOff
	base time.Duration
	max  time.Duration
	prev time.Duration
}

func newRetryBackoff(cfg ManagerConfig) *retryBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectBaseWait
	exp.RandomizationFactor = cfg.ReconnectJitter
	exp.Multiplier = 2
	exp.MaxInterval = cfg.ReconnectMaxWait
	exp.Reset()

	return &retryBackoff{
		exp:  exp,
		base: cfg.ReconnectBaseWait,
		max:  cfg.ReconnectMaxWait,
	}
}

// Next returns the delay before the next attempt.
func (b *retryBackoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	if d < b.base {
		d = b.base
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}
