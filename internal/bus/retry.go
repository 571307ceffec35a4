package bus

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default retry pacing for DLQ redelivery.
const (
	DefaultRetryInitialDelay      = 5 * time.Second
	DefaultRetryMaxDelay          = 5 * time.Minute
	DefaultRetryBackoffMultiplier = 2.0
	DefaultRetryMaxRetries        = 3
)

// RetryPolicy decides when a failed message may be redelivered. Delays grow
// exponentially per retry and are capped at MaxDelay; jitter spreads
// simultaneous retries so a recovering broker is not hit by a thundering
// herd.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// rand returns a value in [0, 1). Overridable in tests.
	rand func() float64
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 5s initial
// delay doubling up to 5m, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultRetryMaxRetries,
		InitialDelay:      DefaultRetryInitialDelay,
		MaxDelay:          DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultRetryBackoffMultiplier,
		Jitter:            true,
	}
}

// Delay returns the wait before retry number retryCount (zero-based: the
// first retry waits InitialDelay). With jitter the result is scaled by a
// uniform factor in [0.5, 1.0].
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultRetryInitialDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultRetryMaxDelay
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = DefaultRetryBackoffMultiplier
	}

	delay := float64(initial) * math.Pow(multiplier, float64(retryCount))
	if delay > float64(max) {
		delay = float64(max)
	}

	if p.Jitter {
		delay *= 0.5 + 0.5*p.random()
	}
	return time.Duration(delay)
}

// Eligible reports whether a DLQ message is due for redelivery: not
// classified unrecoverable, under its retry budget, and past its backoff
// window since the last failure.
func (p RetryPolicy) Eligible(msg *DLQMessage, now time.Time) bool {
	if msg == nil {
		return false
	}
	switch msg.Classification {
	case ClassificationPoison, ClassificationPermanent:
		return false
	}

	maxRetries := p.MaxRetries
	if msg.Event != nil && msg.Event.MaxRetries > 0 {
		maxRetries = msg.Event.MaxRetries
	}
	if msg.RetryCount >= maxRetries {
		return false
	}

	return now.Sub(msg.LastFailedAt) >= p.Delay(msg.RetryCount)
}

func (p RetryPolicy) random() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}
