package delivery

import (
	"sync"
	"time"
)

const (
	minResendPeriod = 10 * time.Millisecond
	maxResendPeriod = 100 * time.Millisecond
	resendFactor    = 1

	minExpiryPeriod = 100 * time.Millisecond
	maxExpiryPeriod = 1 * time.Second
	expiryFactor    = 10

	// HeartbeatPeriod is the Endpoint/Heartbeat tick rate, fixed at 10Hz.
	HeartbeatPeriod = 100 * time.Millisecond

	defaultRTT = 50 * time.Millisecond
)

// RTTCalculator tracks a smoothed round-trip-time mean and variance from
// ping/pong samples, using the same EWMA weighting TCP's RTO estimator
// uses (RFC 6298: alpha=1/8, beta=1/4).
type RTTCalculator struct {
	mu          sync.Mutex
	mean        time.Duration
	variance    time.Duration
	initialized bool
}

// NewRTTCalculator creates a calculator seeded with a conservative default
// mean, used until the first real sample arrives.
func NewRTTCalculator() *RTTCalculator {
	return &RTTCalculator{mean: defaultRTT, variance: defaultRTT / 2}
}

// Submit records one new RTT sample.
func (c *RTTCalculator) Submit(sample time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.mean = sample
		c.variance = sample / 2
		c.initialized = true
		return
	}

	diff := sample - c.mean
	c.mean += diff / 8
	if diff < 0 {
		diff = -diff
	}
	c.variance += (diff - c.variance) / 4
}

// Mean returns the current smoothed RTT.
func (c *RTTCalculator) Mean() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mean
}

// Variance returns the current smoothed RTT mean-deviation.
func (c *RTTCalculator) Variance() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variance
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// ResendPeriod derives the reliable-dispatcher resend timer period from
// the current RTT mean.
func ResendPeriod(rttMean time.Duration) time.Duration {
	return Clamp(rttMean*resendFactor, minResendPeriod, maxResendPeriod)
}

// ExpiryPeriod derives the non-reliable receiver expiry timeout from the
// current RTT mean.
func ExpiryPeriod(rttMean time.Duration) time.Duration {
	return Clamp(rttMean*expiryFactor, minExpiryPeriod, maxExpiryPeriod)
}
