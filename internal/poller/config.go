package poller

import (
	"time"

	"github.com/tonimelisma/receipts-go/internal/job"
)

// Default polling policy.
const (
	DefaultPendingInterval     = 2 * time.Second
	DefaultProcessingInterval  = 3 * time.Second
	DefaultSlowInterval        = 5 * time.Second
	DefaultSlowerInterval      = 10 * time.Second
	DefaultMaxInterval         = 15 * time.Second
	DefaultSlowAfterAttempts   = 10
	DefaultSlowerAfterAttempts = 20
	DefaultMaxAttempts         = 60
	DefaultSafetyTimeout       = 10 * time.Minute
)

// Config is the polling policy. Intervals are tiers, not exponential: the
// state picks a base interval and the attempt count can only raise it. Zero
// fields take the package defaults.
type Config struct {
	PendingInterval    time.Duration
	ProcessingInterval time.Duration
	SlowInterval       time.Duration
	SlowerInterval     time.Duration
	MaxInterval        time.Duration

	SlowAfterAttempts   int
	SlowerAfterAttempts int

	MaxAttempts   int
	SafetyTimeout time.Duration
}

// DefaultConfig returns the default polling policy.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}

	setInt := func(n *int, def int) {
		if *n <= 0 {
			*n = def
		}
	}

	setDur(&c.PendingInterval, DefaultPendingInterval)
	setDur(&c.ProcessingInterval, DefaultProcessingInterval)
	setDur(&c.SlowInterval, DefaultSlowInterval)
	setDur(&c.SlowerInterval, DefaultSlowerInterval)
	setDur(&c.MaxInterval, DefaultMaxInterval)
	setDur(&c.SafetyTimeout, DefaultSafetyTimeout)
	setInt(&c.SlowAfterAttempts, DefaultSlowAfterAttempts)
	setInt(&c.SlowerAfterAttempts, DefaultSlowerAfterAttempts)
	setInt(&c.MaxAttempts, DefaultMaxAttempts)

	return c
}

// Interval returns the tier for a job in state after attempts queries,
// capped at MaxInterval.
func (c Config) Interval(state job.State, attempts int) time.Duration {
	d := c.PendingInterval
	if state == job.StateProcessing {
		d = c.ProcessingInterval
	}

	switch {
	case attempts >= c.SlowerAfterAttempts:
		d = max(d, c.SlowerInterval)
	case attempts >= c.SlowAfterAttempts:
		d = max(d, c.SlowInterval)
	}

	return min(d, c.MaxInterval)
}
