package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/receipts-go/internal/job"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{MaxAttempts: 7}.withDefaults()

	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, DefaultPendingInterval, cfg.PendingInterval)
	assert.Equal(t, DefaultSafetyTimeout, cfg.SafetyTimeout)
}

func TestConfig_Interval(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		state    job.State
		attempts int
		want     time.Duration
	}{
		{"pending early", job.StatePending, 1, DefaultPendingInterval},
		{"processing early", job.StateProcessing, 1, DefaultProcessingInterval},
		{"slow tier", job.StatePending, DefaultSlowAfterAttempts, DefaultSlowInterval},
		{"slower tier", job.StateProcessing, DefaultSlowerAfterAttempts, DefaultSlowerInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Interval(tt.state, tt.attempts))
		})
	}
}

func TestConfig_IntervalCapped(t *testing.T) {
	cfg := Config{SlowerInterval: time.Hour, MaxInterval: 20 * time.Second}.withDefaults()

	assert.Equal(t, 20*time.Second, cfg.Interval(job.StatePending, 100))
}
