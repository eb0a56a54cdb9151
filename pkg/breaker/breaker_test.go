package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3})

	for range 2 {
		assert.True(t, r.Allow("a-1", "echo"))
		r.RecordFailure("a-1", "echo")
	}
	assert.Equal(t, StateClosed, r.State("a-1", "echo"))

	r.RecordFailure("a-1", "echo")
	assert.Equal(t, StateOpen, r.State("a-1", "echo"))
	assert.False(t, r.Allow("a-1", "echo"))

	// A success elsewhere doesn't touch this circuit.
	assert.True(t, r.Allow("a-1", "read_file"))
	assert.True(t, r.Allow("a-2", "echo"))
}

func TestSuccessResetsStreak(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3})

	r.RecordFailure("a-1", "echo")
	r.RecordFailure("a-1", "echo")
	r.RecordSuccess("a-1", "echo")
	r.RecordFailure("a-1", "echo")
	r.RecordFailure("a-1", "echo")

	assert.Equal(t, StateClosed, r.State("a-1", "echo"))
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Now()
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})
	r.now = func() time.Time { return now }

	r.RecordFailure("a-1", "echo")
	assert.False(t, r.Allow("a-1", "echo"))

	// Cooldown elapses; exactly one probe is admitted.
	now = now.Add(31 * time.Second)
	assert.True(t, r.Allow("a-1", "echo"))
	assert.Equal(t, StateHalfOpen, r.State("a-1", "echo"))
	assert.False(t, r.Allow("a-1", "echo"), "only one probe in flight")

	// Probe succeeds: closed again.
	r.RecordSuccess("a-1", "echo")
	assert.Equal(t, StateClosed, r.State("a-1", "echo"))
	assert.True(t, r.Allow("a-1", "echo"))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})
	r.now = func() time.Time { return now }

	r.RecordFailure("a-1", "echo")
	now = now.Add(31 * time.Second)
	assert.True(t, r.Allow("a-1", "echo"))

	// Probe fails: straight back to open for a full cooldown.
	r.RecordFailure("a-1", "echo")
	assert.Equal(t, StateOpen, r.State("a-1", "echo"))
	assert.False(t, r.Allow("a-1", "echo"))

	now = now.Add(31 * time.Second)
	assert.True(t, r.Allow("a-1", "echo"))
}

func TestDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, DefaultCooldown, cfg.Cooldown)
}
