package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{
		Window:       60 * time.Second,
		WindowSize:   20,
		FailureRatio: 0.5,
		MinSample:    5,
		Cooldown:     30 * time.Second,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerStaysClosedBelowMinSample(t *testing.T) {
	cb, _ := testBreaker()
	for i := 0; i < 4; i++ {
		cb.Record(false)
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerTripsOverFailureRatio(t *testing.T) {
	cb, _ := testBreaker()
	cb.Record(true)
	cb.Record(true)
	for i := 0; i < 4; i++ {
		cb.Record(false)
	}
	// 4 failures out of 6 > 0.5 with min sample met.
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerAdmitsSingleProbeAfterCooldown(t *testing.T) {
	cb, now := testBreaker()
	for i := 0; i < 6; i++ {
		cb.Record(false)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow(), "first call after cooldown is the probe")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe is admitted")
}

func TestBreakerClosesOnSuccessfulProbe(t *testing.T) {
	cb, now := testBreaker()
	for i := 0; i < 6; i++ {
		cb.Record(false)
	}
	*now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow())

	cb.Record(true)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb, now := testBreaker()
	for i := 0; i < 6; i++ {
		cb.Record(false)
	}
	*now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow())

	cb.Record(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	// A fresh cooldown applies before the next probe.
	*now = now.Add(29 * time.Second)
	assert.False(t, cb.Allow())
	*now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
}

func TestBreakerWindowExpiresOldOutcomes(t *testing.T) {
	cb, now := testBreaker()
	for i := 0; i < 4; i++ {
		cb.Record(false)
	}
	// The old failures age out of the 60s window.
	*now = now.Add(61 * time.Second)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, CircuitClosed, cb.State(), "expired outcomes must not count toward the trip")
}

func TestBreakerSetIsolatesModels(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{
		Window:       time.Minute,
		WindowSize:   20,
		FailureRatio: 0.5,
		MinSample:    2,
		Cooldown:     time.Minute,
	})
	bad := set.Get("bad-model")
	for i := 0; i < 5; i++ {
		bad.Record(false)
	}
	assert.Equal(t, CircuitOpen, set.Get("bad-model").State())
	assert.Equal(t, CircuitClosed, set.Get("good-model").State())

	states := set.States()
	assert.Equal(t, CircuitOpen, states["bad-model"])
}
