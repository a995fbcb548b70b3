package gateway

import (
	"sync"
	"time"
)

// CircuitState represents the state of a model's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig configures the rolling-window circuit breaker.
type BreakerConfig struct {
	Window       time.Duration // rolling window span
	WindowSize   int           // max outcomes tracked in the window
	FailureRatio float64       // trip threshold over the window
	MinSample    int           // minimum outcomes before a trip
	Cooldown     time.Duration // open duration before the half-open probe
}

// DefaultBreakerConfig returns the default trip policy: 20 requests / 60s
// window, 0.5 failure ratio, 5 minimum samples, 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:       60 * time.Second,
		WindowSize:   20,
		FailureRatio: 0.5,
		MinSample:    5,
		Cooldown:     30 * time.Second,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// CircuitBreaker tracks one model's rolling failure ratio. States move
// closed -> open -> half-open -> closed. Open shorts calls immediately;
// after the cooldown a single probe is admitted.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	state    CircuitState
	window   []outcome
	openedAt time.Time
	probing  bool

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.WindowSize <= 0 {
		config = DefaultBreakerConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown elapses, then admits exactly one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return true
}

// Record feeds one call outcome into the window and updates the state.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.window = append(cb.window, outcome{at: now, ok: success})
	cb.trim(now)

	switch cb.state {
	case CircuitHalfOpen:
		cb.probing = false
		if success {
			cb.state = CircuitClosed
			cb.window = nil
		} else {
			cb.state = CircuitOpen
			cb.openedAt = now
		}
	case CircuitClosed:
		if cb.shouldTrip() {
			cb.state = CircuitOpen
			cb.openedAt = now
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) trim(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	start := 0
	for start < len(cb.window) && cb.window[start].at.Before(cutoff) {
		start++
	}
	if over := len(cb.window) - start - cb.config.WindowSize; over > 0 {
		start += over
	}
	cb.window = cb.window[start:]
}

func (cb *CircuitBreaker) shouldTrip() bool {
	if len(cb.window) < cb.config.MinSample {
		return false
	}
	failures := 0
	for _, o := range cb.window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(cb.window)) > cb.config.FailureRatio
}

// BreakerSet holds one breaker per model identifier.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty per-model breaker registry.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a model, creating it on first use.
func (bs *BreakerSet) Get(model string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[model]
	if !ok {
		cb = NewCircuitBreaker(bs.config)
		bs.breakers[model] = cb
	}
	return cb
}

// States returns a snapshot of every tracked model's state.
func (bs *BreakerSet) States() map[string]CircuitState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]CircuitState, len(bs.breakers))
	for model, cb := range bs.breakers {
		out[model] = cb.State()
	}
	return out
}
