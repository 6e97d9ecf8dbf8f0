package submission

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CircuitState is the collector breaker position; the values are exported
// as the collector_circuit_state gauge
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a CircuitBreaker
type BreakerConfig struct {
	OpenAfter  int           // consecutive failures that open the breaker
	CloseAfter int           // trial deliveries that must succeed to close it
	Cooldown   time.Duration // time open before the first trial
}

// DefaultBreakerConfig opens after 5 failures, waits a minute and closes after
// 2 good trials
var DefaultBreakerConfig = BreakerConfig{OpenAfter: 5, CloseAfter: 2, Cooldown: time.Minute}

// CircuitBreaker stops hammering a collector that keeps failing. While open,
// deliveries fail fast and land in the retry list like any other failure.
// Half-open admits one trial delivery at a time; the others fail fast until
// its outcome is recorded.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	clock clock.Clock

	state    CircuitState
	failures int
	passed   int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(cfg BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if cfg.OpenAfter <= 0 {
		cfg.OpenAfter = DefaultBreakerConfig.OpenAfter
	}
	if cfg.CloseAfter <= 0 {
		cfg.CloseAfter = DefaultBreakerConfig.CloseAfter
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &CircuitBreaker{cfg: cfg, clock: clk}
}

// Allow reports whether a delivery may go out now. A true result in the
// half-open state claims the trial slot, which Success or Failure releases.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Since(cb.openedAt) < cb.cfg.Cooldown {
			return false
		}
		cb.state = StateHalfOpen
		cb.passed = 0
	}

	if cb.trial {
		return false
	}
	cb.trial = true
	return true
}

// Success records a delivered payload
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.trial = false
	cb.passed++
	if cb.passed >= cb.cfg.CloseAfter {
		cb.state = StateClosed
		cb.passed = 0
	}
}

// Failure records a failed delivery. Any failed trial reopens the breaker.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.OpenAfter {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.clock.Now()
	cb.trial = false
	cb.passed = 0
}

// State returns the current position
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
