package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryConfig controls how session creation is retried
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// SetDefaults fills unset fields: 3 attempts, 5s apart, doubling up to 30s
func (rc *RetryConfig) SetDefaults() {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 3
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = 5 * time.Second
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = 30 * time.Second
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = 2.0
	}
}

// InitError is returned once every attempt to create a session has failed
type InitError struct {
	Attempts int
	Last     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("session initialization failed after %d attempts", e.Attempts)
}

func (e *InitError) Unwrap() error {
	return e.Last
}

// RetryStrategy handles exponential backoff between session creation attempts
type RetryStrategy struct {
	config RetryConfig
	clock  clock.Clock
}

// NewRetryStrategy creates a new retry strategy
func NewRetryStrategy(config RetryConfig, clk clock.Clock) *RetryStrategy {
	config.SetDefaults()
	return &RetryStrategy{
		config: config,
		clock:  clk,
	}
}

// CalculateDelay calculates the delay after a given failed attempt
// Formula: delay = min(initial_delay * (multiplier ^ (attempt-1)), max_delay)
func (rs *RetryStrategy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(rs.config.InitialDelay) * math.Pow(rs.config.Multiplier, float64(attempt-1))
	if delay > float64(rs.config.MaxDelay) {
		delay = float64(rs.config.MaxDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts returns the maximum number of attempts
func (rs *RetryStrategy) MaxAttempts() int {
	return rs.config.MaxAttempts
}

// NewSession runs the factory until it succeeds or the attempts run out
func (rs *RetryStrategy) NewSession(ctx context.Context, factory Factory) (Session, error) {
	var lastErr error
	for attempt := 1; attempt <= rs.config.MaxAttempts; attempt++ {
		session, err := factory.NewSession(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err

		if attempt == rs.config.MaxAttempts {
			break
		}

		delay := rs.CalculateDelay(attempt)
		slog.Warn("Session creation failed, retrying",
			"attempt", attempt,
			"max_attempts", rs.config.MaxAttempts,
			"next_retry_ms", delay.Milliseconds(),
			"error", err,
		)

		select {
		case <-rs.clock.After(delay):
		case <-ctx.Done():
			return nil, &InitError{Attempts: attempt, Last: ctx.Err()}
		}
	}

	slog.Error("Session creation failed after all retries",
		"attempts", rs.config.MaxAttempts,
		"error", lastErr,
	)
	return nil, &InitError{Attempts: rs.config.MaxAttempts, Last: lastErr}
}
