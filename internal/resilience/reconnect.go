package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrReconnectExhausted is returned once every reconnect attempt has failed
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Delay before the first attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration

	// OnAttempt is called before each attempt sleeps. attempt is 1-based.
	OnAttempt func(attempt int, delay time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Delay returns the wait before the given 0-based attempt
func (c *ReconnectConfig) Delay(attempt int) time.Duration {
	return CalculateBackoff(attempt, c.Backoff, c.MaxBackoff, c.Multiplier)
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func(ctx context.Context) error

// Reconnect waits, then calls fn, backing off exponentially between attempts.
// Each call starts counting from zero, so a caller that invokes Reconnect
// again after a successful connection gets a fresh budget.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		delay := config.Delay(attempt)
		if config.OnAttempt != nil {
			config.OnAttempt(attempt+1, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			log.Info().Int("attempt", attempt+1).Msg("Reconnection successful")
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Msg("Reconnection attempt failed")
	}

	if lastErr == nil {
		return ErrReconnectExhausted
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, config.MaxAttempts, lastErr)
}

// SleepContext waits for d or until ctx is cancelled
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
