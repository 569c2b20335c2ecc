package errors

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	mathRand "math/rand"
	"sync"
	"time"
)

// Retry configuration constants
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
	defaultMultiplier   = 2.0

	// Jitter spreads each delay by up to 25% either way
	jitterPercentage = 0.25
	jitterMultiplier = 2
	jitterOffset     = 0.5
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Jitter        bool
	RetryableFunc func(error) bool
}

// DefaultRetryConfig returns the retry configuration used for FriendFeed calls
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   defaultMaxAttempts,
		InitialDelay:  defaultInitialDelay,
		MaxDelay:      defaultMaxDelay,
		Multiplier:    defaultMultiplier,
		Jitter:        true,
		RetryableFunc: IsRetryable,
	}
}

// FriendFeedRetryConfig returns a retry configuration with the given attempt
// budget and base delay
func FriendFeedRetryConfig(maxAttempts int, baseDelay time.Duration) *RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		cfg.InitialDelay = baseDelay
	}
	return cfg
}

// IsRetryable reports whether err is worth another attempt. Only structured
// errors flagged retryable and transport timeouts qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if serviceErr, ok := AsServiceError(err); ok {
		return serviceErr.IsRetryable()
	}
	return isTimeout(err) && !errors.Is(err, context.Canceled)
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func(ctx context.Context, attempt int) error

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config *RetryConfig
	logger *slog.Logger
	mu     sync.Mutex
	rand   *mathRand.Rand
}

// generateSecureSeed generates a cryptographically secure seed for math/rand
func generateSecureSeed() int64 {
	var seed int64
	if err := binary.Read(rand.Reader, binary.BigEndian, &seed); err != nil {
		return time.Now().UnixNano()
	}
	return seed
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config *RetryConfig, logger *slog.Logger) *Retryer {
	if config == nil {
		config = DefaultRetryConfig()
	}

	return &Retryer{
		config: config,
		logger: logger,
		rand:   mathRand.New(mathRand.NewSource(generateSecureSeed())), //nolint:gosec // jitter only
	}
}

// Execute runs the operation with retry logic. The last error is returned
// unchanged so callers can still inspect its code.
func (r *Retryer) Execute(ctx context.Context, operation RetryableOperation) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewError(ErrCodeTimeout).
				WithMessage("Operation canceled").
				WithCause(err).
				Build()
		}

		err := operation(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"total_attempts", r.config.MaxAttempts)
			}
			return nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			r.logger.Debug("Error is not retryable, stopping retry attempts",
				"error", err,
				"attempt", attempt)
			return lastErr
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)

		r.logger.Warn("Operation failed, retrying",
			"error", err,
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay_ms", delay.Milliseconds())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewError(ErrCodeTimeout).
				WithMessage("Operation canceled during retry delay").
				WithCause(ctx.Err()).
				Build()
		case <-timer.C:
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr,
		"total_attempts", r.config.MaxAttempts)

	return lastErr
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	// delay = initial_delay * (multiplier ^ (attempt - 1))
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		r.mu.Lock()
		jitter := (r.rand.Float64() - jitterOffset) * jitterMultiplier * delay * jitterPercentage
		r.mu.Unlock()
		delay += jitter
	}

	if delay < 0 {
		delay = float64(r.config.InitialDelay)
	}

	return time.Duration(delay)
}

// isRetryable determines if an error should be retried
func (r *Retryer) isRetryable(err error) bool {
	if r.config.RetryableFunc != nil {
		return r.config.RetryableFunc(err)
	}
	return IsRetryable(err)
}
