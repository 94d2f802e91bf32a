package executor

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
)

// transientMarkers classify an error as retryable when its lowercased
// message contains any of them.
var transientMarkers = []string{"timeout", "connection", "rate limit", "429", "503"}

// RetryConfig holds configuration for block retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts int
	// InitialBackoff is the sleep before the first retry; subsequent
	// retries double it.
	InitialBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
	}
}

// RetryStrategy retries transient block failures with exponential backoff.
type RetryStrategy struct {
	config RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryStrategy creates a retry strategy.
func NewRetryStrategy(config RetryConfig, logger *slog.Logger) *RetryStrategy {
	return &RetryStrategy{
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Attempt is one execution try; attempt numbering starts at 0.
type Attempt func(ctx context.Context, attempt int) (map[string]any, error)

// Execute runs an operation with transient-failure retry. A non-transient
// error or exhausted attempts return the last error together with the
// attempt index it occurred on.
func (r *RetryStrategy) Execute(ctx context.Context, operation Attempt) (map[string]any, int, error) {
	var lastErr error
	attempt := 0

	for ; attempt < r.config.MaxAttempts; attempt++ {
		output, err := operation(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("block succeeded after retry", "attempt", attempt)
			}
			return output, attempt, nil
		}

		lastErr = err

		if !IsTransient(err) || attempt == r.config.MaxAttempts-1 {
			return nil, attempt, err
		}

		backoff := r.backoff(attempt)
		r.logger.Info("transient block failure, retrying",
			"attempt", attempt+1,
			"max_attempts", r.config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		if err := r.sleep(ctx, backoff); err != nil {
			return nil, attempt, lastErr
		}
	}

	return nil, attempt - 1, lastErr
}

// backoff returns initialBackoff * 2^attempt.
func (r *RetryStrategy) backoff(attempt int) time.Duration {
	return time.Duration(float64(r.config.InitialBackoff) * math.Pow(2, float64(attempt)))
}

// IsTransient reports whether an error message matches the transient set.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
