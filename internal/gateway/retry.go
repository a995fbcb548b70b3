package gateway

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for upstream completion calls.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first (0 = no retries).
	MaxRetries int
	// InitialDelay is the backoff base before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry.
	Multiplier float64
}

// DefaultRetryConfig returns the default policy: two retries with
// exponential backoff and full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// executeWithRetry runs fn up to 1+MaxRetries times. Only failures whose
// category is retryable are attempted again; the last error is returned
// otherwise. Backoff uses full jitter: a uniform draw from (0, delay].
func executeWithRetry(ctx context.Context, config RetryConfig, fn func() (*CompletionResult, error)) (*CompletionResult, int, error) {
	delay := config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, attempt, lastErr
			}
			return nil, attempt, err
		}

		res, err := fn()
		if err == nil {
			return res, attempt + 1, nil
		}
		lastErr = err

		if !Categorize(err).Retryable() || attempt == config.MaxRetries {
			return nil, attempt + 1, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, attempt + 1, lastErr
		case <-time.After(fullJitter(delay)):
		}
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return nil, config.MaxRetries + 1, lastErr
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1 // #nosec G404 - backoff jitter
}
