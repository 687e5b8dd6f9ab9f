package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// StatusError is returned when a remote server answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d (%s)", e.StatusCode, e.Status)
}

// RetryStrategy defines exponential backoff retry logic for a single transfer
type RetryStrategy struct {
	MaxAttempts int           // Default: 3
	BaseBackoff time.Duration // Default: 1 second
	MaxBackoff  time.Duration // Default: 8 seconds
	Jitter      bool          // Enable jitter (default: true)
}

// NewRetryStrategy creates a new RetryStrategy with defaults
func NewRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  8 * time.Second,
		Jitter:      true,
	}
}

// CalculateBackoff returns the wait before the given attempt number: 1s, 2s, 4s, 8s...
func (s *RetryStrategy) CalculateBackoff(attemptNumber int) time.Duration {
	if attemptNumber <= 1 {
		return s.BaseBackoff
	}

	backoff := time.Duration(math.Pow(2, float64(attemptNumber-1))) * s.BaseBackoff
	if backoff > s.MaxBackoff || backoff <= 0 {
		backoff = s.MaxBackoff
	}

	if s.Jitter {
		// +/-10% of backoff
		jitterRange := backoff / 10
		if jitterRange > 0 {
			backoff += time.Duration(rand.Int63n(int64(jitterRange)*2)) - jitterRange
			if backoff < s.BaseBackoff {
				backoff = s.BaseBackoff
			}
		}
	}

	return backoff
}

// IsRetryableStatusCode determines if an HTTP status warrants retry
func (s *RetryStrategy) IsRetryableStatusCode(statusCode int) bool {
	// 4xx is permanent except 429
	if statusCode >= 400 && statusCode < 500 {
		return statusCode == 429
	}
	return statusCode >= 500 && statusCode < 600
}

// IsTemporaryError reports whether err is a transient network condition
func (s *RetryStrategy) IsTemporaryError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return s.IsRetryableStatusCode(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Do runs fn until it succeeds, fails permanently, or MaxAttempts is reached.
// Waiting between attempts honors ctx.
func (s *RetryStrategy) Do(ctx context.Context, logger *zap.Logger, fn func(ctx context.Context) error) error {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !s.IsTemporaryError(lastErr) || attempt == maxAttempts {
			break
		}

		backoff := s.CalculateBackoff(attempt)
		logger.Info("Retrying transfer",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
