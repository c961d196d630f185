package fins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryableError reports whether a failed operation may succeed when repeated.
// Timeouts and send failures are transient; refused commands, argument errors
// and a disconnected master are not.
func RetryableError(err error) bool {
	var timeout TimeoutError
	var conn ConnectionError
	if errors.As(err, &timeout) {
		return true
	}
	return errors.As(err, &conn) && conn.Op == "send" && !errors.Is(err, errNotConnected)
}

// RetryInterceptor creates an interceptor that repeats operations failing with
// a retryable error, up to maxRetries extra attempts with delay in between.
// Every attempt is a new request with its own SID. Context errors end the loop.
//
// Example:
//
//	// Retry up to 3 times with 100ms delay
//	master.SetInterceptor(fins.RetryInterceptor(3, 100*time.Millisecond, logger))
func RetryInterceptor(maxRetries int, delay time.Duration, logger *zap.Logger) Interceptor {
	return RetryInterceptorWithBackoff(maxRetries, delay, delay, logger)
}

// RetryInterceptorWithBackoff creates a retry interceptor with exponential backoff
// The delay is doubled after each retry, up to a maximum delay.
//
// Example:
//
//	// Retry with exponential backoff: 100ms, 200ms, 400ms, max 1s
//	master.SetInterceptor(fins.RetryInterceptorWithBackoff(3, 100*time.Millisecond, time.Second, logger))
func RetryInterceptorWithBackoff(maxRetries int, initialDelay, maxDelay time.Duration, logger *zap.Logger) Interceptor {
	return RetryInterceptorConditional(maxRetries, initialDelay, maxDelay, RetryableError, logger)
}

// RetryInterceptorConditional creates a retry interceptor that only retries
// errors accepted by shouldRetry.
//
// Example:
//
//	onlyTimeouts := func(err error) bool {
//		var t fins.TimeoutError
//		return errors.As(err, &t)
//	}
//	master.SetInterceptor(fins.RetryInterceptorConditional(3, 100*time.Millisecond, time.Second, onlyTimeouts, logger))
func RetryInterceptorConditional(maxRetries int, initialDelay, maxDelay time.Duration, shouldRetry func(error) bool, logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("retry")
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	return func(c *InterceptorCtx) (interface{}, error) {
		var result interface{}
		var err error
		delay := initialDelay
		ctx := c.Context()
		info := c.Info()

		for attempt := 0; attempt <= maxRetries; attempt++ {
			result, err = c.Invoke(ctx)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil || !shouldRetry(err) {
				return result, err
			}
			if attempt == maxRetries {
				break
			}

			logger.Info("attempt failed, retrying",
				zap.String("operation", string(info.Operation)),
				zap.Int("attempt", attempt+1),
				zap.Int("of", maxRetries+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		return result, fmt.Errorf("operation failed after %d attempts: %w", maxRetries+1, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
