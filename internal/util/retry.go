// Package util provides shared utility functions for gvfs.
package util

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go/v4"

	"gvfs/internal/common"
)

// HTTPRetryOptions returns retry options for object-service requests:
// exponential backoff with jitter, retrying only transient failures.
// attempts is the total number of tries, not the number of retries.
func HTTPRetryOptions(ctx context.Context, attempts uint) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(250 * time.Millisecond),
		retry.MaxDelay(30 * time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(250 * time.Millisecond),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsTransient reports whether an error is worth another attempt: an
// explicit RetryableError, a timeout, or a low-level network failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if common.IsRetryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
