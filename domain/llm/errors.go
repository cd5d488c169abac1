package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UnknownProviderError means the requested provider id is not registered.
// It is raised before admission, so it never consumes a concurrency slot.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Provider)
}

// RateLimitedError means admission was denied by a rate-limit policy.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
	Remaining  int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

// ProviderError carries the backend's status and message for a failed call.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// SchedulerError reports an internal invariant violation. It must never occur
// in normal operation; when it does it is logged loudly, not swallowed.
type SchedulerError struct {
	Detail string
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler invariant violated: %s", e.Detail)
}

// ErrCancelled marks an invocation aborted by the caller or a timeout.
var ErrCancelled = errors.New("invocation cancelled")

// IsCancellation reports whether err represents caller/timeout abortion,
// either our sentinel or a context error surfaced by an adapter.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
