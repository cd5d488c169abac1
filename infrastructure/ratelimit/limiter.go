// Package ratelimit implements fixed-window admission policies keyed by an
// arbitrary string such as "user:<id>" or "global".
package ratelimit

import (
	"context"
	"time"
)

// Policy configures one fixed-window rate limit.
type Policy struct {
	Window time.Duration
	Max    int
}

// Decision is the outcome of one admission check. RetryAfter is zero when
// the request was allowed.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request under key may proceed, consuming one
// unit when allowed. Implementations must keep the Max bound under
// concurrent calls for the same key.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) (Decision, error)
}
