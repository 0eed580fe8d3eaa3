package failover

import (
	"context"
	"errors"
	"fmt"

	"github.com/aitachi/envom/internal/oracle"
	"github.com/aitachi/envom/internal/provider"
)

// IsRetryable reports whether another endpoint could answer where this one
// failed: rate limits, rejected credentials, 5xx, timeouts and transport
// errors. A malformed reply or a 4xx request error is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *provider.StatusError
	if errors.As(err, &se) {
		return se.Temporary() || se.IsAuth()
	}
	return oracle.KindOf(err) != oracle.KindMalformed
}

func isCallerDone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// AllExhaustedError is returned when no endpoint produced a reply.
type AllExhaustedError struct {
	Attempted []string
	Skipped   []string // in cooldown
	Last      error
}

func (e *AllExhaustedError) Error() string {
	msg := fmt.Sprintf("all oracle endpoints exhausted, attempted: %v", e.Attempted)
	if len(e.Skipped) > 0 {
		msg += fmt.Sprintf(", cooling down: %v", e.Skipped)
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }
