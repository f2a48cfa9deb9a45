// Package retry decides which tool call failures are worth repeating
// and repeats them with bounded exponential backoff.
//
// Classification lives here, in one table, rather than at each call
// site: only tool errors whose code signals a temporary condition on
// the tool side are transient. Timeouts and mid-call process exits are
// never retried because the call may already have had its effect.
// Transport failures, and children that die before answering a single
// line, are retried once by the RPC client itself and are not retried
// again here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolerr"
)

// transientCodes are tool error codes that may succeed on a later
// attempt.
var transientCodes = map[int]bool{
	protocol.CodeUnavailable:       true,
	protocol.CodeRateLimited:       true,
	protocol.CodeResourceExhausted: true,
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var toolErr *toolerr.ToolError
	if errors.As(err, &toolErr) {
		return transientCodes[toolErr.Code]
	}
	return false
}

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Jitter adds up to this fraction of random spread to each delay.
	Jitter float64
}

// DefaultPolicy returns four attempts with 500ms doubling backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned when every attempt failed with a transient
// error.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do runs fn until it succeeds, fails with a non-transient error, or
// the policy's attempts are used up. Non-transient errors are returned
// unchanged after a single attempt. Cancellation during a backoff
// returns an error wrapping both ctx.Err() and the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, LastError: lastErr}
}

// Backoff returns the delay after the given (1-based) failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
