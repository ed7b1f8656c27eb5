// Package poll provides the bounded-time readiness polling primitive the
// lifecycle manager builds its state-convergence waits on.
package poll

import (
	"context"
	"fmt"
	"time"
)

// Predicate reports whether the awaited condition holds. The returned state
// is a short description of the last observation and is surfaced in timeout
// errors. A non-nil error marks the condition unrecoverable and stops the
// polling immediately. The predicate performs all I/O itself.
type Predicate func(ctx context.Context) (done bool, state string, err error)

// TimeoutError reports a condition that did not hold within the deadline.
type TimeoutError struct {
	After     time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	if e.LastState == "" {
		return fmt.Sprintf("condition not met after %s", e.After)
	}
	return fmt.Sprintf("condition not met after %s (last state: %s)", e.After, e.LastState)
}

// Until evaluates pred once immediately and then every interval until it
// reports done, returns an error, or the timeout elapses.
func Until(ctx context.Context, interval, timeout time.Duration, pred Predicate) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done, state, err := pred(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return &TimeoutError{After: timeout, LastState: state}
		case <-ticker.C:
			done, state, err = pred(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
