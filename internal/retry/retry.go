// Package retry runs an action a bounded number of times with a fixed pause
// between attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/breeze-rmm/provision/internal/logging"
)

// Policy controls how often an action is attempted.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Logger      *slog.Logger
}

// DefaultPolicy matches the provisioning defaults: three attempts ten
// seconds apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       10 * time.Second,
	}
}

// Action is one attempt. attempt counts from 1.
type Action func(ctx context.Context, attempt int) error

// Do calls action until it returns nil or the policy is exhausted. There is
// no pause after the final attempt. The last error is returned as-is so
// callers can inspect it with errors.As.
//
// An error wrapped with Permanent stops the loop immediately and is returned
// unwrapped. Cancelling ctx while waiting returns ctx.Err().
func Do(ctx context.Context, p Policy, action Action) error {
	log := logging.Or(p.Logger, "retry")
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			log.Debug("retrying",
				logging.KeyAttempt, attempt,
				"delay", p.Delay,
				logging.KeyError, lastErr,
			)
			if err := sleep(ctx, p.Delay); err != nil {
				return err
			}
		}

		err := action(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	log.Debug("all attempts exhausted", "attempts", attempts, logging.KeyError, lastErr)
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do gives up without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
