package keypool

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"marginengine/src/errs"
)

// Pool is the part of Manager that Rotate needs.
type Pool interface {
	Acquire(ctx context.Context, service string) (Credential, error)
	Retire(ctx context.Context, service string, keyID uint) error
}

type Decision int

const (
	Done Decision = iota
	Continue
	Abort
)

// Classify decides what a failed upstream call means for the rotation loop.
// Only rate-limit and auth rejections burn a key; anything else stops the loop.
func Classify(err error) Decision {
	switch {
	case err == nil:
		return Done
	case errors.Is(err, errs.ErrUpstreamRateLimited):
		return Continue
	default:
		return Abort
	}
}

// Rotate calls call with successive keys of service, at most maxAttempts times.
//
// It returns the first successful result. A rate-limited call retires the key and moves on;
// any other failure aborts with errs.ErrUpstreamUnavailable. An empty pool ends the loop
// with errs.ErrKeyPoolExhausted. Callers fall back on every error.
func Rotate[T any](ctx context.Context, pool Pool, service string, maxAttempts int, call func(context.Context, Credential) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		cred, err := pool.Acquire(ctx, service)
		if err != nil {
			if errors.Is(err, errs.ErrKeyPoolExhausted) {
				return zero, err
			}
			return zero, fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
		}

		out, err := call(ctx, cred)
		switch Classify(err) {
		case Done:
			return out, nil
		case Continue:
			lastErr = err
			logger.WithFields(map[string]interface{}{
				"service": service,
				"key_id":  cred.ID,
				"attempt": attempt,
			}).WithError(err).Warn("upstream rejected key, rotating")
			if rerr := pool.Retire(ctx, service, cred.ID); rerr != nil {
				logger.WithField("service", service).WithError(rerr).Error("failed to retire key")
			}
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			if errors.Is(err, errs.ErrUpstreamUnavailable) {
				return zero, err
			}
			return zero, fmt.Errorf("%w: %w", errs.ErrUpstreamUnavailable, err)
		}
	}

	return zero, fmt.Errorf("attempt ceiling of %d reached: %w", maxAttempts, lastErr)
}
