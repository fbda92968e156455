package errs

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit would take a cash balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrKeyPoolExhausted means no active credential is left for a service.
	// Callers fall back to static data; it is never surfaced to a trader.
	ErrKeyPoolExhausted = errors.New("key pool exhausted")

	// ErrUpstreamRateLimited marks a 429 or auth rejection. The key in use gets retired.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamUnavailable is any other upstream failure. It aborts the current fetch.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidPositionState is returned for transitions the position lifecycle forbids,
	// e.g. closing a position twice.
	ErrInvalidPositionState = errors.New("invalid position state")

	// ErrInvalidFundingState is returned for deposit or withdrawal transitions that are not
	// allowed from the request's current status.
	ErrInvalidFundingState = errors.New("invalid funding request state")

	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
)
