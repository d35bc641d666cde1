package domain

import "errors"

// Failure taxonomy surfaced by the state machine and the verification
// gate. Callers branch with errors.Is; operations wrap these with context.
var (
	// ErrInvalidInput: malformed request, not retryable without changing it.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState: operation not valid for the deal's lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnauthorized: access token or identity mismatch.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrVerificationRequired: the trust level's channels are not all
	// verified yet; retryable after completing verification.
	ErrVerificationRequired = errors.New("verification required")

	ErrExpiredChallenge = errors.New("challenge expired")
	ErrInvalidCode      = errors.New("invalid code")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrRateLimited      = errors.New("rate limited")

	// ErrNotFound: no record for the given identifier. Public recipient
	// endpoints map this to the same response as ErrUnauthorized so deal
	// identifiers cannot be probed.
	ErrNotFound = errors.New("not found")
)
