package domain

import "errors"

var (
	// ErrContentUnavailable is returned when the question provider is exhausted or strict mode forbids a fallback.
	ErrContentUnavailable = errors.New("content unavailable")
	// ErrInvalidSubmission marks an answer for a side with no pending question or a session that is not active.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrAlreadyInSession is returned when an identity is already queued or in a battle.
	ErrAlreadyInSession = errors.New("already queued or in session")
	// ErrSessionNotFound is returned when a battle session is not active.
	ErrSessionNotFound = errors.New("battle session not found")
	// ErrUserNotFound indicates the persisted profile could not be loaded.
	ErrUserNotFound = errors.New("user not found")
	// ErrSettlementFailed is returned when rating and currency results could not be persisted.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrClosed is returned once the orchestrator has shut down.
	ErrClosed = errors.New("orchestrator closed")
	// ErrUnauthorized indicates a connection without a valid identity.
	ErrUnauthorized = errors.New("unauthorized")
)
