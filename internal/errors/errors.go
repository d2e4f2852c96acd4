package errors

import "errors"

// Auth errors. Both invalidate the stored session rather than
// triggering a retry with the same token.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("invalid or expired token")
)

// Transport errors. Retryable only by explicit caller action.
var (
	ErrTransport    = errors.New("transport failure")
	ErrNotConnected = errors.New("socket not connected")
)

// Local errors. Rejected before any network call.
var (
	ErrEmptyContent       = errors.New("message content is empty")
	ErrIdentityUnresolved = errors.New("no local identity to send as")
)
