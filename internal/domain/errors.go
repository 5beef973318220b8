package domain

import "errors"

// Sentinel errors shared by the sync engine, the remote client and the server.
var (
	// ErrTransient covers network failures and timeouts. Operations are retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrConflict is a duplicate or a status regression. It is resolved locally and never surfaced.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the referenced conversation or message does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrUnauthorized means the session is no longer valid and triggers a hard reset.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is returned for malformed identities or content before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSuperseded is returned to a load whose result was discarded because a newer one was requested.
	ErrSuperseded = errors.New("superseded by a newer request")
)

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
