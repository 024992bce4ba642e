package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a join targets an unknown session.
	// It is not retryable until the session has been created.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLockDenied matches any LockDeniedError.
	ErrLockDenied = errors.New("lock denied")

	// ErrTransportUnavailable means the authoritative channel is down; the
	// caller falls back to the local sync path.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMediaUnavailable means no local capture could be acquired. Calls
	// continue receive-only.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrPeerNegotiationFailed is surfaced after the retry budget is spent.
	ErrPeerNegotiationFailed = errors.New("peer negotiation failed")

	// ErrNotOwner is returned when a participant removes a screenshot it did
	// not upload.
	ErrNotOwner = errors.New("not owner")

	ErrScreenshotNotFound = errors.New("screenshot not found")
	ErrSessionExists      = errors.New("session already exists")
)

// LockDeniedError carries the current owner of a contested field.
type LockDeniedError struct {
	FieldID string
	OwnedBy string
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("field %s is locked by %s", e.FieldID, e.OwnedBy)
}

// Is lets errors.Is(err, ErrLockDenied) match.
func (e *LockDeniedError) Is(target error) bool {
	return target == ErrLockDenied
}
