// Package client is the participant side of formsync: an observable local
// copy of a session kept in step with the room server, with the localsync
// fallback and the call coordinator attached.
package client

import (
	"time"

	"github.com/petervdpas/formsync/internal/model"
)

// Mode is the state of the authoritative channel as seen by the engine.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeConnecting Mode = "connecting"
	ModeOnline     Mode = "online"
	ModeOffline    Mode = "offline"
	ModeLeft       Mode = "left"
)

// State is everything a UI renders. Values are replaced, never mutated in
// place, so selectors can compare them.
type State struct {
	Mode    Mode
	Self    model.Participant
	Session model.Session
	Err     string
}

// LockOwner is a convenience over Session.LockOwner.
func (s State) LockOwner(fieldID string) (string, bool) {
	return s.Session.LockOwner(fieldID)
}

// Value returns the current value of fieldID.
func (s State) Value(fieldID string) any {
	return s.Session.FieldData[fieldID]
}

type NoticeKind string

const (
	NoticeConnectionLost   NoticeKind = "connection_lost"
	NoticeOffline          NoticeKind = "offline"
	NoticeReconnected      NoticeKind = "reconnected"
	NoticeLockDenied       NoticeKind = "lock_denied"
	NoticeLockLost         NoticeKind = "lock_lost"
	NoticeScreenshotDenied NoticeKind = "screenshot_denied"
	NoticeSessionNotFound  NoticeKind = "session_not_found"
	NoticeCallFailed       NoticeKind = "call_failed"
	NoticeScreenshare      NoticeKind = "screenshare"
	NoticeError            NoticeKind = "error"
)

// Notice is a transient, user-visible message. Notices never block
// editing; if nobody reads them they are dropped.
type Notice struct {
	Kind        NoticeKind
	Text        string
	FieldID     string
	Participant string
	At          time.Time
}
