// Package proto defines the JSON wire format spoken on the authoritative
// channel between clients and the room server.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types. Client → server requests and server → client events share
// one namespace; the room server matches them exhaustively.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"

	TypeSessionSnapshot   = "session_snapshot"
	TypeSessionError      = "session_error"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypePresenceUpdate    = "presence_update"

	TypeLockField     = "lock_field"
	TypeUnlockField   = "unlock_field"
	TypeLockGranted   = "lock_granted"
	TypeLockDenied    = "lock_denied"
	TypeFieldUnlocked = "field_unlocked"

	TypeUpdateField  = "update_field"
	TypeFieldUpdated = "field_updated"

	TypeAddScreenshot     = "add_screenshot"
	TypeRemoveScreenshot  = "remove_screenshot"
	TypeScreenshotAdded   = "screenshot_added"
	TypeScreenshotRemoved = "screenshot_removed"
	TypeScreenshotDenied  = "screenshot_denied"

	TypeCallStarted = "call_started"
	TypeCallJoined  = "call_joined"
	TypeCallLeft    = "call_left"
	TypeCallState   = "call_state"

	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "ice_candidate"

	TypeScreenshareStarted = "screenshare_started"
	TypeScreenshareStopped = "screenshare_stopped"

	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
	CodeNotJoined  = "not_joined"
	CodeNotOwner   = "not_owner"
	CodeUnknown    = "unknown_type"
	CodeInternal   = "internal"
)

// Message is the envelope for every frame on the channel.
type Message struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message, encoding payload as JSON. A nil payload is omitted.
func New(typ, session string, payload any) (Message, error) {
	m := Message{Type: typ, Session: session}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	m.Payload = b
	return m, nil
}

// MustNew is New for payload types that always encode.
func MustNew(typ, session string, payload any) Message {
	m, err := New(typ, session, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// IsSignal reports whether t is a peer negotiation message that the server
// forwards without touching room state.
func IsSignal(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeIceCandidate
}

func NowMillis() int64 { return time.Now().UnixMilli() }
