package proto

import (
	"encoding/json"

	"github.com/petervdpas/formsync/internal/model"
)

// JoinPayload is the first message a client sends.
type JoinPayload struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Color         string `json:"color"`
}

// SnapshotPayload is the full session state, sent only to the joiner.
type SnapshotPayload struct {
	Session model.Session `json:"session"`
}

// ErrorPayload describes a rejected request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParticipantPayload announces a single join or departure.
type ParticipantPayload struct {
	Participant model.Participant `json:"participant"`
}

// PresencePayload is the full participant list.
type PresencePayload struct {
	Participants []model.Participant `json:"participants"`
}

// FieldPayload names a field for lock/unlock requests and unlock events.
type FieldPayload struct {
	FieldID string `json:"fieldId"`
}

// LockPayload is used for both lock_granted and lock_denied.
type LockPayload struct {
	FieldID string `json:"fieldId"`
	OwnedBy string `json:"ownedBy"`
}

// UpdatePayload carries a whole-field value.
type UpdatePayload struct {
	FieldID   string `json:"fieldId"`
	Value     any    `json:"value"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// ScreenshotPayload carries a screenshot to add or that was added.
type ScreenshotPayload struct {
	Screenshot model.Screenshot `json:"screenshot"`
}

// ScreenshotRefPayload names a screenshot for removal.
type ScreenshotRefPayload struct {
	ScreenshotID string `json:"screenshotId"`
	RemovedBy    string `json:"removedBy,omitempty"`
}

// CallPayload is the request body for call lifecycle messages.
type CallPayload struct {
	CallID string `json:"callId,omitempty"`
}

// CallStatePayload carries the current call record; Call is nil once the
// last participant has left.
type CallStatePayload struct {
	Call   *model.Call `json:"call"`
	Reason string      `json:"reason,omitempty"`
	By     string      `json:"by,omitempty"`
}

// SignalPayload carries an opaque negotiation body addressed to a single
// participant. The server fills From when forwarding.
type SignalPayload struct {
	Target string          `json:"targetParticipantId"`
	From   string          `json:"fromParticipantId,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ScreensharePayload is relayed to the room unchanged apart from From.
type ScreensharePayload struct {
	From     string `json:"fromParticipantId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}
