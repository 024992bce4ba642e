// Package localsync is the fallback path used when the room server cannot
// be reached. Every instance working on a session periodically merges its
// own view into a shared blob and applies what other instances wrote.
package localsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/formsync/internal/model"
)

// ErrFormNotFound is returned by LoadForm when nothing was saved for a
// session.
var ErrFormNotFound = errors.New("saved form not found")

// ErrConflict is returned by Save when another instance wrote the blob
// after it was loaded.
var ErrConflict = errors.New("blob changed since load")

// BlobKey and FormKey name the two records kept per session.
func BlobKey(sessionID string) string { return "formsync_" + sessionID }
func FormKey(sessionID string) string { return "formsync_form_" + sessionID }

// BlobParticipant is a participant entry with its heartbeat.
type BlobParticipant struct {
	model.Participant
	LastSeen int64 `json:"lastSeen"`
}

// Blob is the shared record. Every section merges per key.
type Blob struct {
	Participants map[string]BlobParticipant `json:"participants"`
	FieldValues  map[string]any             `json:"fieldValues"`
	FieldLocks   map[string]string          `json:"fieldLocks"`
	Screenshots  []model.Screenshot         `json:"screenshots"`
	UpdatedAt    int64                      `json:"updatedAt"`
	// Rev counts saves. Save only succeeds against the revision it loaded.
	Rev int64 `json:"rev"`
}

func EmptyBlob() Blob {
	return Blob{
		Participants: map[string]BlobParticipant{},
		FieldValues:  map[string]any{},
		FieldLocks:   map[string]string{},
		Screenshots:  []model.Screenshot{},
	}
}

func (b *Blob) normalize() {
	if b.Participants == nil {
		b.Participants = map[string]BlobParticipant{}
	}
	if b.FieldValues == nil {
		b.FieldValues = map[string]any{}
	}
	if b.FieldLocks == nil {
		b.FieldLocks = map[string]string{}
	}
	if b.Screenshots == nil {
		b.Screenshots = []model.Screenshot{}
	}
}

// ActiveSet returns the ids of the participants in the blob.
func (b *Blob) ActiveSet() model.ParticipantSet {
	set := make(model.ParticipantSet, len(b.Participants))
	for id := range b.Participants {
		set[id] = struct{}{}
	}
	return set
}

// SavedForm is the offline copy of a session used to recreate it on a
// server that does not know it.
type SavedForm struct {
	model.Session
	// Pending holds values edited locally that the server has not
	// acknowledged yet.
	Pending   map[string]any `json:"pending,omitempty"`
	LastSaved int64          `json:"lastSaved"`
}

// Backend stores blobs and saved forms and reports foreign writes.
type Backend interface {
	// Load returns the blob for a session, or an empty one if none exists.
	Load(ctx context.Context, sessionID string) (Blob, error)
	// Save stores b if the stored revision still equals b.Rev, bumping it.
	// Otherwise it returns ErrConflict and leaves the stored blob alone.
	Save(ctx context.Context, sessionID string, b Blob) error
	// Watch signals whenever another instance writes the session's blob.
	// The channel is closed when ctx ends.
	Watch(ctx context.Context, sessionID string) (<-chan struct{}, error)

	SaveForm(ctx context.Context, sessionID string, f SavedForm) error
	LoadForm(ctx context.Context, sessionID string) (SavedForm, error)
	FormExists(ctx context.Context, sessionID string) (bool, error)

	Close() error
}

func decodeBlob(data []byte) (Blob, error) {
	if len(data) == 0 {
		return EmptyBlob(), nil
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return EmptyBlob(), fmt.Errorf("decode blob: %w", err)
	}
	b.normalize()
	return b, nil
}

func encodeBlob(b Blob) ([]byte, error) {
	b.normalize()
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return data, nil
}

// storedRev reads the revision of an encoded blob. A missing or unreadable
// blob counts as revision 0.
func storedRev(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	var head struct {
		Rev int64 `json:"rev"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0
	}
	return head.Rev
}

func jsonBytes(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return data, nil
}

func decodeForm(data []byte) (SavedForm, error) {
	var f SavedForm
	if err := json.Unmarshal(data, &f); err != nil {
		return SavedForm{}, fmt.Errorf("decode saved form: %w", err)
	}
	f.Normalize()
	return f, nil
}

// notifier is a one-slot signal: bursts of writes collapse into a single
// pending wakeup.
type notifier chan struct{}

func newNotifier() notifier { return make(notifier, 1) }

func (n notifier) signal() {
	select {
	case n <- struct{}{}:
	default:
	}
}
