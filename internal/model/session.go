// Package model holds the shared entities of a form session and the pure
// functions every other component uses to reason about them.
package model

import (
	"sort"
	"time"
)

// MaxScreenshots is the number of screenshots a session keeps; older ones
// are dropped from the front.
const MaxScreenshots = 50

// Field is one input of a form. The sync engine treats Type as opaque.
type Field struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Label       string   `json:"label"`
	Required    bool     `json:"required,omitempty"`
	Options     []string `json:"options,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
}

// Participant is an ephemeral identity present in a session.
type Participant struct {
	ID       string `json:"participantId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	JoinedAt int64  `json:"joinedAt"`
}

// FieldLock is the relation fieldId -> owning participant.
type FieldLock struct {
	FieldID string `json:"fieldId"`
	OwnedBy string `json:"ownedBy"`
}

// Call records which participants are in the media session.
type Call struct {
	CallID       string   `json:"callId"`
	Participants []string `json:"participants"`
	StartedBy    string   `json:"startedBy"`
	StartedAt    int64    `json:"startedAt"`
}

// Has reports whether pid is in the call.
func (c *Call) Has(pid string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Participants {
		if p == pid {
			return true
		}
	}
	return false
}

// Clone returns a copy of the call record, or nil.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}

// Screenshot references an uploaded image.
type Screenshot struct {
	ID              string `json:"id"`
	ImageRef        string `json:"imageRef"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	Timestamp       int64  `json:"timestamp"`
}

// Session is one shared form instance.
type Session struct {
	ID           string            `json:"sessionId"`
	TemplateID   string            `json:"templateId,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Fields       []Field           `json:"fields"`
	FieldData    map[string]any    `json:"fieldData"`
	FieldLocks   map[string]string `json:"fieldLocks"`
	Participants []Participant     `json:"participants"`
	Screenshots  []Screenshot      `json:"screenshots"`
	Call         *Call             `json:"call,omitempty"`

	CreatedBy    string `json:"createdBy,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
	Active       bool   `json:"active"`
}

// NewSession returns an empty, active session with the given fields.
func NewSession(id, title, description string, fields []Field) Session {
	now := time.Now().UnixMilli()
	return Session{
		ID:           id,
		Title:        title,
		Description:  description,
		Fields:       append([]Field(nil), fields...),
		FieldData:    map[string]any{},
		FieldLocks:   map[string]string{},
		Participants: []Participant{},
		Screenshots:  []Screenshot{},
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
}

// Normalize replaces nil collections so the JSON form always carries
// objects and arrays rather than null.
func (s *Session) Normalize() {
	if s.FieldData == nil {
		s.FieldData = map[string]any{}
	}
	if s.FieldLocks == nil {
		s.FieldLocks = map[string]string{}
	}
	if s.Participants == nil {
		s.Participants = []Participant{}
	}
	if s.Screenshots == nil {
		s.Screenshots = []Screenshot{}
	}
	if s.Fields == nil {
		s.Fields = []Field{}
	}
}

// Clone returns a deep copy. Field values are treated as immutable JSON
// values and are shared.
func (s Session) Clone() Session {
	cp := s
	cp.Fields = append([]Field(nil), s.Fields...)
	cp.FieldData = make(map[string]any, len(s.FieldData))
	for k, v := range s.FieldData {
		cp.FieldData[k] = v
	}
	cp.FieldLocks = make(map[string]string, len(s.FieldLocks))
	for k, v := range s.FieldLocks {
		cp.FieldLocks[k] = v
	}
	cp.Participants = append([]Participant(nil), s.Participants...)
	cp.Screenshots = append([]Screenshot(nil), s.Screenshots...)
	cp.Call = s.Call.Clone()
	cp.Normalize()
	return cp
}

// Touch records activity.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now.UnixMilli()
}

// Field returns the definition of fieldID.
func (s *Session) Field(fieldID string) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == fieldID {
			return f, true
		}
	}
	return Field{}, false
}

// ─── Participants ────────────────────────────────────────────────────────────

// Participant looks up a present participant by id.
func (s *Session) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// AddParticipant adds p, or refreshes name and color if the id is already
// present. Returns true when p was not present before.
func (s *Session) AddParticipant(p Participant) bool {
	for i, existing := range s.Participants {
		if existing.ID == p.ID {
			s.Participants[i].Name = p.Name
			s.Participants[i].Color = p.Color
			return false
		}
	}
	if p.JoinedAt == 0 {
		p.JoinedAt = time.Now().UnixMilli()
	}
	s.Participants = append(s.Participants, p)
	return true
}

// RemoveParticipant drops id from the participant list.
func (s *Session) RemoveParticipant(id string) bool {
	for i, p := range s.Participants {
		if p.ID == id {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveSet returns the ids of the present participants.
func (s *Session) ActiveSet() ParticipantSet {
	return NewParticipantSet(s.Participants)
}

// ─── Locks ───────────────────────────────────────────────────────────────────

// LockOwner returns the participant holding fieldID, if any.
func (s *Session) LockOwner(fieldID string) (string, bool) {
	owner, ok := s.FieldLocks[fieldID]
	return owner, ok && owner != ""
}

// TryLock applies the lock transition for pid on fieldID. It succeeds when
// the field is unlocked or already owned by pid, and otherwise reports the
// current owner.
func (s *Session) TryLock(fieldID, pid string) (granted bool, owner string) {
	if cur, ok := s.LockOwner(fieldID); ok && cur != pid {
		return false, cur
	}
	if s.FieldLocks == nil {
		s.FieldLocks = map[string]string{}
	}
	s.FieldLocks[fieldID] = pid
	return true, pid
}

// Unlock releases fieldID if pid owns it.
func (s *Session) Unlock(fieldID, pid string) bool {
	if cur, ok := s.LockOwner(fieldID); ok && cur == pid {
		delete(s.FieldLocks, fieldID)
		return true
	}
	return false
}

// ReleaseLocksOf drops every lock owned by pid and returns the freed field
// ids in sorted order.
func (s *Session) ReleaseLocksOf(pid string) []string {
	var freed []string
	for f, owner := range s.FieldLocks {
		if owner == pid {
			freed = append(freed, f)
		}
	}
	sort.Strings(freed)
	for _, f := range freed {
		delete(s.FieldLocks, f)
	}
	return freed
}

// StaleLocks lists locks whose owner is no longer present, sorted by field.
func (s *Session) StaleLocks() []FieldLock {
	active := s.ActiveSet()
	var stale []FieldLock
	for f, owner := range s.FieldLocks {
		l := FieldLock{FieldID: f, OwnedBy: owner}
		if IsLockStale(l, active) {
			stale = append(stale, l)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].FieldID < stale[j].FieldID })
	return stale
}

// ReleaseStaleLocks removes the locks reported by StaleLocks.
func (s *Session) ReleaseStaleLocks() []FieldLock {
	stale := s.StaleLocks()
	for _, l := range stale {
		delete(s.FieldLocks, l.FieldID)
	}
	return stale
}

// Locks returns the lock table as a sorted slice.
func (s *Session) Locks() []FieldLock {
	out := make([]FieldLock, 0, len(s.FieldLocks))
	for f, owner := range s.FieldLocks {
		out = append(out, FieldLock{FieldID: f, OwnedBy: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}

// SetValue stores a whole-field value.
func (s *Session) SetValue(fieldID string, v any) {
	if s.FieldData == nil {
		s.FieldData = map[string]any{}
	}
	s.FieldData[fieldID] = v
}

// ─── Screenshots ─────────────────────────────────────────────────────────────

// AddScreenshot appends shot and trims the list to MaxScreenshots.
func (s *Session) AddScreenshot(shot Screenshot) {
	s.Screenshots = append(s.Screenshots, shot)
	if n := len(s.Screenshots); n > MaxScreenshots {
		s.Screenshots = append([]Screenshot(nil), s.Screenshots[n-MaxScreenshots:]...)
	}
}

// RemoveScreenshot deletes the screenshot id if pid uploaded it.
func (s *Session) RemoveScreenshot(id, pid string) error {
	for i, shot := range s.Screenshots {
		if shot.ID != id {
			continue
		}
		if shot.ParticipantID != pid {
			return ErrNotOwner
		}
		s.Screenshots = append(s.Screenshots[:i], s.Screenshots[i+1:]...)
		return nil
	}
	return ErrScreenshotNotFound
}

// ─── Call ────────────────────────────────────────────────────────────────────

// StartCall creates the call record with pid as its first member. If a call
// is already running pid joins it instead.
func (s *Session) StartCall(callID, pid string, now time.Time) *Call {
	if s.Call != nil {
		s.JoinCall(pid)
		return s.Call
	}
	s.Call = &Call{
		CallID:       callID,
		Participants: []string{pid},
		StartedBy:    pid,
		StartedAt:    now.UnixMilli(),
	}
	return s.Call
}

// JoinCall adds pid to the running call. It reports false when no call is
// active or pid was already in it.
func (s *Session) JoinCall(pid string) bool {
	if s.Call == nil || s.Call.Has(pid) {
		return false
	}
	s.Call.Participants = append(s.Call.Participants, pid)
	return true
}

// LeaveCall removes pid from the call and clears the record once empty.
func (s *Session) LeaveCall(pid string) bool {
	if !s.Call.Has(pid) {
		return false
	}
	kept := s.Call.Participants[:0]
	for _, p := range s.Call.Participants {
		if p != pid {
			kept = append(kept, p)
		}
	}
	s.Call.Participants = kept
	if len(kept) == 0 {
		s.Call = nil
	}
	return true
}
