package room

import (
	"errors"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

type member struct {
	conn        Conn
	participant model.Participant
}

// room is one live session. All mutations take mu; events are queued on
// the member connections while mu is still held so every member observes
// them in mutation order.
type room struct {
	hub *Hub
	id  string

	mu         sync.RWMutex
	session    model.Session
	members    map[string]*member
	emptySince time.Time
	evicted    bool
}

func newRoom(h *Hub, s model.Session) *room {
	return &room{
		hub:        h,
		id:         s.ID,
		session:    s,
		members:    map[string]*member{},
		emptySince: h.now(),
	}
}

func (r *room) snapshot() model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session.Clone()
}

// joined reports whether c is the connection currently mapped to its
// participant. Must be called with mu held.
func (r *room) joined(c *client) bool {
	m, ok := r.members[c.self.ID]
	return ok && m.conn == c.conn
}

func (r *room) touch() {
	r.session.Touch(r.hub.now())
	r.hub.saves.push(r.session.Clone())
}

// join binds c to the room as self. It reports false if the room has been
// evicted in the meantime.
func (r *room) join(c *client, self model.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return false
	}

	if c.room == r && c.self.ID != self.ID && r.joined(c) {
		r.removeLocked(c)
	}

	if old, ok := r.members[self.ID]; ok && old.conn != c.conn {
		log.Printf("ROOM [%s]: %s rejoined on a new connection", r.id, self.ID)
	}
	if self.JoinedAt == 0 {
		self.JoinedAt = r.hub.now().UnixMilli()
	}
	r.session.AddParticipant(self)
	self, _ = r.session.Participant(self.ID)

	r.members[self.ID] = &member{conn: c.conn, participant: self}
	r.emptySince = time.Time{}
	r.session.Active = true
	c.self = self

	send(c.conn, proto.TypeSessionSnapshot, r.id, "", proto.SnapshotPayload{Session: r.session.Clone()})
	r.broadcast(proto.TypeParticipantJoined, self.ID, proto.ParticipantPayload{Participant: self}, self.ID)
	r.presenceLocked()
	r.touch()

	log.Printf("ROOM [%s]: %s (%s) joined, %d present", r.id, self.Name, self.ID, len(r.members))
	return true
}

// disconnect removes c from the room if it is still the live connection
// for its participant.
func (r *room) disconnect(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined(c) {
		return
	}
	r.removeLocked(c)
	log.Printf("ROOM [%s]: %s left, %d present", r.id, c.self.ID, len(r.members))
}

func (r *room) removeLocked(c *client) {
	pid := c.self.ID
	delete(r.members, pid)
	r.session.RemoveParticipant(pid)

	for _, f := range r.session.ReleaseLocksOf(pid) {
		r.broadcast(proto.TypeFieldUnlocked, pid, proto.FieldPayload{FieldID: f}, "")
	}
	if r.session.LeaveCall(pid) {
		r.broadcast(proto.TypeCallState, pid, proto.CallStatePayload{
			Call:   r.session.Call.Clone(),
			Reason: proto.TypeCallLeft,
			By:     pid,
		}, "")
	}
	r.broadcast(proto.TypeParticipantLeft, pid, proto.ParticipantPayload{Participant: c.self}, "")
	r.presenceLocked()

	if len(r.members) == 0 {
		r.emptySince = r.hub.now()
	}
	r.touch()
}

// presenceLocked releases locks whose owners are gone and then broadcasts
// the participant list.
func (r *room) presenceLocked() {
	r.releaseStaleLocked()
	r.broadcast(proto.TypePresenceUpdate, "", proto.PresencePayload{
		Participants: append([]model.Participant(nil), r.session.Participants...),
	}, "")
}

func (r *room) releaseStaleLocked() int {
	stale := r.session.ReleaseStaleLocks()
	for _, l := range stale {
		log.Printf("ROOM [%s]: released stale lock on %s held by %q", r.id, l.FieldID, l.OwnedBy)
		r.broadcast(proto.TypeFieldUnlocked, "", proto.FieldPayload{FieldID: l.FieldID}, "")
	}
	return len(stale)
}

func (r *room) sweepStaleLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releaseStaleLocked() > 0 {
		r.touch()
	}
}

// idleSince returns how long the room has had no members.
func (r *room) idleSince(now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.members) > 0 || r.emptySince.IsZero() {
		return 0
	}
	return now.Sub(r.emptySince)
}

func (r *room) markEvicted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.evicted = true
	return true
}

// ── Fields ───────────────────────────────────────────────────────────────────

func (r *room) lockField(c *client, fieldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	granted, owner := r.session.TryLock(fieldID, c.self.ID)
	if !granted {
		send(c.conn, proto.TypeLockDenied, r.id, "", proto.LockPayload{FieldID: fieldID, OwnedBy: owner})
		return
	}
	r.broadcast(proto.TypeLockGranted, c.self.ID, proto.LockPayload{FieldID: fieldID, OwnedBy: owner}, "")
	r.touch()
}

func (r *room) unlockField(c *client, fieldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	if !r.session.Unlock(fieldID, c.self.ID) {
		return
	}
	r.broadcast(proto.TypeFieldUnlocked, c.self.ID, proto.FieldPayload{FieldID: fieldID}, c.self.ID)
	r.touch()
}

// updateField stores the value whether or not the sender holds the lock.
func (r *room) updateField(c *client, fieldID string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	r.session.SetValue(fieldID, value)
	r.broadcast(proto.TypeFieldUpdated, c.self.ID, proto.UpdatePayload{
		FieldID:   fieldID,
		Value:     value,
		UpdatedBy: c.self.ID,
	}, c.self.ID)
	r.touch()
}

// ── Screenshots ──────────────────────────────────────────────────────────────

func (r *room) addScreenshot(c *client, shot model.Screenshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	if shot.ImageRef == "" {
		sendError(c.conn, r.id, proto.CodeBadRequest, "imageRef is required")
		return
	}
	if shot.ID == "" {
		shot.ID = uuid.NewString()
	}
	shot.ParticipantID = c.self.ID
	shot.ParticipantName = c.self.Name
	if shot.Timestamp == 0 {
		shot.Timestamp = r.hub.now().UnixMilli()
	}
	r.session.AddScreenshot(shot)
	r.broadcast(proto.TypeScreenshotAdded, c.self.ID, proto.ScreenshotPayload{Screenshot: shot}, "")
	r.touch()
}

func (r *room) removeScreenshot(c *client, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	if err := r.session.RemoveScreenshot(id, c.self.ID); err != nil {
		code := proto.CodeNotFound
		if errors.Is(err, model.ErrNotOwner) {
			code = proto.CodeNotOwner
		}
		send(c.conn, proto.TypeScreenshotDenied, r.id, "", proto.ErrorPayload{Code: code, Message: err.Error()})
		return
	}
	r.broadcast(proto.TypeScreenshotRemoved, c.self.ID, proto.ScreenshotRefPayload{
		ScreenshotID: id,
		RemovedBy:    c.self.ID,
	}, "")
	r.touch()
}

// ── Call ─────────────────────────────────────────────────────────────────────

func (r *room) callEvent(c *client, typ string, p proto.CallPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.requireJoined(c) {
		return
	}
	pid := c.self.ID
	before := r.session.Call.Clone()

	switch typ {
	case proto.TypeCallStarted, proto.TypeCallJoined:
		if r.session.Call == nil {
			callID := p.CallID
			if callID == "" {
				callID = uuid.NewString()
			}
			r.session.StartCall(callID, pid, r.hub.now())
			log.Printf("ROOM [%s]: call %s started by %s", r.id, callID, pid)
		} else {
			r.session.JoinCall(pid)
		}
	case proto.TypeCallLeft:
		r.session.LeaveCall(pid)
	}

	if reflect.DeepEqual(before, r.session.Call) {
		return
	}
	r.broadcast(proto.TypeCallState, pid, proto.CallStatePayload{
		Call:   r.session.Call.Clone(),
		Reason: typ,
		By:     pid,
	}, pid)
	r.touch()
}

// ── Relays ───────────────────────────────────────────────────────────────────

// forwardSignal delivers a negotiation message to its target. It only reads
// the member table; room state is not touched.
func (r *room) forwardSignal(c *client, typ string, p proto.SignalPayload) {
	r.mu.RLock()
	ok := r.joined(c)
	target := r.members[p.Target]
	r.mu.RUnlock()
	if !ok {
		sendError(c.conn, r.id, proto.CodeNotJoined, "join a session first")
		return
	}
	if target == nil || p.Target == c.self.ID {
		return
	}
	p.From = c.self.ID
	send(target.conn, typ, r.id, c.self.ID, p)
}

func (r *room) relayScreenshare(c *client, typ string, p proto.ScreensharePayload) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.joined(c) {
		sendError(c.conn, r.id, proto.CodeNotJoined, "join a session first")
		return
	}
	p.From = c.self.ID
	r.broadcast(typ, c.self.ID, p, c.self.ID)
}

// ── Fan-out ──────────────────────────────────────────────────────────────────

func (r *room) requireJoined(c *client) bool {
	if r.joined(c) {
		return true
	}
	sendError(c.conn, r.id, proto.CodeNotJoined, "join a session first")
	return false
}

// broadcast queues one event on every member except the participant
// exceptID. Must be called with mu held.
func (r *room) broadcast(typ, from string, payload any, exceptID string) {
	msg, err := proto.New(typ, r.id, payload)
	if err != nil {
		log.Printf("ROOM [%s]: encode %s: %v", r.id, typ, err)
		return
	}
	msg.From = from
	for pid, m := range r.members {
		if pid == exceptID {
			continue
		}
		if err := m.conn.Send(msg); err != nil {
			log.Printf("ROOM [%s]: send %s to %s: %v", r.id, typ, pid, err)
		}
	}
}
