// Package room is the authoritative session server. A Hub owns one room per
// active session; each room serializes its mutations and fans events out to
// the connections joined to it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
	"github.com/petervdpas/formsync/internal/state"
)

// Repository is the persistence the hub needs. storage.Repository satisfies
// it.
type Repository interface {
	FindSession(ctx context.Context, id string) (model.Session, error)
	SaveSession(ctx context.Context, s model.Session) error
	MarkInactive(ctx context.Context, olderThan time.Time) (int, error)
}

type Options struct {
	SweepInterval time.Duration
	IdleEvict     time.Duration
	InactiveAfter time.Duration
	ConnTimeout   time.Duration
	SaveQueue     int
}

func (o *Options) defaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.IdleEvict <= 0 {
		o.IdleEvict = 10 * time.Minute
	}
	if o.InactiveAfter <= 0 {
		o.InactiveAfter = 24 * time.Hour
	}
	if o.ConnTimeout <= 0 {
		o.ConnTimeout = 90 * time.Second
	}
	if o.SaveQueue <= 0 {
		o.SaveQueue = 256
	}
}

type Hub struct {
	repo Repository
	opts Options

	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]Conn

	presence *state.Presence
	saves    *saveQueue
	now      func() time.Time

	closeOnce sync.Once
}

func NewHub(repo Repository, opts Options) *Hub {
	opts.defaults()
	h := &Hub{
		repo:     repo,
		opts:     opts,
		rooms:    map[string]*room{},
		conns:    map[string]Conn{},
		presence: state.NewPresence(),
		now:      time.Now,
	}
	h.saves = newSaveQueue(repo, opts.SaveQueue)
	return h
}

// Run drives the save worker and the periodic sweeps until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	go h.saves.run(ctx)

	sweep := time.NewTicker(h.opts.SweepInterval)
	defer sweep.Stop()
	inactive := time.NewTicker(time.Hour)
	defer inactive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-sweep.C:
			h.Sweep()
		case <-inactive.C:
			h.markInactive(ctx)
		}
	}
}

// Sweep releases stale locks in every room, closes connections that have
// gone quiet and evicts rooms that have been empty for too long.
func (h *Hub) Sweep() {
	now := h.now()

	for _, s := range h.presence.PruneStale(now.Add(-h.opts.ConnTimeout)) {
		h.mu.Lock()
		conn := h.conns[s.ID]
		h.mu.Unlock()
		if conn != nil {
			log.Printf("ROOM: closing idle connection %s", s.ID)
			conn.Close()
		}
	}

	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.sweepStaleLocks()
		if r.idleSince(now) >= h.opts.IdleEvict {
			h.evict(r)
		}
	}
}

func (h *Hub) evict(r *room) {
	h.mu.Lock()
	if h.rooms[r.id] != r {
		h.mu.Unlock()
		return
	}
	if !r.markEvicted() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.id)
	h.mu.Unlock()

	h.saves.push(r.snapshot())
	log.Printf("ROOM [%s]: evicted after idle period", r.id)
}

func (h *Hub) markInactive(ctx context.Context) {
	cutoff := h.now().Add(-h.opts.InactiveAfter)
	n, err := h.repo.MarkInactive(ctx, cutoff)
	if err != nil {
		log.Printf("ROOM: mark inactive: %v", err)
		return
	}
	if n > 0 {
		log.Printf("ROOM: marked %d session(s) inactive", n)
	}
}

// Snapshot returns the live state of a session, preferring the in-memory
// room over the repository.
func (h *Hub) Snapshot(ctx context.Context, id string) (model.Session, error) {
	h.mu.Lock()
	r := h.rooms[id]
	h.mu.Unlock()
	if r != nil {
		return r.snapshot(), nil
	}
	return h.repo.FindSession(ctx, id)
}

// Rooms lists the ids of the sessions currently held in memory.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	return len(h.presence.Snapshot())
}

// Close flushes pending saves for every room and closes all connections.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		conns := make([]Conn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		rooms := make([]*room, 0, len(h.rooms))
		for _, r := range h.rooms {
			rooms = append(rooms, r)
		}
		h.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, r := range rooms {
			if err := h.repo.SaveSession(ctx, r.snapshot()); err != nil {
				log.Printf("ROOM [%s]: final save: %v", r.id, err)
			}
		}
	})
}

// ── Rooms ────────────────────────────────────────────────────────────────────

// load returns the room for id, reading the session from the repository on
// first use. The repository call happens outside the hub lock.
func (h *Hub) load(ctx context.Context, id string) (*room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[id]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	s, err := h.repo.FindSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		s.Active = true
		log.Printf("ROOM [%s]: reactivated", id)
	}
	s.Normalize()
	// Presence is per connection; nobody is joined to a freshly loaded room.
	s.Participants = []model.Participant{}
	s.FieldLocks = map[string]string{}
	s.Call = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(h, s)
	h.rooms[id] = r
	return r, nil
}

func (h *Hub) join(ctx context.Context, c *client, p proto.JoinPayload) {
	id := model.NormalizeSessionID(p.SessionID)

	self := model.Participant{ID: p.ParticipantID, Name: p.Name, Color: p.Color}
	if c.ident != nil {
		self.ID = c.ident.ParticipantID
		self.Name = c.ident.Name
		self.Color = c.ident.Color
	}
	if self.ID == "" {
		sendError(c.conn, id, proto.CodeBadRequest, "participantId is required")
		return
	}

	var r *room
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		r, err = h.load(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrSessionNotFound) {
				send(c.conn, proto.TypeSessionError, id, "", proto.ErrorPayload{
					Code:    proto.CodeNotFound,
					Message: fmt.Sprintf("session %s not found", id),
				})
				return
			}
			log.Printf("ROOM [%s]: load: %v", id, err)
			sendError(c.conn, id, proto.CodeInternal, "could not load session")
			return
		}
		if c.room != nil && c.room != r {
			c.room.disconnect(c)
			c.room = nil
		}
		if r.join(c, self) {
			break
		}
		// Room was evicted between load and join; load it again.
		r = nil
	}
	if r == nil {
		sendError(c.conn, id, proto.CodeInternal, "session unavailable")
		return
	}
	c.room = r
	h.presence.Upsert(c.conn.ID(), id, self.Name)
}

func (h *Hub) register(conn Conn) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	h.mu.Unlock()
	h.presence.Upsert(conn.ID(), "", "")
}

func (h *Hub) unregister(conn Conn) {
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	h.presence.Remove(conn.ID())
}
