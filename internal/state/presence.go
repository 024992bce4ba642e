package state

import (
	"sync"
	"time"
)

// Seen is one entry in a Presence table.
type Seen struct {
	ID       string
	Session  string
	Name     string
	LastSeen time.Time
}

// PresenceEvent is delivered to Presence subscribers.
type PresenceEvent struct {
	Type    string `json:"type"` // "update" | "remove"
	ID      string `json:"id"`
	Session string `json:"session,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Presence tracks liveness timestamps keyed by an id (a connection or a
// participant) so stale entries can be pruned on a TTL.
type Presence struct {
	mu        sync.Mutex
	seen      map[string]Seen
	listeners []chan PresenceEvent
	now       func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		seen: map[string]Seen{},
		now:  time.Now,
	}
}

// Upsert records id as seen now.
func (p *Presence) Upsert(id, session, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Seen{ID: id, Session: session, Name: name, LastSeen: p.now()}
	p.seen[id] = s
	p.notifyListeners(PresenceEvent{Type: "update", ID: id, Session: session, Name: name})
}

// Touch refreshes the timestamp of a known id.
func (p *Presence) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seen[id]
	if !ok {
		return
	}
	s.LastSeen = p.now()
	p.seen[id] = s
}

func (p *Presence) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seen[id]
	if !ok {
		return
	}
	delete(p.seen, id)
	p.notifyListeners(PresenceEvent{Type: "remove", ID: id, Session: s.Session, Name: s.Name})
}

func (p *Presence) Get(id string) (Seen, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.seen[id]
	return s, ok
}

func (p *Presence) Snapshot() map[string]Seen {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make(map[string]Seen, len(p.seen))
	for k, v := range p.seen {
		cp[k] = v
	}
	return cp
}

// PruneStale removes entries last seen before cutoff and returns them.
func (p *Presence) PruneStale(cutoff time.Time) []Seen {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pruned []Seen
	for id, s := range p.seen {
		if s.LastSeen.Before(cutoff) {
			delete(p.seen, id)
			pruned = append(pruned, s)
			p.notifyListeners(PresenceEvent{Type: "remove", ID: id, Session: s.Session, Name: s.Name})
		}
	}
	return pruned
}

func (p *Presence) Subscribe() chan PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan PresenceEvent, 16)
	p.listeners = append(p.listeners, ch)
	return ch
}

func (p *Presence) Unsubscribe(ch chan PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, listener := range p.listeners {
		if listener == ch {
			close(listener)
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *Presence) notifyListeners(evt PresenceEvent) {
	for _, ch := range p.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
