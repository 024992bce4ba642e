package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []proto.Message
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ofType(typ string) []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Message
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	saves    int
}

func newFakeRepo(sessions ...model.Session) *fakeRepo {
	r := &fakeRepo{sessions: map[string]model.Session{}}
	for _, s := range sessions {
		r.sessions[s.ID] = s
	}
	return r
}

func (r *fakeRepo) FindSession(_ context.Context, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *fakeRepo) SaveSession(_ context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	r.saves++
	return nil
}

func (r *fakeRepo) MarkInactive(context.Context, time.Time) (int, error) { return 0, nil }

// ── Helpers ──────────────────────────────────────────────────────────────────

func testSession() model.Session {
	return model.NewSession("AB12CD", "Feedback", "", []model.Field{
		{ID: "name", Type: "text", Label: "Name"},
		{ID: "email", Type: "email", Label: "Email"},
	})
}

func newTestHub(t *testing.T) (*Hub, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo(testSession())
	return NewHub(repo, Options{}), repo
}

func connect(h *Hub, id string) (*client, *fakeConn) {
	f := &fakeConn{id: "conn-" + id}
	h.register(f)
	return &client{conn: f}, f
}

func do(t *testing.T, h *Hub, c *client, typ string, payload any) {
	t.Helper()
	msg, err := proto.New(typ, "AB12CD", payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	h.dispatch(context.Background(), c, msg)
}

func joinAs(t *testing.T, h *Hub, pid, name string) (*client, *fakeConn) {
	t.Helper()
	c, f := connect(h, pid)
	do(t, h, c, proto.TypeJoin, proto.JoinPayload{SessionID: "AB12CD", ParticipantID: pid, Name: name})
	if c.room == nil {
		t.Fatalf("%s did not join: %v", pid, f.types())
	}
	return c, f
}

func decode[T any](t *testing.T, msg proto.Message) T {
	t.Helper()
	var v T
	if err := msg.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", msg.Type, err)
	}
	return v
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestJoinUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	c, f := connect(h, "a")
	do(t, h, c, proto.TypeJoin, proto.JoinPayload{SessionID: "ZZZZZZ", ParticipantID: "a"})

	errs := f.ofType(proto.TypeSessionError)
	if len(errs) != 1 {
		t.Fatalf("expected one session_error, got %v", f.types())
	}
	if p := decode[proto.ErrorPayload](t, errs[0]); p.Code != proto.CodeNotFound {
		t.Errorf("code = %q, want %q", p.Code, proto.CodeNotFound)
	}
	if c.room != nil {
		t.Error("client should not be bound to a room")
	}
}

func TestJoinSessionIDIsNormalized(t *testing.T) {
	h, _ := newTestHub(t)
	c, f := connect(h, "a")
	do(t, h, c, proto.TypeJoin, proto.JoinPayload{SessionID: " ab12cd ", ParticipantID: "a"})
	if len(f.ofType(proto.TypeSessionSnapshot)) != 1 {
		t.Fatalf("expected snapshot, got %v", f.types())
	}
}

func TestJoinEventOrder(t *testing.T) {
	h, _ := newTestHub(t)
	_, fa := joinAs(t, h, "A", "Alice")
	fa.reset()
	_, fb := joinAs(t, h, "B", "Bob")

	if got := fb.types(); len(got) != 2 || got[0] != proto.TypeSessionSnapshot || got[1] != proto.TypePresenceUpdate {
		t.Errorf("joiner events = %v", got)
	}
	if got := fa.types(); len(got) != 2 || got[0] != proto.TypeParticipantJoined || got[1] != proto.TypePresenceUpdate {
		t.Errorf("existing member events = %v", got)
	}

	snap := decode[proto.SnapshotPayload](t, fb.ofType(proto.TypeSessionSnapshot)[0])
	if len(snap.Session.Participants) != 2 {
		t.Errorf("snapshot participants = %d, want 2", len(snap.Session.Participants))
	}
	pres := decode[proto.PresencePayload](t, fa.ofType(proto.TypePresenceUpdate)[0])
	if len(pres.Participants) != 2 {
		t.Errorf("presence participants = %d, want 2", len(pres.Participants))
	}
}

func TestIdentityOverridesJoinPayload(t *testing.T) {
	h, _ := newTestHub(t)
	f := &fakeConn{id: "conn"}
	h.register(f)
	c := &client{conn: f, ident: &Identity{ParticipantID: "real", Name: "Real", Color: "#000"}}
	do(t, h, c, proto.TypeJoin, proto.JoinPayload{SessionID: "AB12CD", ParticipantID: "spoof", Name: "Spoof"})

	if c.self.ID != "real" || c.self.Name != "Real" {
		t.Errorf("self = %+v", c.self)
	}
}

func TestLockDenyUnlockRelock(t *testing.T) {
	h, _ := newTestHub(t)
	a, fa := joinAs(t, h, "A", "Alice")
	b, fb := joinAs(t, h, "B", "Bob")
	fa.reset()
	fb.reset()

	do(t, h, a, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	for _, f := range []*fakeConn{fa, fb} {
		granted := f.ofType(proto.TypeLockGranted)
		if len(granted) != 1 {
			t.Fatalf("%s: expected lock_granted, got %v", f.id, f.types())
		}
		if p := decode[proto.LockPayload](t, granted[0]); p.OwnedBy != "A" || p.FieldID != "name" {
			t.Errorf("%s: granted = %+v", f.id, p)
		}
	}
	fa.reset()
	fb.reset()

	do(t, h, b, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	denied := fb.ofType(proto.TypeLockDenied)
	if len(denied) != 1 {
		t.Fatalf("expected lock_denied for B, got %v", fb.types())
	}
	if p := decode[proto.LockPayload](t, denied[0]); p.OwnedBy != "A" {
		t.Errorf("denied ownedBy = %q, want A", p.OwnedBy)
	}
	if len(fa.types()) != 0 {
		t.Errorf("A should not see B's denial, got %v", fa.types())
	}

	// Relocking your own field is granted again.
	do(t, h, a, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	if len(fa.ofType(proto.TypeLockGranted)) != 1 {
		t.Fatalf("relock by owner not granted: %v", fa.types())
	}
	fa.reset()
	fb.reset()

	// Non-owner unlock is a no-op.
	do(t, h, b, proto.TypeUnlockField, proto.FieldPayload{FieldID: "name"})
	if len(fa.types())+len(fb.types()) != 0 {
		t.Errorf("non-owner unlock emitted events: A=%v B=%v", fa.types(), fb.types())
	}

	do(t, h, a, proto.TypeUnlockField, proto.FieldPayload{FieldID: "name"})
	if len(fb.ofType(proto.TypeFieldUnlocked)) != 1 {
		t.Errorf("B should see field_unlocked, got %v", fb.types())
	}
	if len(fa.ofType(proto.TypeFieldUnlocked)) != 0 {
		t.Errorf("A should not see its own unlock, got %v", fa.types())
	}

	do(t, h, b, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if owner := snap.FieldLocks["name"]; owner != "B" {
		t.Errorf("lock owner = %q, want B", owner)
	}
}

func TestConcurrentLocksHaveOneOwner(t *testing.T) {
	h, _ := newTestHub(t)
	const n = 16
	clients := make([]*client, n)
	conns := make([]*fakeConn, n)
	for i := range clients {
		pid := fmt.Sprintf("p%02d", i)
		clients[i], conns[i] = joinAs(t, h, pid, pid)
	}
	for _, f := range conns {
		f.reset()
	}

	lock, err := proto.New(proto.TypeLockField, "AB12CD", proto.FieldPayload{FieldID: "name"})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			<-start
			h.dispatch(context.Background(), c, lock)
		}(c)
	}
	close(start)
	wg.Wait()

	owners := map[string]bool{}
	denied := 0
	for _, f := range conns {
		granted := f.ofType(proto.TypeLockGranted)
		if len(granted) != 1 {
			t.Errorf("%s: %d lock_granted, want exactly 1", f.id, len(granted))
		}
		for _, m := range granted {
			owners[decode[proto.LockPayload](t, m).OwnedBy] = true
		}
		denied += len(f.ofType(proto.TypeLockDenied))
	}
	if len(owners) != 1 {
		t.Fatalf("granted owners = %v, want one", owners)
	}
	if denied != n-1 {
		t.Errorf("lock_denied = %d, want %d", denied, n-1)
	}
	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if !owners[snap.FieldLocks["name"]] {
		t.Errorf("stored owner %q was not the granted one", snap.FieldLocks["name"])
	}
}

func TestUpdateBroadcastCarriesUpdatedBy(t *testing.T) {
	h, _ := newTestHub(t)
	a, fa := joinAs(t, h, "A", "Alice")
	_, fb := joinAs(t, h, "B", "Bob")
	fa.reset()
	fb.reset()

	do(t, h, a, proto.TypeUpdateField, proto.UpdatePayload{FieldID: "email", Value: "a@x.io"})

	upd := fb.ofType(proto.TypeFieldUpdated)
	if len(upd) != 1 {
		t.Fatalf("expected field_updated for B, got %v", fb.types())
	}
	p := decode[proto.UpdatePayload](t, upd[0])
	if p.FieldID != "email" || p.Value != "a@x.io" || p.UpdatedBy != "A" {
		t.Errorf("update = %+v", p)
	}
	if len(fa.types()) != 0 {
		t.Errorf("sender should not receive its own update, got %v", fa.types())
	}

	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if snap.FieldData["email"] != "a@x.io" {
		t.Errorf("stored value = %v", snap.FieldData["email"])
	}
}

func TestUpdateWithoutLockIsAccepted(t *testing.T) {
	h, _ := newTestHub(t)
	a, _ := joinAs(t, h, "A", "Alice")
	b, _ := joinAs(t, h, "B", "Bob")

	do(t, h, a, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	do(t, h, b, proto.TypeUpdateField, proto.UpdatePayload{FieldID: "name", Value: "bob wins"})

	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if snap.FieldData["name"] != "bob wins" {
		t.Errorf("value = %v", snap.FieldData["name"])
	}
}

func TestDisconnectReleasesLocks(t *testing.T) {
	h, _ := newTestHub(t)
	a, _ := joinAs(t, h, "A", "Alice")
	b, fb := joinAs(t, h, "B", "Bob")

	do(t, h, a, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	do(t, h, a, proto.TypeLockField, proto.FieldPayload{FieldID: "email"})
	fb.reset()

	a.room.disconnect(a)

	unlocked := fb.ofType(proto.TypeFieldUnlocked)
	if len(unlocked) != 2 {
		t.Fatalf("expected 2 field_unlocked, got %v", fb.types())
	}
	if len(fb.ofType(proto.TypeParticipantLeft)) != 1 {
		t.Errorf("expected participant_left, got %v", fb.types())
	}
	pres := fb.ofType(proto.TypePresenceUpdate)
	if len(pres) != 1 || len(decode[proto.PresencePayload](t, pres[0]).Participants) != 1 {
		t.Errorf("presence after leave = %v", fb.types())
	}

	fb.reset()
	do(t, h, b, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})
	if len(fb.ofType(proto.TypeLockGranted)) != 1 {
		t.Errorf("B could not lock a released field: %v", fb.types())
	}
}

func TestCallLifecycle(t *testing.T) {
	h, _ := newTestHub(t)
	a, _ := joinAs(t, h, "A", "Alice")
	b, fb := joinAs(t, h, "B", "Bob")

	do(t, h, a, proto.TypeCallStarted, proto.CallPayload{CallID: "c1"})
	do(t, h, b, proto.TypeCallJoined, proto.CallPayload{CallID: "c1"})

	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if snap.Call == nil || len(snap.Call.Participants) != 2 {
		t.Fatalf("call = %+v", snap.Call)
	}

	fb.reset()
	a.room.disconnect(a)
	states := fb.ofType(proto.TypeCallState)
	if len(states) != 1 {
		t.Fatalf("expected call_state after A left, got %v", fb.types())
	}
	cs := decode[proto.CallStatePayload](t, states[0])
	if cs.Call == nil || len(cs.Call.Participants) != 1 || cs.Call.Participants[0] != "B" {
		t.Errorf("call after A left = %+v", cs.Call)
	}

	do(t, h, b, proto.TypeCallLeft, nil)
	snap, _ = h.Snapshot(context.Background(), "AB12CD")
	if snap.Call != nil {
		t.Errorf("call should be cleared, got %+v", snap.Call)
	}
}

func TestCallStartedWhileActiveJoins(t *testing.T) {
	h, _ := newTestHub(t)
	a, _ := joinAs(t, h, "A", "Alice")
	b, _ := joinAs(t, h, "B", "Bob")

	do(t, h, a, proto.TypeCallStarted, proto.CallPayload{CallID: "c1"})
	do(t, h, b, proto.TypeCallStarted, proto.CallPayload{CallID: "c2"})

	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if snap.Call.CallID != "c1" || len(snap.Call.Participants) != 2 {
		t.Errorf("call = %+v", snap.Call)
	}
}

func TestSignalForwarding(t *testing.T) {
	h, _ := newTestHub(t)
	a, fa := joinAs(t, h, "A", "Alice")
	_, fb := joinAs(t, h, "B", "Bob")
	fa.reset()
	fb.reset()

	do(t, h, a, proto.TypeOffer, proto.SignalPayload{Target: "B", Data: []byte(`{"sdp":"x"}`)})
	offers := fb.ofType(proto.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected offer at B, got %v", fb.types())
	}
	p := decode[proto.SignalPayload](t, offers[0])
	if p.From != "A" || offers[0].From != "A" {
		t.Errorf("offer from = %q / %q", p.From, offers[0].From)
	}
	if string(p.Data) != `{"sdp":"x"}` {
		t.Errorf("data = %s", p.Data)
	}

	// Absent target: dropped silently.
	do(t, h, a, proto.TypeIceCandidate, proto.SignalPayload{Target: "nobody", Data: []byte(`{}`)})
	if len(fa.types()) != 0 {
		t.Errorf("sender got %v for an absent target", fa.types())
	}
}

func TestScreenshotOwnership(t *testing.T) {
	h, _ := newTestHub(t)
	a, fa := joinAs(t, h, "A", "Alice")
	b, fb := joinAs(t, h, "B", "Bob")
	fa.reset()
	fb.reset()

	do(t, h, a, proto.TypeAddScreenshot, proto.ScreenshotPayload{Screenshot: model.Screenshot{ImageRef: "/blobs/1.png"}})
	added := fb.ofType(proto.TypeScreenshotAdded)
	if len(added) != 1 || len(fa.ofType(proto.TypeScreenshotAdded)) != 1 {
		t.Fatalf("screenshot_added not broadcast to all: A=%v B=%v", fa.types(), fb.types())
	}
	shot := decode[proto.ScreenshotPayload](t, added[0]).Screenshot
	if shot.ID == "" || shot.ParticipantID != "A" || shot.ParticipantName != "Alice" || shot.Timestamp == 0 {
		t.Errorf("server did not fill screenshot: %+v", shot)
	}

	do(t, h, b, proto.TypeRemoveScreenshot, proto.ScreenshotRefPayload{ScreenshotID: shot.ID})
	denied := fb.ofType(proto.TypeScreenshotDenied)
	if len(denied) != 1 {
		t.Fatalf("expected screenshot_denied, got %v", fb.types())
	}
	if p := decode[proto.ErrorPayload](t, denied[0]); p.Code != proto.CodeNotOwner {
		t.Errorf("code = %q", p.Code)
	}
	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if len(snap.Screenshots) != 1 {
		t.Fatalf("denied removal changed state: %d screenshots", len(snap.Screenshots))
	}

	do(t, h, a, proto.TypeRemoveScreenshot, proto.ScreenshotRefPayload{ScreenshotID: shot.ID})
	if len(fb.ofType(proto.TypeScreenshotRemoved)) != 1 {
		t.Errorf("expected screenshot_removed at B, got %v", fb.types())
	}
}

func TestMalformedScreenshareIsRejected(t *testing.T) {
	h, _ := newTestHub(t)
	a, fa := joinAs(t, h, "A", "Alice")
	_, fb := joinAs(t, h, "B", "Bob")
	fa.reset()
	fb.reset()

	bad := proto.Message{Type: proto.TypeScreenshareStarted, Session: "AB12CD", Payload: []byte(`"not an object"`)}
	h.dispatch(context.Background(), a, bad)
	errs := fa.ofType(proto.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected error for the sender, got %v", fa.types())
	}
	if p := decode[proto.ErrorPayload](t, errs[0]); p.Code != proto.CodeBadRequest {
		t.Errorf("code = %q", p.Code)
	}
	if len(fb.types()) != 0 {
		t.Errorf("malformed screenshare relayed: %v", fb.types())
	}

	do(t, h, a, proto.TypeScreenshareStarted, proto.ScreensharePayload{StreamID: "s1"})
	if got := fb.ofType(proto.TypeScreenshareStarted); len(got) != 1 {
		t.Errorf("valid screenshare not relayed: %v", fb.types())
	}
}

func TestMessagesBeforeJoinAreRejected(t *testing.T) {
	h, _ := newTestHub(t)
	c, f := connect(h, "a")
	do(t, h, c, proto.TypeLockField, proto.FieldPayload{FieldID: "name"})

	errs := f.ofType(proto.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected error, got %v", f.types())
	}
	if p := decode[proto.ErrorPayload](t, errs[0]); p.Code != proto.CodeNotJoined {
		t.Errorf("code = %q", p.Code)
	}
}

func TestRejoinReplacesConnection(t *testing.T) {
	h, _ := newTestHub(t)
	old, _ := joinAs(t, h, "A", "Alice")
	_, _ = joinAs(t, h, "A", "Alice")
	_, fb := joinAs(t, h, "B", "Bob")
	fb.reset()

	// The stale connection going away must not evict the live one.
	old.room.disconnect(old)
	if len(fb.ofType(proto.TypeParticipantLeft)) != 0 {
		t.Errorf("stale disconnect removed A: %v", fb.types())
	}
	snap, _ := h.Snapshot(context.Background(), "AB12CD")
	if len(snap.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(snap.Participants))
	}
}

func TestSweepReleasesStaleLocks(t *testing.T) {
	h, _ := newTestHub(t)
	_, fa := joinAs(t, h, "A", "Alice")
	fa.reset()

	r := h.rooms["AB12CD"]
	r.mu.Lock()
	r.session.FieldLocks["email"] = "ghost"
	r.mu.Unlock()

	h.Sweep()

	unlocked := fa.ofType(proto.TypeFieldUnlocked)
	if len(unlocked) != 1 {
		t.Fatalf("expected field_unlocked, got %v", fa.types())
	}
	if p := decode[proto.FieldPayload](t, unlocked[0]); p.FieldID != "email" {
		t.Errorf("released %q", p.FieldID)
	}
}

func TestIdleRoomIsEvicted(t *testing.T) {
	h, repo := newTestHub(t)
	a, _ := joinAs(t, h, "A", "Alice")
	do(t, h, a, proto.TypeUpdateField, proto.UpdatePayload{FieldID: "name", Value: "x"})
	a.room.disconnect(a)

	start := time.Now()
	h.now = func() time.Time { return start.Add(time.Hour) }
	h.Sweep()

	if len(h.Rooms()) != 0 {
		t.Fatalf("rooms = %v, want none", h.Rooms())
	}
	h.saves.flush(context.Background())
	s, err := repo.FindSession(context.Background(), "AB12CD")
	if err != nil {
		t.Fatal(err)
	}
	if s.FieldData["name"] != "x" {
		t.Errorf("evicted room was not persisted: %v", s.FieldData)
	}
}

func TestSaveQueueCoalesces(t *testing.T) {
	repo := newFakeRepo()
	q := newSaveQueue(repo, 8)
	s := testSession()
	for i := 0; i < 5; i++ {
		s.SetValue("name", i)
		q.push(s.Clone())
	}
	q.flush(context.Background())

	if repo.saves != 1 {
		t.Errorf("saves = %d, want 1", repo.saves)
	}
	if got := repo.sessions["AB12CD"].FieldData["name"]; got != 4 {
		t.Errorf("saved value = %v, want latest", got)
	}
}
