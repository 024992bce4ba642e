package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/formsync/internal/call"
	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
	"github.com/petervdpas/formsync/internal/room"
	"github.com/petervdpas/formsync/internal/storage"
)

// ── In-process transport ─────────────────────────────────────────────────────

type pipeEnd struct {
	id   string
	in   <-chan proto.Message
	out  chan<- proto.Message
	done chan struct{}
	once *sync.Once
}

func newPipe() (clientEnd, serverEnd *pipeEnd) {
	up := make(chan proto.Message, 256)
	down := make(chan proto.Message, 256)
	done := make(chan struct{})
	once := &sync.Once{}
	clientEnd = &pipeEnd{id: uuid.NewString(), in: down, out: up, done: done, once: once}
	serverEnd = &pipeEnd{id: uuid.NewString(), in: up, out: down, done: done, once: once}
	return clientEnd, serverEnd
}

func (p *pipeEnd) ID() string { return p.id }

func (p *pipeEnd) Send(m proto.Message) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Receive() (proto.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return proto.Message{}, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type testServer struct {
	hub  *room.Hub
	repo *storage.Memory
	ctx  context.Context
	down atomic.Bool

	mu    sync.Mutex
	conns []*pipeEnd
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := storage.NewMemory()
	fields := []model.Field{
		{ID: "name", Type: "text", Label: "Name"},
		{ID: "email", Type: "email", Label: "Email"},
	}
	if err := repo.CreateSession(context.Background(), model.NewSession("AB12CD", "Feedback", "", fields)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &testServer{hub: room.NewHub(repo, room.Options{}), repo: repo, ctx: ctx}
	t.Cleanup(func() {
		cancel()
		s.hub.Close()
	})
	return s
}

func (s *testServer) dial(ctx context.Context) (Transport, error) {
	if s.down.Load() {
		return nil, errors.New("connection refused")
	}
	cli, srv := newPipe()
	s.mu.Lock()
	s.conns = append(s.conns, srv)
	s.mu.Unlock()
	go s.hub.ServeStream(s.ctx, srv, nil)
	return cli, nil
}

// dropAll cuts every open connection.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// ── Call stubs ───────────────────────────────────────────────────────────────

type stubPeer struct {
	mu        sync.Mutex
	signaling webrtc.SignalingState
}

func (p *stubPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *stubPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *stubPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer {
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer {
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *stubPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *stubPeer) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (p *stubPeer) OnICECandidate(func(webrtc.ICECandidateInit))           {}
func (p *stubPeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (p *stubPeer) SetTrack(webrtc.RTPCodecType, webrtc.TrackLocal) error   { return nil }
func (p *stubPeer) Stats() call.TrackStats                                 { return call.TrackStats{} }
func (p *stubPeer) Close() error                                           { return nil }

type stubPeers struct{}

func (stubPeers) NewPeer(string, *call.LocalMedia) (call.PeerConn, error) {
	return &stubPeer{signaling: webrtc.SignalingStateStable}, nil
}

type creatorFunc func(ctx context.Context, s model.Session) error

func (f creatorFunc) CreateSession(ctx context.Context, s model.Session) error { return f(ctx, s) }

// ── Helpers ──────────────────────────────────────────────────────────────────

func newEngine(t *testing.T, dial Dialer, id string, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Self:              model.Participant{ID: id, Name: "User " + id, Color: "#3b82f6"},
		Dial:              dial,
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
		Sync:              localsync.Options{Interval: 20 * time.Millisecond},
		Peers:             stubPeers{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func joinOnline(t *testing.T, e *Engine, id string) {
	t.Helper()
	if err := e.Join(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.State().Self.ID+" online", func() bool { return e.State().Mode == ModeOnline })
}

func hasNotice(e *Engine, kind NoticeKind) bool {
	for {
		select {
		case n := <-e.Notices():
			if n.Kind == kind {
				return true
			}
		default:
			return false
		}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestJoinReceivesSnapshot(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)

	joinOnline(t, a, "ab12cd")

	s := a.State()
	if s.Session.ID != "AB12CD" || s.Session.Title != "Feedback" || len(s.Session.Fields) != 2 {
		t.Fatalf("session = %+v", s.Session)
	}
	if _, ok := s.Session.Participant("A"); !ok {
		t.Error("self missing from participants")
	}
	if err := a.Join(context.Background(), "bad id"); err == nil {
		t.Error("expected invalid id error")
	}
}

func TestLockDenyUnlockRelock(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	b := newEngine(t, srv.dial, "B", nil)
	joinOnline(t, a, "AB12CD")
	joinOnline(t, b, "AB12CD")
	ctx := context.Background()

	if err := a.LockField(ctx, "email"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B sees A's lock", func() bool {
		owner, ok := b.State().LockOwner("email")
		return ok && owner == "A"
	})

	err := b.LockField(ctx, "email")
	var denied *model.LockDeniedError
	if !errors.As(err, &denied) || denied.OwnedBy != "A" {
		t.Fatalf("B lock: err = %v", err)
	}
	if !errors.Is(err, model.ErrLockDenied) {
		t.Error("denial should match ErrLockDenied")
	}

	// Re-locking an owned field is granted again.
	if err := a.LockField(ctx, "email"); err != nil {
		t.Fatalf("relock: %v", err)
	}

	if err := a.UnlockField(ctx, "email"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B sees unlock", func() bool {
		_, ok := b.State().LockOwner("email")
		return !ok
	})
	if err := b.LockField(ctx, "email"); err != nil {
		t.Fatalf("B lock after unlock: %v", err)
	}
	waitFor(t, "A sees B's lock", func() bool {
		owner, ok := a.State().LockOwner("email")
		return ok && owner == "B"
	})
}

func TestFieldUpdatesPropagate(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	b := newEngine(t, srv.dial, "B", nil)
	joinOnline(t, a, "AB12CD")
	joinOnline(t, b, "AB12CD")

	if err := a.SetField(context.Background(), "email", "x@y.com"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B receives the value", func() bool { return b.State().Value("email") == "x@y.com" })
	waitFor(t, "server stores the value", func() bool {
		s, err := srv.hub.Snapshot(context.Background(), "AB12CD")
		return err == nil && s.FieldData["email"] == "x@y.com"
	})
}

func TestLockedFieldKeepsLocalValue(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	b := newEngine(t, srv.dial, "B", nil)
	joinOnline(t, a, "AB12CD")
	joinOnline(t, b, "AB12CD")
	ctx := context.Background()

	if err := a.LockField(ctx, "name"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetField(ctx, "name", "typing"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B sees A's value", func() bool { return b.State().Value("name") == "typing" })

	// Updates do not require the lock; A keeps its own value regardless.
	if err := b.SetField(ctx, "name", "intruder"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server has B's write", func() bool {
		s, _ := srv.hub.Snapshot(ctx, "AB12CD")
		return s.FieldData["name"] == "intruder"
	})
	time.Sleep(50 * time.Millisecond)
	if got := a.State().Value("name"); got != "typing" {
		t.Fatalf("A's locked field was overwritten: %v", got)
	}
}

func TestUnknownSessionRecreatedFromSavedForm(t *testing.T) {
	srv := newTestServer(t)
	backend := localsync.NewMemoryBackend()
	saved := model.NewSession("ZZ9999", "Saved form", "", []model.Field{{ID: "q1", Type: "text", Label: "Q1"}})
	saved.SetValue("q1", "draft")
	if err := backend.SaveForm(context.Background(), "ZZ9999", localsync.SavedForm{Session: saved}); err != nil {
		t.Fatal(err)
	}

	// Creates the way POST /api/v1/sessions does: definition only, no values.
	var created atomic.Int32
	creator := creatorFunc(func(ctx context.Context, s model.Session) error {
		created.Add(1)
		return srv.repo.CreateSession(ctx, model.NewSession(s.ID, s.Title, s.Description, s.Fields))
	})
	a := newEngine(t, srv.dial, "A", func(o *Options) {
		o.Backend = backend
		o.Creator = creator
	})

	if err := a.Join(context.Background(), "ZZ9999"); err != nil {
		t.Fatal(err)
	}
	if got := a.State().Session.Title; got != "Saved form" {
		t.Errorf("saved form not loaded before connect, title = %q", got)
	}
	waitFor(t, "online after recreate", func() bool { return a.State().Mode == ModeOnline })
	if created.Load() != 1 {
		t.Errorf("created %d times", created.Load())
	}
	s := a.State().Session
	if s.Title != "Saved form" || len(s.Fields) != 1 {
		t.Errorf("session after rejoin = %+v", s)
	}
	if got := s.FieldData["q1"]; got != "draft" {
		t.Errorf("local q1 after snapshot = %v, want draft", got)
	}
	waitFor(t, "draft on the server", func() bool {
		sess, err := srv.hub.Snapshot(context.Background(), "ZZ9999")
		return err == nil && sess.FieldData["q1"] == "draft"
	})
}

func TestSavedPendingEditsAreResentAfterRestart(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	sess, err := srv.repo.FindSession(ctx, "AB12CD")
	if err != nil {
		t.Fatal(err)
	}
	sess.SetValue("name", "server")
	if err := srv.repo.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// A previous run edited name while offline and left before reconnecting.
	backend := localsync.NewMemoryBackend()
	saved := sess.Clone()
	saved.SetValue("name", "offline")
	form := localsync.SavedForm{Session: saved, Pending: map[string]any{"name": "offline"}}
	if err := backend.SaveForm(ctx, "AB12CD", form); err != nil {
		t.Fatal(err)
	}

	a := newEngine(t, srv.dial, "A", func(o *Options) { o.Backend = backend })
	joinOnline(t, a, "AB12CD")
	if got := a.State().Session.FieldData["name"]; got != "offline" {
		t.Errorf("local name = %v, want offline", got)
	}
	waitFor(t, "offline edit on the server", func() bool {
		s, err := srv.hub.Snapshot(ctx, "AB12CD")
		return err == nil && s.FieldData["name"] == "offline"
	})
}

func TestUnknownSessionWithoutSavedFormLeaves(t *testing.T) {
	srv := newTestServer(t)
	creator := creatorFunc(func(ctx context.Context, s model.Session) error {
		return errors.New("should not be called")
	})
	a := newEngine(t, srv.dial, "A", func(o *Options) { o.Creator = creator })

	if err := a.Join(context.Background(), "NOPE00"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "left", func() bool { return a.State().Mode == ModeLeft })
	if a.State().Err != model.ErrSessionNotFound.Error() {
		t.Errorf("err = %q", a.State().Err)
	}
	waitFor(t, "not-found notice", func() bool { return hasNotice(a, NoticeSessionNotFound) })
}

func TestOfflineEditsAreResentOnReconnect(t *testing.T) {
	srv := newTestServer(t)
	srv.down.Store(true)
	a := newEngine(t, srv.dial, "A", func(o *Options) { o.ReconnectAttempts = 1 })
	ctx := context.Background()

	if err := a.Join(ctx, "AB12CD"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offline", func() bool { return a.State().Mode == ModeOffline })
	if !strings.Contains(a.State().Err, model.ErrTransportUnavailable.Error()) {
		t.Errorf("err = %q", a.State().Err)
	}

	if err := a.SetField(ctx, "email", "offline@example.com"); err != nil {
		t.Fatal(err)
	}
	if got := a.State().Value("email"); got != "offline@example.com" {
		t.Fatalf("local value = %v", got)
	}

	srv.down.Store(false)
	a.Reconnect()
	waitFor(t, "online", func() bool { return a.State().Mode == ModeOnline })
	if got := a.State().Value("email"); got != "offline@example.com" {
		t.Errorf("snapshot clobbered the offline edit: %v", got)
	}
	waitFor(t, "server receives offline edit", func() bool {
		s, _ := srv.hub.Snapshot(ctx, "AB12CD")
		return s.FieldData["email"] == "offline@example.com"
	})
}

func TestConnectionLossReconnects(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	joinOnline(t, a, "AB12CD")

	srv.dropAll()
	waitFor(t, "connection lost notice", func() bool { return hasNotice(a, NoticeConnectionLost) })
	waitFor(t, "back online", func() bool { return a.State().Mode == ModeOnline })
	waitFor(t, "server sees A again", func() bool {
		s, _ := srv.hub.Snapshot(context.Background(), "AB12CD")
		_, ok := s.Participant("A")
		return ok
	})
}

func TestFallbackConvergesWithoutServer(t *testing.T) {
	hub := localsync.NewMemoryHub()
	refuse := func(context.Context) (Transport, error) { return nil, errors.New("no server") }
	a := newEngine(t, refuse, "A", func(o *Options) { o.Backend = hub.Backend(); o.ReconnectAttempts = 1 })
	b := newEngine(t, refuse, "B", func(o *Options) { o.Backend = hub.Backend(); o.ReconnectAttempts = 1 })
	ctx := context.Background()

	for _, e := range []*Engine{a, b} {
		if err := e.Join(ctx, "FB0001"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "offline", func() bool { return e.State().Mode == ModeOffline })
	}

	if err := a.SetField(ctx, "name", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetField(ctx, "email", "bob@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := a.LockField(ctx, "name"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both instances converge", func() bool {
		sa, sb := a.State(), b.State()
		owner, locked := sb.LockOwner("name")
		return sa.Value("email") == "bob@example.com" && sb.Value("name") == "Alice" &&
			locked && owner == "A" && len(sa.Session.Participants) == 2 && len(sb.Session.Participants) == 2
	})

	if err := b.LockField(ctx, "name"); !errors.Is(err, model.ErrLockDenied) {
		t.Fatalf("B lock on A's field: err = %v", err)
	}
}

func TestCallSignalingThroughServer(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	b := newEngine(t, srv.dial, "B", nil)
	joinOnline(t, a, "AB12CD")
	joinOnline(t, b, "AB12CD")
	ctx := context.Background()

	if err := a.StartCall(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.Calls().Reduced() {
		t.Error("call without devices should run reduced")
	}
	// A offers to everyone present, so B is pulled into the call by the
	// offer alone.
	waitFor(t, "B answers and joins the call", func() bool {
		c := b.State().Session.Call
		return b.Calls().Active() && c.Has("A") && c.Has("B")
	})
	waitFor(t, "server call record has both", func() bool {
		s, _ := srv.hub.Snapshot(ctx, "AB12CD")
		return s.Call.Has("A") && s.Call.Has("B")
	})
	if err := b.StartCall(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer and answer exchanged", func() bool {
		as, bs := a.Calls().Status(), b.Calls().Status()
		return len(as) == 1 && as[0].Remote == "B" && as[0].RemoteSet &&
			len(bs) == 1 && bs[0].Remote == "A" && bs[0].RemoteSet
	})

	if err := a.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "call shrinks to B", func() bool {
		c := b.State().Session.Call
		return c != nil && len(c.Participants) == 1 && c.Participants[0] == "B"
	})
	waitFor(t, "B drops the peer", func() bool { return len(b.Calls().Status()) == 0 })

	if err := b.LeaveCall(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "call record cleared", func() bool {
		s, _ := srv.hub.Snapshot(ctx, "AB12CD")
		return s.Call == nil
	})
}

func TestScreenshotsRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	a := newEngine(t, srv.dial, "A", nil)
	b := newEngine(t, srv.dial, "B", nil)
	joinOnline(t, a, "AB12CD")
	joinOnline(t, b, "AB12CD")
	ctx := context.Background()

	shot, err := a.AddScreenshot(ctx, "/blobs/x.png")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B sees screenshot", func() bool {
		ss := b.State().Session.Screenshots
		return len(ss) == 1 && ss[0].ID == shot.ID
	})
	if n := len(a.State().Session.Screenshots); n != 1 {
		t.Errorf("A has %d screenshots, echo should not duplicate", n)
	}

	if err := b.RemoveScreenshot(ctx, shot.ID); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("B removing A's screenshot: err = %v", err)
	}
	if err := a.RemoveScreenshot(ctx, shot.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B sees removal", func() bool { return len(b.State().Session.Screenshots) == 0 })
}
