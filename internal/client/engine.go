package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/formsync/internal/call"
	"github.com/petervdpas/formsync/internal/localsync"
	"github.com/petervdpas/formsync/internal/model"
	"github.com/petervdpas/formsync/internal/proto"
	"github.com/petervdpas/formsync/internal/state"
)

const noticeBuffer = 64

// SessionCreator recreates a session the server does not know. *API
// satisfies it.
type SessionCreator interface {
	CreateSession(ctx context.Context, s model.Session) error
}

type Options struct {
	Self model.Participant
	Dial Dialer

	// Creator is used when a join is answered with not_found. Nil disables
	// recreation.
	Creator SessionCreator
	// Backend carries the fallback blob and the saved form. Defaults to an
	// in-process memory backend.
	Backend localsync.Backend
	Media   call.MediaSource
	Peers   call.PeerFactory

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Sync              localsync.Options
	Call              call.Options
}

// Engine owns one participant's view of one session at a time. Every state
// change runs on its Loop; the public methods hand work to the loop and
// wait for it.
type Engine struct {
	opts    Options
	store   *state.Store[State]
	loop    *state.Loop
	syncer  *localsync.Syncer
	calls   *call.Manager
	notices chan Notice

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	connected atomic.Bool

	// loop-owned
	tr          Transport
	gen         int
	dialing     bool
	lostNotice  bool
	pending     map[string]any
	createTried bool
}

func New(opts Options) *Engine {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.Backend == nil {
		opts.Backend = localsync.NewMemoryBackend()
	}
	if opts.Media == nil {
		opts.Media = call.NoMedia{}
	}
	if opts.Peers == nil {
		opts.Peers = &call.PionFactory{}
	}
	if opts.Self.JoinedAt == 0 {
		opts.Self.JoinedAt = time.Now().UnixMilli()
	}

	e := &Engine{
		opts:    opts,
		store:   state.NewStore(State{Mode: ModeIdle, Self: opts.Self}),
		loop:    state.NewLoop(),
		notices: make(chan Notice, noticeBuffer),
		pending: map[string]any{},
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.syncer = localsync.New(opts.Backend, e.loop, &fallbackHost{e: e}, opts.Sync)
	e.calls = call.New(opts.Self.ID, &signaler{e: e}, opts.Media, opts.Peers, opts.Call)
	e.calls.OnFailure(func(remote string, err error) {
		e.loop.Post(func() {
			e.notify(Notice{Kind: NoticeCallFailed, Participant: remote, Text: err.Error()})
		})
	})
	return e
}

// Start runs the engine's loop until ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go func() {
			select {
			case <-ctx.Done():
				e.cancel()
			case <-e.ctx.Done():
			}
		}()
		go e.loop.Run(e.ctx)
	})
}

// Store exposes the observable state for subscriptions.
func (e *Engine) Store() *state.Store[State] { return e.store }

func (e *Engine) State() State { return e.store.Get() }

// Notices delivers transient user-facing messages.
func (e *Engine) Notices() <-chan Notice { return e.notices }

func (e *Engine) Calls() *call.Manager { return e.calls }

// Join switches the engine to sessionID. Local sync starts immediately and
// a saved copy of the form is loaded if one exists, so editing works before
// the server answers. The join itself is sent as soon as a connection is up.
func (e *Engine) Join(ctx context.Context, sessionID string) error {
	id := model.NormalizeSessionID(sessionID)
	if !model.ValidSessionID(id) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	saved, err := e.opts.Backend.LoadForm(ctx, id)
	hasSaved := err == nil
	if err != nil && !errors.Is(err, localsync.ErrFormNotFound) {
		log.Printf("CLIENT: load saved form %s: %v", id, err)
	}

	if err := e.loop.Do(ctx, func() {
		sess := model.NewSession(id, "", "", nil)
		if hasSaved {
			sess = saved.Session.Clone()
			sess.ID = id
			sess.Participants = []model.Participant{}
			sess.FieldLocks = map[string]string{}
			sess.Call = nil
		}
		sess.AddParticipant(e.opts.Self)

		e.pending = map[string]any{}
		if hasSaved {
			for f, v := range saved.Pending {
				e.pending[f] = v
			}
		}
		e.createTried = false
		e.store.SetState(func(s State) State {
			s.Mode = ModeConnecting
			s.Session = sess
			s.Err = ""
			return s
		})

		switch {
		case e.tr != nil:
			e.sendJoin()
		case !e.dialing:
			e.connect()
		}
	}); err != nil {
		return err
	}

	e.syncer.Start(e.ctx, id)
	log.Printf("CLIENT: joining %s as %s (saved form: %v)", id, e.opts.Self.Name, hasSaved)
	return nil
}

// Leave ends the call, stops local sync and leaves the session. The
// connection is closed.
func (e *Engine) Leave(ctx context.Context) error {
	e.calls.End()
	e.syncer.Stop()
	return e.loop.Do(ctx, func() {
		s := e.store.Get()
		if s.Mode == ModeIdle || s.Mode == ModeLeft {
			return
		}
		if e.tr != nil {
			_ = e.send(proto.TypeLeave, nil)
		}
		e.saveForm(s.Session)
		e.dropTransport()
		e.store.SetState(func(s State) State {
			s.Mode = ModeLeft
			return s
		})
		log.Printf("CLIENT: left %s", s.Session.ID)
	})
}

// Reconnect starts a new connection attempt if none is up or in progress.
func (e *Engine) Reconnect() {
	e.loop.Post(func() {
		if e.tr == nil && !e.dialing {
			e.connect()
		}
	})
}

// Close leaves the session and stops the engine.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := e.Leave(ctx)
	e.cancel()
	e.loop.Close()
	return err
}

// ── Connection ───────────────────────────────────────────────────────────────

// connect dials in the background. Runs on the loop.
func (e *Engine) connect() {
	if e.opts.Dial == nil {
		e.onDialFailed(errors.New("no dialer configured"))
		return
	}
	e.dialing = true
	attempts, delay := e.opts.ReconnectAttempts, e.opts.ReconnectDelay
	ctx := e.ctx

	go func() {
		var lastErr error
		for i := 1; i <= attempts; i++ {
			tr, err := e.opts.Dial(ctx)
			if err == nil {
				if !e.loop.Post(func() { e.onConnected(tr) }) {
					tr.Close()
				}
				return
			}
			lastErr = err
			log.Printf("CLIENT: connect attempt %d/%d: %v", i, attempts, err)
			if i == attempts {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		e.loop.Post(func() { e.onDialFailed(lastErr) })
	}()
}

func (e *Engine) onConnected(tr Transport) {
	e.dialing = false
	if e.ctx.Err() != nil || e.store.Get().Mode == ModeLeft {
		tr.Close()
		return
	}
	e.gen++
	e.tr = tr
	e.connected.Store(true)
	go e.read(e.gen, tr)

	if e.lostNotice {
		e.lostNotice = false
		e.notify(Notice{Kind: NoticeReconnected, Text: "connection restored"})
	}
	if e.store.Get().Session.ID != "" {
		e.sendJoin()
	}
	log.Printf("CLIENT: connected")
}

func (e *Engine) onDialFailed(err error) {
	e.dialing = false
	if e.store.Get().Mode == ModeLeft {
		return
	}
	cause := fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	e.store.SetState(func(s State) State {
		s.Mode = ModeOffline
		s.Err = cause.Error()
		return s
	})
	e.notify(Notice{Kind: NoticeOffline, Text: "working offline"})
	log.Printf("CLIENT: %v", cause)
}

func (e *Engine) read(gen int, tr Transport) {
	for {
		msg, err := tr.Receive()
		if err != nil {
			e.loop.Post(func() { e.onDisconnected(gen, err) })
			return
		}
		e.loop.Post(func() {
			if gen == e.gen {
				e.handle(msg)
			}
		})
	}
}

func (e *Engine) onDisconnected(gen int, err error) {
	if gen != e.gen || e.tr == nil {
		return
	}
	e.dropTransport()
	if e.store.Get().Mode == ModeLeft || e.ctx.Err() != nil {
		return
	}
	log.Printf("CLIENT: connection lost: %v", err)
	e.store.SetState(func(s State) State {
		s.Mode = ModeOffline
		return s
	})
	e.lostNotice = true
	e.notify(Notice{Kind: NoticeConnectionLost, Text: "connection lost, changes are kept locally"})
	e.connect()
}

// dropTransport forgets the current connection. Its reader's events are
// ignored from here on.
func (e *Engine) dropTransport() {
	if e.tr != nil {
		e.tr.Close()
	}
	e.tr = nil
	e.gen++
	e.connected.Store(false)
}

// ── Sending ──────────────────────────────────────────────────────────────────

func (e *Engine) online() bool {
	return e.tr != nil && e.store.Get().Mode == ModeOnline
}

func (e *Engine) send(typ string, payload any) error {
	if e.tr == nil {
		return model.ErrTransportUnavailable
	}
	msg, err := proto.New(typ, e.store.Get().Session.ID, payload)
	if err != nil {
		return err
	}
	if err := e.tr.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransportUnavailable, err)
	}
	return nil
}

func (e *Engine) sendJoin() {
	s := e.store.Get()
	err := e.send(proto.TypeJoin, proto.JoinPayload{
		SessionID:     s.Session.ID,
		ParticipantID: s.Self.ID,
		Name:          s.Self.Name,
		Color:         s.Self.Color,
	})
	if err != nil {
		log.Printf("CLIENT: send join: %v", err)
	}
}

func (e *Engine) notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case e.notices <- n:
	default:
	}
}

// saveForm stores the offline copy of the session in the background.
func (e *Engine) saveForm(s model.Session) {
	if s.ID == "" {
		return
	}
	s = s.Clone()
	form := localsync.SavedForm{Session: s, LastSaved: time.Now().UnixMilli()}
	if len(e.pending) > 0 {
		form.Pending = maps.Clone(e.pending)
	}
	backend := e.opts.Backend
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.SaveForm(ctx, s.ID, form); err != nil {
			log.Printf("CLIENT: save form %s: %v", s.ID, err)
		}
	}()
}

// update applies fn to a private copy of the session.
func (e *Engine) update(fn func(*model.Session)) {
	e.store.SetState(func(s State) State {
		sess := s.Session.Clone()
		fn(&sess)
		s.Session = sess
		return s
	})
}
