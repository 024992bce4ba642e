// Package call coordinates the media mesh for a session call using Pion.
// Coupling to the rest of formsync is through Signaler, MediaSource and
// PeerFactory only.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/formsync/internal/model"
)

type Options struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Manager owns one Peer per remote call participant while a call is active.
type Manager struct {
	self    string
	sig     Signaler
	media   MediaSource
	factory PeerFactory
	opts    Options

	mu       sync.Mutex
	active   bool
	reduced  bool
	local    *LocalMedia
	peers    map[string]*Peer
	early    map[string][]webrtc.ICECandidateInit
	attempts map[string]int
	retries  map[string]*time.Timer
	audioOn  bool
	videoOn  bool

	onFailure func(remote string, err error)
	onState   func(remote string, state webrtc.PeerConnectionState)
}

func New(self string, sig Signaler, media MediaSource, factory PeerFactory, opts Options) *Manager {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &Manager{
		self:     self,
		sig:      sig,
		media:    media,
		factory:  factory,
		opts:     opts,
		peers:    map[string]*Peer{},
		early:    map[string][]webrtc.ICECandidateInit{},
		attempts: map[string]int{},
		retries:  map[string]*time.Timer{},
	}
}

// OnFailure registers the callback fired when a peer exhausts its retries.
// The error wraps model.ErrPeerNegotiationFailed.
func (m *Manager) OnFailure(fn func(remote string, err error)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// OnStateChange registers a callback for peer connection state changes.
func (m *Manager) OnStateChange(fn func(remote string, state webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// SetSelf changes the local participant id. Only valid while no call is
// active.
func (m *Manager) SetSelf(id string) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
}

// acquireTimeout bounds media acquisition when a call is joined from an
// incoming offer.
const acquireTimeout = 10 * time.Second

// Start acquires local media and offers to every participant in others.
// Missing devices put the call in reduced, receive-only mode.
func (m *Manager) Start(ctx context.Context, others []string) error {
	if err := m.activate(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	log.Printf("CALL: offering to %d remote participant(s)", len(others))
	for _, remote := range others {
		if remote == self {
			continue
		}
		m.Connect(remote)
	}
	return nil
}

// activate marks the call running with local media. It is a no-op when the
// call is already active.
func (m *Manager) activate(ctx context.Context) error {
	if m.Active() {
		return nil
	}

	local, err := m.media.Acquire(ctx, true, true)
	reduced := false
	if err != nil {
		if !errors.Is(err, model.ErrMediaUnavailable) {
			return fmt.Errorf("acquire media: %w", err)
		}
		log.Printf("CALL: no local media, continuing receive-only: %v", err)
		local = &LocalMedia{}
		reduced = true
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		local.Close()
		return nil
	}
	m.active = true
	m.reduced = reduced
	m.local = local
	m.audioOn = local.Track(webrtc.RTPCodecTypeAudio) != nil
	m.videoOn = local.Track(webrtc.RTPCodecTypeVideo) != nil
	m.mu.Unlock()

	log.Printf("CALL: started with %d local track(s)", len(local.Tracks))
	return nil
}

// Active reports whether a call is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Reduced reports whether the call runs without local media.
func (m *Manager) Reduced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reduced
}

// Connect creates a peer for remote and sends it an offer. It is a no-op
// while a connection to remote is up or being negotiated.
func (m *Manager) Connect(remote string) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	if p, ok := m.peers[remote]; ok {
		if p.busy() {
			m.mu.Unlock()
			return
		}
		m.dropLocked(remote)
	}
	p, err := m.newPeerLocked(remote)
	m.mu.Unlock()
	if err != nil {
		m.retry(remote, err)
		return
	}

	offer, err := p.pc.CreateOffer()
	if err == nil {
		err = p.pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = m.send(SignalOffer, remote, offer)
	}
	if err != nil {
		log.Printf("CALL [%s]: offer: %v", remote, err)
		m.retry(remote, err)
		return
	}
	log.Printf("CALL [%s]: offer sent", remote)
}

// HandleSignal processes a negotiation message forwarded by the server. An
// offer that arrives with no call running starts one and is answered.
// Candidates are kept even then, since they may trail an offer.
func (m *Manager) HandleSignal(typ, from string, data json.RawMessage) {
	switch typ {
	case SignalOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil {
			log.Printf("CALL [%s]: bad offer: %v", from, err)
			return
		}
		if !m.Active() {
			ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
			err := m.activate(ctx)
			cancel()
			if err != nil {
				log.Printf("CALL [%s]: cannot answer offer: %v", from, err)
				return
			}
			log.Printf("CALL [%s]: call started by incoming offer", from)
		}
		m.handleOffer(from, desc)
	case SignalAnswer:
		if !m.Active() {
			log.Printf("CALL [%s]: answer ignored, no active call", from)
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(data, &desc); err != nil {
			log.Printf("CALL [%s]: bad answer: %v", from, err)
			return
		}
		m.handleAnswer(from, desc)
	case SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(data, &c); err != nil {
			log.Printf("CALL [%s]: bad candidate: %v", from, err)
			return
		}
		m.handleCandidate(from, c)
	}
}

func (m *Manager) handleOffer(from string, desc webrtc.SessionDescription) {
	m.mu.Lock()
	p, ok := m.peers[from]
	if ok && !p.busy() {
		m.dropLocked(from)
		ok = false
	}
	if !ok {
		var err error
		if p, err = m.newPeerLocked(from); err != nil {
			m.mu.Unlock()
			log.Printf("CALL [%s]: create peer for offer: %v", from, err)
			return
		}
	}
	m.mu.Unlock()

	if err := p.setRemote(desc); err != nil {
		log.Printf("CALL [%s]: apply offer: %v", from, err)
		return
	}
	answer, err := p.pc.CreateAnswer()
	if err == nil {
		err = p.pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = m.send(SignalAnswer, from, answer)
	}
	if err != nil {
		log.Printf("CALL [%s]: answer: %v", from, err)
		return
	}
	log.Printf("CALL [%s]: answer sent", from)
}

// handleAnswer applies an answer only while we are waiting for one.
func (m *Manager) handleAnswer(from string, desc webrtc.SessionDescription) {
	m.mu.Lock()
	p := m.peers[from]
	m.mu.Unlock()
	if p == nil {
		log.Printf("CALL [%s]: answer for unknown peer", from)
		return
	}
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("CALL [%s]: answer ignored in signaling state %s", from, st)
		return
	}
	if err := p.setRemote(desc); err != nil {
		log.Printf("CALL [%s]: apply answer: %v", from, err)
		m.retry(from, err)
	}
}

func (m *Manager) handleCandidate(from string, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	p := m.peers[from]
	if p == nil {
		if len(m.early[from]) < maxEarlyCandidates {
			m.early[from] = append(m.early[from], c)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	p.addCandidate(c)
}

// maxEarlyCandidates caps the candidates held for a remote that has no peer
// yet.
const maxEarlyCandidates = 64

// newPeerLocked creates and registers a peer for remote. Candidates that
// arrived before the peer existed are moved into its buffer.
func (m *Manager) newPeerLocked(remote string) (*Peer, error) {
	pc, err := m.factory.NewPeer(remote, m.local)
	if err != nil {
		return nil, fmt.Errorf("new peer: %w", err)
	}
	p := newPeer(remote, pc)
	p.pending = append(p.pending, m.early[remote]...)
	delete(m.early, remote)
	m.peers[remote] = p

	if !m.audioOn {
		_ = pc.SetTrack(webrtc.RTPCodecTypeAudio, nil)
	}
	if !m.videoOn {
		_ = pc.SetTrack(webrtc.RTPCodecTypeVideo, nil)
	}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := m.send(SignalCandidate, remote, c); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", remote, err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleState(p, s)
	})
	return p, nil
}

func (m *Manager) handleState(p *Peer, s webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: connection %s", p.remote, s)

	m.mu.Lock()
	current := m.peers[p.remote] == p
	if current && s == webrtc.PeerConnectionStateConnected {
		delete(m.attempts, p.remote)
	}
	onState := m.onState
	self := m.self
	m.mu.Unlock()

	if !current {
		return
	}
	if onState != nil {
		onState(p.remote, s)
	}
	if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateDisconnected {
		return
	}

	m.mu.Lock()
	if m.peers[p.remote] == p {
		m.dropLocked(p.remote)
	}
	m.mu.Unlock()

	// One side re-initiates so both ends do not offer at once.
	if self < p.remote {
		m.retry(p.remote, fmt.Errorf("connection %s", s))
	}
}

// retry schedules another Connect after the backoff, or reports failure
// once the attempts are spent.
func (m *Manager) retry(remote string, cause error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.dropLocked(remote)
	n := m.attempts[remote] + 1
	if n > m.opts.RetryAttempts {
		delete(m.attempts, remote)
		onFailure := m.onFailure
		m.mu.Unlock()

		err := fmt.Errorf("%w: %s after %d attempts: %v", model.ErrPeerNegotiationFailed, remote, m.opts.RetryAttempts, cause)
		log.Printf("CALL [%s]: %v", remote, err)
		if onFailure != nil {
			onFailure(remote, err)
		}
		return
	}
	m.attempts[remote] = n
	if t := m.retries[remote]; t != nil {
		t.Stop()
	}
	m.retries[remote] = time.AfterFunc(m.opts.RetryBackoff, func() {
		m.mu.Lock()
		delete(m.retries, remote)
		m.mu.Unlock()
		m.Connect(remote)
	})
	m.mu.Unlock()
	log.Printf("CALL [%s]: retry %d/%d in %s (%v)", remote, n, m.opts.RetryAttempts, m.opts.RetryBackoff, cause)
}

// Drop tears down the peer for remote, e.g. when it leaves the call.
func (m *Manager) Drop(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(remote)
	delete(m.attempts, remote)
	delete(m.early, remote)
	if t := m.retries[remote]; t != nil {
		t.Stop()
		delete(m.retries, remote)
	}
}

func (m *Manager) dropLocked(remote string) {
	p, ok := m.peers[remote]
	if !ok {
		return
	}
	delete(m.peers, remote)
	go p.close()
}

// End cancels pending retries, closes every peer and releases local media.
func (m *Manager) End() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	for remote, t := range m.retries {
		t.Stop()
		delete(m.retries, remote)
	}
	peers := m.peers
	m.peers = map[string]*Peer{}
	m.early = map[string][]webrtc.ICECandidateInit{}
	m.attempts = map[string]int{}
	local := m.local
	m.local = nil
	m.reduced = false
	m.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	local.Close()
	log.Printf("CALL: ended, closed %d peer(s)", len(peers))
}

// ToggleAudio flips local audio on/off. Returns the new muted state (true = muted).
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	m.audioOn = !m.audioOn
	muted := !m.audioOn
	m.applyTrackLocked(webrtc.RTPCodecTypeAudio, m.audioOn)
	m.mu.Unlock()
	log.Printf("CALL: audio muted=%v", muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state (true = disabled).
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	m.videoOn = !m.videoOn
	disabled := !m.videoOn
	m.applyTrackLocked(webrtc.RTPCodecTypeVideo, m.videoOn)
	m.mu.Unlock()
	log.Printf("CALL: video disabled=%v", disabled)
	return disabled
}

func (m *Manager) applyTrackLocked(kind webrtc.RTPCodecType, on bool) {
	var track webrtc.TrackLocal
	if on {
		if t := m.local.Track(kind); t != nil {
			track = t
		}
	}
	for remote, p := range m.peers {
		if err := p.pc.SetTrack(kind, track); err != nil {
			log.Printf("CALL [%s]: set %s track: %v", remote, kind, err)
		}
	}
}

// Status returns one entry per peer, sorted by remote id.
func (m *Manager) Status() []PeerStatus {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	attempts := make(map[string]int, len(m.attempts))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	for k, v := range m.attempts {
		attempts[k] = v
	}
	m.mu.Unlock()

	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.status(attempts[p.remote]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

func (m *Manager) send(typ, remote string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return m.sig.SendSignal(typ, remote, data)
}
