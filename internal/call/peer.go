package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Peer is the connection to one remote participant. Candidates that arrive
// before the remote description is applied are held and replayed in order
// once it is.
type Peer struct {
	remote string
	pc     PeerConn

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func newPeer(remote string, pc PeerConn) *Peer {
	return &Peer{remote: remote, pc: pc}
}

func (p *Peer) Remote() string { return p.remote }

// setRemote applies desc and flushes buffered candidates. Candidates that
// arrive during the flush are still buffered, so they are applied after the
// ones already waiting.
func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	flushed := 0
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		if len(batch) == 0 {
			p.remoteSet = true
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		for _, c := range batch {
			if err := p.pc.AddICECandidate(c); err != nil {
				log.Printf("CALL [%s]: buffered candidate: %v", p.remote, err)
			}
		}
		flushed += len(batch)
	}
	if flushed > 0 {
		log.Printf("CALL [%s]: flushed %d buffered candidate(s)", p.remote, flushed)
	}
	return nil
}

// addCandidate applies c now or buffers it until the remote description is
// set.
func (p *Peer) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", p.remote, err)
	}
}

// busy reports whether the connection is up or still being negotiated.
func (p *Peer) busy() bool {
	switch p.pc.ConnectionState() {
	case webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected:
		return true
	}
	return false
}

func (p *Peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		log.Printf("CALL [%s]: close: %v", p.remote, err)
	}
}

func (p *Peer) status(attempts int) PeerStatus {
	p.mu.Lock()
	buffered, remoteSet := len(p.pending), p.remoteSet
	p.mu.Unlock()
	return PeerStatus{
		Remote:     p.remote,
		State:      p.pc.ConnectionState().String(),
		Signaling:  p.pc.SignalingState().String(),
		Attempts:   attempts,
		Buffered:   buffered,
		RemoteSet:  remoteSet,
		MediaStats: p.pc.Stats(),
	}
}
