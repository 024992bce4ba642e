package call

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the transport.
// The client engine satisfies it by sending offer, answer and ice_candidate
// messages through the room server, which forwards them to target.
type Signaler interface {
	SendSignal(typ, target string, data json.RawMessage) error
}

// Signal types, matching the wire names.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice_candidate"
)

// PeerConn is the part of *webrtc.PeerConnection the coordinator drives.
type PeerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// OnICECandidate is called for each gathered local candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	// SetTrack replaces what is sent for kind. A nil track stops sending.
	SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error

	Stats() TrackStats
	Close() error
}

// PeerFactory builds a connection to remote carrying the local media.
type PeerFactory interface {
	NewPeer(remote string, media *LocalMedia) (PeerConn, error)
}

// MediaSource acquires local capture. It returns an error wrapping
// model.ErrMediaUnavailable when no device can be opened.
type MediaSource interface {
	Acquire(ctx context.Context, audio, video bool) (*LocalMedia, error)
}

// LocalTrack is a captured track. mediadevices tracks satisfy it.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// LocalMedia is the set of captured tracks plus the codec registration the
// encoder needs. An empty LocalMedia means receive-only.
type LocalMedia struct {
	Tracks   []LocalTrack
	Populate func(*webrtc.MediaEngine)
}

// Track returns the first track of kind, or nil.
func (m *LocalMedia) Track(kind webrtc.RTPCodecType) LocalTrack {
	if m == nil {
		return nil
	}
	for _, t := range m.Tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Close releases every captured device.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	for _, t := range m.Tracks {
		_ = t.Close()
	}
	m.Tracks = nil
}

// TrackStats are counters for remote media received on one peer.
type TrackStats struct {
	Tracks      int    `json:"tracks"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	LastSeq     uint16 `json:"last_seq"`
	PLIsSent    uint64 `json:"plis_sent"`
	LastPacketT int64  `json:"last_packet_ms,omitempty"`
}

// PeerStatus is a snapshot of one peer for diagnostics.
type PeerStatus struct {
	Remote     string     `json:"remote"`
	State      string     `json:"state"`
	Signaling  string     `json:"signaling"`
	Attempts   int        `json:"attempts"`
	Buffered   int        `json:"buffered_candidates"`
	RemoteSet  bool       `json:"remote_description_set"`
	MediaStats TrackStats `json:"media"`
}
