package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested on remote video.
const pliInterval = 3 * time.Second

// PionFactory creates real peer connections.
type PionFactory struct {
	ICEServers []string
}

func (f *PionFactory) NewPeer(remote string, media *LocalMedia) (PeerConn, error) {
	api, err := newAPI(media)
	if err != nil {
		return nil, err
	}
	urls := f.ICEServers
	if len(urls) == 0 {
		urls = DefaultSTUN
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if media != nil {
		for _, t := range media.Tracks {
			if _, err := pc.AddTrack(t); err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", remote, err)
			}
		}
	}
	addRecvOnlyTransceivers(remote, pc, media)

	p := &pionPeer{remote: remote, pc: pc, done: make(chan struct{})}
	pc.OnTrack(p.onTrack)
	return p, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConn and keeps receive
// counters for every remote track.
type pionPeer struct {
	remote string
	pc     *webrtc.PeerConnection

	mu    sync.Mutex
	stats TrackStats

	done      chan struct{}
	closeOnce sync.Once
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState { return p.pc.SignalingState() }

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState { return p.pc.ConnectionState() }

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) SetTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() != kind || t.Sender() == nil {
			continue
		}
		if err := t.Sender().ReplaceTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) Stats() TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.pc.Close()
}

// onTrack drains a remote track so the interceptors keep running, counting
// what arrives.
func (p *pionPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	p.stats.Tracks++
	p.mu.Unlock()
	log.Printf("CALL [%s]: remote %s track (%s)", p.remote, track.Kind(), track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(uint32(track.SSRC()))
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.stats.record(pkt, time.Now())
		p.mu.Unlock()
	}
}

func (p *pionPeer) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
			p.mu.Lock()
			p.stats.PLIsSent++
			p.mu.Unlock()
		}
	}
}

func (s *TrackStats) record(pkt *rtp.Packet, now time.Time) {
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	s.LastSeq = pkt.SequenceNumber
	s.LastPacketT = now.UnixMilli()
}
