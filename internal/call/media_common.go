package call

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/formsync/internal/model"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// NoMedia never captures. Headless clients use it so calls run receive-only.
type NoMedia struct{}

func (NoMedia) Acquire(_ context.Context, _, _ bool) (*LocalMedia, error) {
	return nil, fmt.Errorf("%w: capture disabled", model.ErrMediaUnavailable)
}

// newAPI builds a webrtc API with the codecs of media (or the defaults for
// receive-only) and the default NACK/RTCP interceptors.
func newAPI(media *LocalMedia) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if media != nil && media.Populate != nil {
		media.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A brief NAT hiccup should not end the call: 30s before disconnected,
	// 120s before failed.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for the kinds we do not
// send, so offers always carry video and audio m-lines.
func addRecvOnlyTransceivers(remote string, pc *webrtc.PeerConnection, media *LocalMedia) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if media.Track(kind) != nil {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(%s) error: %v", remote, kind, err)
		}
	}
}
