//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/formsync/internal/model"
)

// DeviceSource captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo).
type DeviceSource struct{}

// Acquire opens the requested devices. GetUserMedia fails as a unit when
// either track cannot be opened, so it falls back to video-only and then
// audio-only before giving up.
func (DeviceSource) Acquire(ctx context.Context, audio, video bool) (*LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no devices found", model.ErrMediaUnavailable)
	}
	for _, d := range devices {
		log.Printf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var attempts []attempt
	if video && audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node whose
				// malformed frames break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		media := &LocalMedia{Populate: codecSelector.Populate}
		for _, track := range stream.GetTracks() {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local %s track ended: %v", track.Kind(), err)
				}
			})
			media.Tracks = append(media.Tracks, track)
		}
		if media.Track(webrtc.RTPCodecTypeVideo) == nil && a.video {
			media.Close()
			continue
		}
		log.Printf("CALL: local media captured (%s), %d track(s)", a.label, len(media.Tracks))
		return media, nil
	}
	return nil, fmt.Errorf("%w: %v", model.ErrMediaUnavailable, lastErr)
}
