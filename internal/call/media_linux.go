//go:build linux

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newMediaAPI builds the webrtc API with VP8+Opus encoders and a capture path
// through pion/mediadevices (V4L2 + malgo on Linux).
func newMediaAPI(se webrtc.SettingEngine) (*webrtc.API, func(*webrtc.PeerConnection) acquireFunc, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	mk := func(pc *webrtc.PeerConnection) acquireFunc {
		return func(wantVideo, wantAudio bool) (func(), []localTrack, error) {
			return captureLocalMedia(pc, codecSelector, wantVideo, wantAudio)
		}
	}
	return api, mk, nil
}

// sentTrack pairs a captured track with its sender so transmission can be
// paused by detaching the track, no renegotiation needed.
type sentTrack struct {
	kind   string
	track  mediadevices.Track
	sender *webrtc.RTPSender

	mu      sync.Mutex
	enabled bool
}

func (t *sentTrack) Kind() string { return t.kind }

func (t *sentTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on == t.enabled {
		return
	}
	t.enabled = on
	var err error
	if on {
		err = t.sender.ReplaceTrack(t.track)
	} else {
		err = t.sender.ReplaceTrack(nil)
	}
	if err != nil {
		log.Printf("CALL: toggle %s track: %v", t.kind, err)
	}
}

// captureLocalMedia opens camera/mic and attaches the tracks to pc.
//
// GetUserMedia fails as a unit if either track can't be opened, so a busy
// microphone must not take the camera down with it: try both, then each kind
// alone. When devices exist but every attempt fails, the error surfaces to
// the caller; only a machine with no capture devices at all degrades to
// receive-only.
func captureLocalMedia(pc *webrtc.PeerConnection, codecSelector *mediadevices.CodecSelector, wantVideo, wantAudio bool) (func(), []localTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found")
	}
	for _, d := range devices {
		log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if wantVideo && wantAudio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if wantVideo {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if wantAudio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
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
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		sent := make([]localTrack, 0, len(tracks))
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL: AddTrack error: %v", err)
				continue
			}
			sent = append(sent, &sentTrack{
				kind:    track.Kind().String(),
				track:   track,
				sender:  sender,
				enabled: true,
			})
		}

		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return func() {
			for _, t := range tracks {
				t.Close()
			}
		}, sent, nil
	}

	if len(devices) > 0 && lastErr != nil {
		return nil, nil, fmt.Errorf("media devices present but unusable: %w", lastErr)
	}

	log.Printf("CALL: no capture devices — proceeding receive-only")
	addRecvOnlyTransceivers(pc)
	return func() {}, nil, nil
}
