//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newMediaAPI builds a receive-only webrtc API on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); elsewhere the connection still receives remote media.
func newMediaAPI(se webrtc.SettingEngine) (*webrtc.API, func(*webrtc.PeerConnection) acquireFunc, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

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
		return func(_, _ bool) (func(), []localTrack, error) {
			addRecvOnlyTransceivers(pc)
			log.Printf("CALL: no local capture on this platform, receive-only")
			return func() {}, nil, nil
		}
	}
	return api, mk, nil
}
