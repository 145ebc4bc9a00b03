package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// addRecvOnlyTransceivers gives the SDP valid audio/video m-lines with ICE
// credentials when there are no local tracks to offer.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: add %s recvonly transceiver: %v", kind, err)
		}
	}
}
