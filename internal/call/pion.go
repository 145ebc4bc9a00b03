package call

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/Arghadeepdebnath15/chat-web/internal/config"
)

// newPeerConnection builds the real pion connection. The media API (codecs,
// capture) comes from the platform file; ICE liveness timeouts come from
// config because pion's 5s disconnected default drops relay paths over short
// outages.
func newPeerConnection(iceCfg config.ICE, callCfg config.Call) (*webrtc.PeerConnection, acquireFunc, error) {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		time.Duration(callCfg.DisconnectedTimeoutSec)*time.Second,
		time.Duration(callCfg.FailedTimeoutSec)*time.Second,
		time.Duration(callCfg.KeepAliveIntervalSec)*time.Second,
	)

	api, mkAcquire, err := newMediaAPI(se)
	if err != nil {
		return nil, nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           iceServers(iceCfg),
		ICECandidatePoolSize: uint8(iceCfg.CandidatePoolSize),
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, nil, err
	}
	return pc, mkAcquire(pc), nil
}

func iceServers(cfg config.ICE) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.Stun) > 0 {
		urls := make([]string, len(cfg.Stun))
		copy(urls, cfg.Stun)
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	for _, t := range cfg.Turn {
		servers = append(servers, webrtc.ICEServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return servers
}

// bindCallbacks routes pion callbacks into the state machine. gen pins them
// to the connection they were registered on; callbacks firing after Cleanup
// are dropped.
func (e *Engine) bindCallbacks(pc *webrtc.PeerConnection, gen uint64) {
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		if e.current(gen) {
			e.handleICEState(st)
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if e.current(gen) {
			e.handleConnState(st)
		}
	})
	pc.OnSignalingStateChange(func(st webrtc.SignalingState) {
		if e.current(gen) {
			e.handleSigState(st)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if !e.current(gen) {
			return
		}
		if c == nil {
			e.emit(Event{Type: EventICEGatheringComplete})
			return
		}
		init := c.ToJSON()
		e.emit(Event{Type: EventICECandidate, Candidate: &init})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !e.current(gen) {
			return
		}
		e.mu.Lock()
		e.hasRemote = true
		e.mu.Unlock()
		e.emit(Event{Type: EventRemoteStream, TrackKind: track.Kind().String()})

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go e.keyframeLoop(gen, pc, uint32(track.SSRC()))
		}
		go e.drainTrack(track)
	})
}

// drainTrack keeps the receive path flowing. Rendering is up to the embedding
// application; here the packets only feed the diagnostics counters.
func (e *Engine) drainTrack(track *webrtc.TrackRemote) {
	var (
		pkt *rtp.Packet
		err error
	)
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.rtpPackets++
		e.lastSeq = pkt.SequenceNumber
		e.mu.Unlock()
	}
}

// keyframeLoop asks the sender for periodic keyframes so a decoder joining or
// recovering mid-stream does not stall on deltas.
func (e *Engine) keyframeLoop(gen uint64, pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !e.current(gen) {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
	}
}
