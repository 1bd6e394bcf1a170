package rtc

import (
	"sync"

	"github.com/dkeye/Debate/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection adapts *webrtc.PeerConnection to peer.Conn.
type WebRTCConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.RemoteTrack)
}

func newWebRTCConnection(pc *webrtc.PeerConnection) *WebRTCConnection {
	c := &WebRTCConnection{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})

	return c
}

// AddTrack attaches a local track and drains its RTCP so interceptors run.
func (c *WebRTCConnection) AddTrack(t *media.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.Track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return offer, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return offer, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return answer, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return answer, err
	}
	return answer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *WebRTCConnection) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *WebRTCConnection) Close() error {
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Msg("closed")
	}
	return err
}
