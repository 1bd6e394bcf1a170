package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/pion/webrtc/v4"
)

type fakeSource struct {
	err error
}

func (s *fakeSource) Acquire(context.Context) (*media.LocalStream, error) {
	if s.err != nil {
		return nil, s.err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "local")
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "local")
	if err != nil {
		return nil, err
	}
	return media.NewLocalStream("local", media.NewLocalTrack(audio, nil), media.NewLocalTrack(video, nil)), nil
}

type fakeConn struct {
	mu         sync.Mutex
	sig        webrtc.SignalingState
	remote     *webrtc.SessionDescription
	tracks     []*media.LocalTrack
	candidates []webrtc.ICECandidateInit
	offers     int
	closed     int

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.RemoteTrack)
}

func newFakeConn() *fakeConn { return &fakeConn{sig: webrtc.SignalingStateStable} }

func (c *fakeConn) AddTrack(t *media.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tracks) == 0 {
		return webrtc.SessionDescription{}, errors.New("offer without tracks")
	}
	c.offers++
	c.sig = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	c.sig = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if c.sig != webrtc.SignalingStateStable {
			return errors.New("offer in wrong state")
		}
		c.sig = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.sig != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		c.sig = webrtc.SignalingStateStable
	}
	c.remote = &sd
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("candidate before remote description")
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit))             { c.onICE = fn }
func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }
func (c *fakeConn) OnTrack(fn func(media.RemoteTrack))                           { c.onTrack = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) candidateList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.candidates))
	for _, ci := range c.candidates {
		out = append(out, ci.Candidate)
	}
	return out
}

// fakeFactory hands out conn first and then the ones queued in next.
type fakeFactory struct {
	mu   sync.Mutex
	conn *fakeConn
	next []*fakeConn
	made int
	err  error
}

func (f *fakeFactory) NewConn() (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.made++
	if f.made > 1 && len(f.next) > 0 {
		c := f.next[0]
		f.next = f.next[1:]
		return c, nil
	}
	return f.conn, nil
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.NegotiationMessage
}

func (s *fakeSignaler) Send(msg domain.NegotiationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) kinds() []domain.NegotiationKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NegotiationKind, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Kind)
	}
	return out
}

type fakeSurface struct {
	mu       sync.Mutex
	attached []string
	detached int
}

func (s *fakeSurface) Attach(st media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, st.ID())
}

func (s *fakeSurface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached++
}

func (s *fakeSurface) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached), s.detached
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func watch(m *Manager) *stateLog {
	l := &stateLog{ch: make(chan State, 32)}
	m.OnStateChange(func(s State) {
		l.mu.Lock()
		l.states = append(l.states, s)
		l.mu.Unlock()
		l.ch <- s
	})
	return l
}

func (l *stateLog) list() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.states))
	copy(out, l.states)
	return out
}

const (
	self     = domain.ParticipantID("alice")
	opponent = domain.ParticipantID("bob")
	session  = domain.SessionID("s1")
)

func newTestManager(t *testing.T, conn *fakeConn, src *fakeSource) (*Manager, *fakeSignaler) {
	t.Helper()
	sig := &fakeSignaler{}
	m := NewManager(Config{SessionID: session, SelfID: self, NegotiationTimeout: -1}, src, &fakeFactory{conn: conn}, sig)
	return m, sig
}

func descMsg(t *testing.T, kind domain.NegotiationKind, sdpType webrtc.SDPType, sdp string) domain.NegotiationMessage {
	t.Helper()
	payload, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
	if err != nil {
		t.Fatal(err)
	}
	return domain.NegotiationMessage{Kind: kind, SenderID: opponent, SessionID: session, Payload: payload}
}

func candidateMsg(t *testing.T, cand string) domain.NegotiationMessage {
	t.Helper()
	mid := "0"
	payload, err := json.Marshal(webrtc.ICECandidateInit{Candidate: cand, SDPMid: &mid})
	if err != nil {
		t.Fatal(err)
	}
	return domain.NegotiationMessage{Kind: domain.KindICECandidate, SenderID: opponent, SessionID: session, Payload: payload}
}
