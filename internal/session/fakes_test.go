package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/dkeye/Debate/internal/peer"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/dkeye/Debate/internal/relay/relaytest"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	alice = domain.ParticipantID("alice")
	bob   = domain.ParticipantID("bob")
	sid   = domain.SessionID("s1")
	wait  = 3 * time.Second
)

func testSession(t *testing.T) *domain.Session {
	t.Helper()
	s, err := domain.NewSession(sid, alice, bob, "pineapple on pizza")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type fakeSource struct {
	mu  sync.Mutex
	err error
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) Acquire(context.Context) (*media.LocalStream, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
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

var offerSeq atomic.Int64

// fakeConn reports connected as soon as its side of the exchange is
// complete, unless muted.
type fakeConn struct {
	mu     sync.Mutex
	sig    webrtc.SignalingState
	remote *webrtc.SessionDescription
	mute   bool
	closed bool

	onState func(webrtc.PeerConnectionState)
	onTrack func(media.RemoteTrack)
}

func (c *fakeConn) AddTrack(*media.LocalTrack) error { return nil }

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sig = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", offerSeq.Add(1))}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	c.sig = webrtc.SignalingStateStable
	go c.connect()
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
		go c.connect()
	}
	c.remote = &sd
	return nil
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	if c.mute || c.closed {
		c.mu.Unlock()
		return
	}
	onTrack, onState := c.onTrack, c.onState
	c.mu.Unlock()
	onTrack(fakeTrack{id: "video", kind: webrtc.RTPCodecTypeVideo})
	onState(webrtc.PeerConnectionStateConnected)
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

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                       { return t.id }
func (t fakeTrack) StreamID() string                 { return "remote" }
func (t fakeTrack) Kind() webrtc.RTPCodecType        { return t.kind }
func (t fakeTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// fakeFactory mutes the first `mute` connections it makes.
type fakeFactory struct {
	mu   sync.Mutex
	mute int
	made int
}

func (f *fakeFactory) NewConn() (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made++
	return &fakeConn{sig: webrtc.SignalingStateStable, mute: f.made <= f.mute}, nil
}

type fakeSurface struct {
	name string
	log  *opLog
}

func (s *fakeSurface) Attach(media.Stream) {}

func (s *fakeSurface) Detach() {
	if s.log != nil {
		s.log.add("detach " + s.name)
	}
}

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// loggingChannel records presence withdrawal and unsubscribes.
type loggingChannel struct {
	*relaytest.Channel
	log *opLog
}

func (c loggingChannel) Untrack(sub *relay.Subscription) error {
	c.log.add("untrack " + sub.Topic())
	return c.Channel.Untrack(sub)
}

func (c loggingChannel) Unsubscribe(sub *relay.Subscription) {
	if sub != nil && !sub.Closed() {
		c.log.add("unsubscribe " + sub.Topic())
	}
	c.Channel.Unsubscribe(sub)
}

type party struct {
	c       *Coordinator
	ch      *relaytest.Channel
	source  *fakeSource
	factory *fakeFactory
	errs    chan error
}

type partyOpts struct {
	store   Store
	opts    Options
	mute    int
	channel func(*relaytest.Channel) relay.Channel
}

func newParty(t *testing.T, hub *relaytest.Hub, id domain.ParticipantID, po partyOpts) *party {
	t.Helper()
	ch := hub.Connect(string(id))
	t.Cleanup(ch.Close)
	var rc relay.Channel = ch
	if po.channel != nil {
		rc = po.channel(ch)
	}
	p := &party{
		ch:      ch,
		source:  &fakeSource{},
		factory: &fakeFactory{mute: po.mute},
		errs:    make(chan error, 8),
	}
	if po.opts.NegotiationTimeout == 0 {
		po.opts.NegotiationTimeout = -1
	}
	p.c = NewCoordinator(rc, p.source, p.factory, po.store, po.opts)
	p.c.OnError(func(err error) { p.errs <- err })
	return p
}

func (p *party) surfaces() {
	p.c.SetLocalSurface(&fakeSurface{name: "local"})
	p.c.SetRemoteSurface(&fakeSurface{name: "remote"})
}

func (p *party) join(t *testing.T, self domain.ParticipantID) {
	t.Helper()
	if err := p.c.Join(context.Background(), testSession(t), self); err != nil {
		t.Fatalf("join %s: %v", self, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, p *party, want peer.State) {
	t.Helper()
	eventually(t, fmt.Sprintf("peer state %s", want), func() bool { return p.c.View().PeerState == want })
}

func offersFrom(ch *relaytest.Channel) int {
	n := 0
	for _, p := range ch.Published() {
		if p.Event == EventSignal && containsOffer(p.Payload) {
			n++
		}
	}
	return n
}

func containsOffer(payload []byte) bool {
	msg, ok := decodeMsg(payload)
	return ok && msg.Kind == domain.KindOffer
}

func decodeMsg(payload []byte) (domain.NegotiationMessage, bool) {
	var msg domain.NegotiationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, false
	}
	return msg, true
}
