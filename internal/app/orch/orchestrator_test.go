package orch_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Debate/internal/app"
	"github.com/dkeye/Debate/internal/app/orch"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/metrics"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	full   bool
}

func (c *recConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("queue full")
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *recConn) Close() {}

func (c *recConn) ofType(typ string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range c.frames {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *recConn) last(typ string) protocol.Envelope {
	all := c.ofType(typ)
	if len(all) == 0 {
		return protocol.Envelope{}
	}
	return all[len(all)-1]
}

type harness struct {
	o        *orch.Orchestrator
	metrics  *metrics.Relay
	canceled map[core.SessionID]bool
}

func newHarness(policy app.Policy) *harness {
	m := metrics.NewRelay(prometheus.NewRegistry())
	return &harness{
		o: &orch.Orchestrator{
			Registry: app.NewRegistry(),
			Topics:   app.NewTopicManager(),
			Policy:   policy,
			Metrics:  m,
		},
		metrics:  m,
		canceled: map[core.SessionID]bool{},
	}
}

func (h *harness) connect(sid core.SessionID, user string, conn *recConn) {
	u := &domain.User{ID: domain.ParticipantID(user), DisplayName: user}
	h.o.Registry.SetUser(sid, u)
	h.o.Registry.BindSignal(sid, core.NewMemberSession(domain.NewMember(u), conn), func() { h.canceled[sid] = true })
}

func TestSubscribeAcksAndSendsState(t *testing.T) {
	h := newHarness(app.KickPolicy{})
	c := &recConn{}
	h.connect("s1", "alice", c)

	if err := h.o.Subscribe("s1", "debate-presence-x", "r1"); err != nil {
		t.Fatal(err)
	}
	ack := c.last(protocol.TypeSubscribed)
	if ack.Ref != "r1" || ack.Topic != "debate-presence-x" {
		t.Fatalf("ack = %+v", ack)
	}
	if len(c.ofType(protocol.TypePresenceState)) != 1 {
		t.Fatal("no presence_state after subscribe")
	}
	if got := testutil.ToFloat64(h.metrics.Subscriptions); got != 1 {
		t.Fatalf("subscriptions gauge = %v", got)
	}
}

func TestSubscribeErrors(t *testing.T) {
	h := newHarness(nil)
	if err := h.o.Subscribe("s1", "", "r"); !errors.Is(err, orch.ErrEmptyTopic) {
		t.Fatalf("empty topic: %v", err)
	}
	if err := h.o.Subscribe("ghost", "t", "r"); !errors.Is(err, orch.ErrUnknownSession) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestPublishReachesOthersOnly(t *testing.T) {
	h := newHarness(app.KickPolicy{})
	a, b := &recConn{}, &recConn{}
	h.connect("s1", "alice", a)
	h.connect("s2", "bob", b)
	h.o.Subscribe("s1", "webrtc-debate-x", "1")
	h.o.Subscribe("s2", "webrtc-debate-x", "2")

	payload := json.RawMessage(`{"type":"offer"}`)
	if err := h.o.Publish("s1", "webrtc-debate-x", "webrtc-signal", payload); err != nil {
		t.Fatal(err)
	}
	if len(a.ofType(protocol.TypeBroadcast)) != 0 {
		t.Fatal("sender received its own broadcast")
	}
	got := b.last(protocol.TypeBroadcast)
	if got.From != "alice" || got.Event != "webrtc-signal" || string(got.Payload) != string(payload) {
		t.Fatalf("broadcast = %+v", got)
	}
	if v := testutil.ToFloat64(h.metrics.Published.WithLabelValues("webrtc-signal")); v != 1 {
		t.Fatalf("published counter = %v", v)
	}
}

func TestPublishRequiresSubscription(t *testing.T) {
	h := newHarness(nil)
	h.connect("s1", "alice", &recConn{})
	if err := h.o.Publish("s1", "t", "e", nil); !errors.Is(err, orch.ErrNotSubscribed) {
		t.Fatalf("err = %v", err)
	}
	if err := h.o.Publish("ghost", "t", "e", nil); !errors.Is(err, orch.ErrUnknownSession) {
		t.Fatalf("err = %v", err)
	}
}

func TestTrackSendsDiffThenState(t *testing.T) {
	h := newHarness(app.KickPolicy{})
	a, b := &recConn{}, &recConn{}
	h.connect("s1", "alice", a)
	h.connect("s2", "bob", b)
	h.o.Subscribe("s1", "debate-presence-x", "1")
	h.o.Subscribe("s2", "debate-presence-x", "2")

	if err := h.o.Track("s1", "debate-presence-x", "alice", json.RawMessage(`{"status":"in_debate"}`)); err != nil {
		t.Fatal(err)
	}
	for name, c := range map[string]*recConn{"tracker": a, "other": b} {
		diff := c.last(protocol.TypePresenceDiff)
		if _, ok := diff.Joins["alice"]; !ok {
			t.Fatalf("%s: diff without join: %+v", name, diff)
		}
		state := c.last(protocol.TypePresenceState)
		if _, ok := state.State["alice"]; !ok {
			t.Fatalf("%s: state without alice: %+v", name, state)
		}
	}
}

func TestTrackDefaultsKeyToSession(t *testing.T) {
	h := newHarness(nil)
	c := &recConn{}
	h.connect("s1", "alice", c)
	h.o.Subscribe("s1", "p", "1")
	h.o.Track("s1", "p", "", nil)
	if _, ok := c.last(protocol.TypePresenceState).State["s1"]; !ok {
		t.Fatal("empty key not defaulted to session id")
	}
}

func TestUnsubscribeBroadcastsLeave(t *testing.T) {
	h := newHarness(app.KickPolicy{})
	a, b := &recConn{}, &recConn{}
	h.connect("s1", "alice", a)
	h.connect("s2", "bob", b)
	h.o.Subscribe("s1", "p", "1")
	h.o.Subscribe("s2", "p", "2")
	h.o.Track("s1", "p", "alice", nil)

	h.o.Unsubscribe("s1", "p")
	h.o.Unsubscribe("s1", "p")

	if n := len(a.ofType(protocol.TypeUnsubscribed)); n != 2 {
		t.Fatalf("unsubscribed acks = %d, want 2", n)
	}
	diff := b.last(protocol.TypePresenceDiff)
	if _, ok := diff.Leaves["alice"]; !ok {
		t.Fatalf("no leave for alice: %+v", diff)
	}
	if _, ok := b.last(protocol.TypePresenceState).State["alice"]; ok {
		t.Fatal("alice still in state")
	}
}

func TestLastSubscriberRemovesTopic(t *testing.T) {
	h := newHarness(nil)
	h.connect("s1", "alice", &recConn{})
	h.o.Subscribe("s1", "p", "1")
	h.o.Disconnect("s1")
	if _, ok := h.o.Topics.Get("p"); ok {
		t.Fatal("empty topic kept")
	}
	if h.o.Registry.Count() != 0 {
		t.Fatal("session kept after Disconnect")
	}
}

func TestSlowSubscriberIsKicked(t *testing.T) {
	h := newHarness(app.KickPolicy{})
	a, slow := &recConn{}, &recConn{}
	h.connect("s1", "alice", a)
	h.connect("s2", "bob", slow)
	h.o.Subscribe("s1", "t", "1")
	h.o.Subscribe("s2", "t", "2")

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	if err := h.o.Publish("s1", "t", "score_update", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if !h.canceled["s2"] {
		t.Fatal("slow subscriber not canceled")
	}
	if h.o.Registry.HasTopic("s2", "t") {
		t.Fatal("slow subscriber still subscribed")
	}
	if v := testutil.ToFloat64(h.metrics.Kicked); v != 1 {
		t.Fatalf("kicked counter = %v", v)
	}
}

func TestDropPolicyKeepsSlowSubscriber(t *testing.T) {
	h := newHarness(app.DropPolicy{})
	slow := &recConn{full: true}
	h.connect("s1", "alice", &recConn{})
	h.connect("s2", "bob", slow)
	h.o.Subscribe("s1", "t", "1")
	h.o.Subscribe("s2", "t", "2")

	h.o.Publish("s1", "t", "e", json.RawMessage(`{}`))
	if h.canceled["s2"] || !h.o.Registry.HasTopic("s2", "t") {
		t.Fatal("drop policy kicked the subscriber")
	}
	if v := testutil.ToFloat64(h.metrics.Dropped); v < 1 {
		t.Fatalf("dropped counter = %v", v)
	}
}

func TestEvictTopicKicksEveryone(t *testing.T) {
	h := newHarness(nil)
	h.connect("s1", "alice", &recConn{})
	h.connect("s2", "bob", &recConn{})
	h.o.Subscribe("s1", "t", "1")
	h.o.Subscribe("s2", "t", "2")

	h.o.EvictTopic("t")
	if !h.canceled["s1"] || !h.canceled["s2"] {
		t.Fatalf("canceled = %v", h.canceled)
	}
	if _, ok := h.o.Topics.Get("t"); ok {
		t.Fatal("topic survived eviction")
	}
}
