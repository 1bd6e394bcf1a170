package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/peer"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/dkeye/Debate/internal/relay/relaytest"
	"go.uber.org/mock/gomock"
)

func TestBothParticipantsConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	initiatorStore := NewMockStore(ctrl)
	responderStore := NewMockStore(ctrl)

	started := make(chan domain.SessionRecord, 1)
	initiatorStore.EXPECT().RecordStart(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec domain.SessionRecord) error {
			started <- rec
			return nil
		}).Times(1)

	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{store: initiatorStore})
	b := newParty(t, hub, bob, partyOpts{store: responderStore})
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)

	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)

	if a.c.RemoteStream() == nil || a.c.RemoteStream().TrackCount() == 0 {
		t.Fatal("initiator has no remote media")
	}
	if b.c.RemoteStream() == nil || b.c.RemoteStream().TrackCount() == 0 {
		t.Fatal("responder has no remote media")
	}
	if n := offersFrom(a.ch); n != 1 {
		t.Fatalf("initiator sent %d offers", n)
	}
	if n := offersFrom(b.ch); n != 0 {
		t.Fatalf("responder sent %d offers", n)
	}
	if v := a.c.View(); v.Role != domain.RoleInitiator || v.Participants != 2 || v.Opponent != bob {
		t.Fatalf("initiator view = %+v", v)
	}
	if v := b.c.View(); v.Role != domain.RoleResponder {
		t.Fatalf("responder view = %+v", v)
	}

	select {
	case rec := <-started:
		if rec.SessionID != sid || rec.Participant1 != alice || rec.Participant2 != bob || rec.Status != domain.SessionActive {
			t.Fatalf("start record = %+v", rec)
		}
	case <-time.After(wait):
		t.Fatal("start not recorded")
	}

	initiatorStore.EXPECT().RecordEnd(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec domain.SessionRecord) error {
			if rec.Status != domain.SessionCompleted || rec.EndedAt.IsZero() {
				t.Errorf("end record = %+v", rec)
			}
			return nil
		}).Times(1)
	if err := a.c.End(context.Background(), sid); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := b.c.End(context.Background(), sid); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestEndWithResultStoresWinnerAndData(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().RecordStart(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{store: store})
	b := newParty(t, hub, bob, partyOpts{})
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)
	waitState(t, a, peer.StateConnected)

	if err := a.c.EndWithResult(context.Background(), sid, Result{Winner: "carol"}); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("outsider winner: %v", err)
	}
	if err := a.c.EndWithResult(context.Background(), sid, Result{Data: json.RawMessage(`{"scores":`)}); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("broken data: %v", err)
	}
	if !a.c.View().Joined {
		t.Fatal("rejected result tore the session down")
	}

	data := json.RawMessage(`{"scores":{"alice":7,"bob":5}}`)
	store.EXPECT().RecordEnd(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec domain.SessionRecord) error {
			if rec.Status != domain.SessionCompleted || rec.WinnerID != alice || string(rec.Data) != string(data) {
				t.Errorf("end record = %+v", rec)
			}
			return nil
		}).Times(1)
	if err := a.c.EndWithResult(context.Background(), sid, Result{Winner: alice, Data: data}); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestGateWaitsForBothSurfaces(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)

	eventually(t, "both present", func() bool { return a.c.View().Participants == 2 })
	a.c.SetLocalSurface(&fakeSurface{name: "local"})
	time.Sleep(50 * time.Millisecond)
	if s := a.c.View().PeerState; s != peer.StateNew {
		t.Fatalf("negotiation started with one surface: %s", s)
	}
	if n := offersFrom(a.ch); n != 0 {
		t.Fatalf("offers before gate: %d", n)
	}

	a.c.SetRemoteSurface(&fakeSurface{name: "remote"})
	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)

	// a surface swap after the gate does not initialize again
	a.c.SetRemoteSurface(&fakeSurface{name: "remote-2"})
	time.Sleep(50 * time.Millisecond)
	if n := offersFrom(a.ch); n != 1 {
		t.Fatalf("offers = %d, want 1", n)
	}
}

func TestOpponentEndSeenThroughPresence(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	a.surfaces()
	b.surfaces()
	left := make(chan domain.ParticipantID, 1)
	a.c.OnOpponentLeft(func(id domain.ParticipantID) { left <- id })
	a.join(t, alice)
	b.join(t, bob)
	waitState(t, a, peer.StateConnected)

	if err := b.c.End(context.Background(), sid); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-left:
		if id != bob {
			t.Fatalf("left = %s", id)
		}
	case <-time.After(wait):
		t.Fatal("opponent departure not reported")
	}
	v := a.c.View()
	if !v.OpponentLeft {
		t.Fatalf("view = %+v", v)
	}
	// the fake connection never reports the drop
	if v.PeerState != peer.StateConnected {
		t.Fatalf("peer state = %s", v.PeerState)
	}
	for _, topic := range []string{PresenceRoom(sid), SignalTopic(sid), RoomTopic(sid)} {
		if hub.Subscribed(b.ch, topic) {
			t.Fatalf("bob still on %s", topic)
		}
	}
}

func TestMediaDeniedNeverNegotiates(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	a.source.setErr(peer.ErrMediaAccessDenied)
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)

	select {
	case err := <-a.errs:
		if !errors.Is(err, peer.ErrMediaAccessDenied) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(wait):
		t.Fatal("media error not reported")
	}
	time.Sleep(50 * time.Millisecond)
	if n := offersFrom(a.ch); n != 0 {
		t.Fatalf("offers after denial: %d", n)
	}
	if s := a.c.View().PeerState; s != peer.StateNew {
		t.Fatalf("initiator state = %s", s)
	}
	if s := b.c.View().PeerState; s != peer.StateNew {
		t.Fatalf("responder state = %s", s)
	}

	a.source.setErr(nil)
	if err := a.c.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)
}

func TestEndTearsDownInOrder(t *testing.T) {
	log := &opLog{}
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{channel: func(ch *relaytest.Channel) relay.Channel {
		return loggingChannel{Channel: ch, log: log}
	}})
	a.c.SetLocalSurface(&fakeSurface{name: "local", log: log})
	a.c.SetRemoteSurface(&fakeSurface{name: "remote", log: log})
	a.join(t, alice)

	if err := a.c.End(context.Background(), "other"); !errors.Is(err, ErrWrongSession) {
		t.Fatalf("end other = %v", err)
	}
	if err := a.c.End(context.Background(), sid); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"detach local",
		"detach remote",
		"untrack " + PresenceRoom(sid),
		"unsubscribe " + PresenceRoom(sid),
		"unsubscribe " + SignalTopic(sid),
		"unsubscribe " + RoomTopic(sid),
	}
	if got := log.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("teardown order:\n got %v\nwant %v", got, want)
	}
	if err := a.c.End(context.Background(), sid); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if got := log.list(); len(got) != len(want) {
		t.Fatalf("second end did work: %v", got)
	}
	if v := a.c.View(); v.Joined {
		t.Fatalf("view after end = %+v", v)
	}
}

func TestRejoinReplacesWiring(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	a.join(t, alice)
	b.join(t, bob)

	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)
	if v := b.c.View(); v.Participants != 2 {
		t.Fatalf("responder sees %d participants", v.Participants)
	}
	if n := offersFrom(a.ch); n != 1 {
		t.Fatalf("offers = %d, want 1", n)
	}
}

func TestJoinRollsBackOnFailure(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	a.ch.FailSubscribe = func(topic string) error {
		if topic == RoomTopic(sid) {
			return relay.ErrRelayUnavailable
		}
		return nil
	}
	err := a.c.Join(context.Background(), testSession(t), alice)
	if !errors.Is(err, relay.ErrRelayUnavailable) {
		t.Fatalf("join err = %v", err)
	}
	if hub.Subscribed(a.ch, SignalTopic(sid)) {
		t.Fatal("signaling topic left open")
	}
	if a.c.View().Joined {
		t.Fatal("coordinator reports a join")
	}
	if err := a.c.BroadcastScore(nil); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("broadcast err = %v", err)
	}
}

func TestJoinRejectsOutsider(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, "carol", partyOpts{})
	if err := a.c.Join(context.Background(), testSession(t), "carol"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("err = %v", err)
	}
}

func TestScoresAndSpeakerPassThrough(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	if err := a.c.BroadcastScore(map[string]int{"logic": 3}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("score before join: %v", err)
	}
	a.join(t, alice)
	b.join(t, bob)

	type score struct {
		from    domain.ParticipantID
		payload []byte
	}
	scores := make(chan score, 2)
	b.c.OnScoreReceived(func(from domain.ParticipantID, p []byte) { scores <- score{from, p} })
	echoes := make(chan score, 2)
	a.c.OnScoreReceived(func(from domain.ParticipantID, p []byte) { echoes <- score{from, p} })
	speakers := make(chan domain.ParticipantID, 2)
	b.c.OnActiveSpeaker(func(id domain.ParticipantID) { speakers <- id })

	if err := a.c.BroadcastScore(map[string]int{"logic": 3}); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-scores:
		var p struct {
			UserID string         `json:"userId"`
			Scores map[string]int `json:"scores"`
		}
		if err := json.Unmarshal(s.payload, &p); err != nil {
			t.Fatal(err)
		}
		if s.from != alice || p.UserID != "alice" || p.Scores["logic"] != 3 {
			t.Fatalf("score = %s from %s", s.payload, s.from)
		}
	case <-time.After(wait):
		t.Fatal("score not received")
	}

	if err := a.c.BroadcastActiveSpeaker(alice); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-speakers:
		if id != alice {
			t.Fatalf("speaker = %s", id)
		}
	case <-time.After(wait):
		t.Fatal("speaker not received")
	}
	select {
	case s := <-echoes:
		t.Fatalf("own score echoed: %s", s.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailedConnectionRestartsOnce(t *testing.T) {
	hub := relaytest.NewHub()
	opts := Options{NegotiationTimeout: 150 * time.Millisecond}
	a := newParty(t, hub, alice, partyOpts{opts: opts, mute: 1})
	b := newParty(t, hub, bob, partyOpts{opts: opts, mute: 1})
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)

	waitState(t, a, peer.StateConnected)
	waitState(t, b, peer.StateConnected)
	if v := a.c.View(); v.Restarts != 1 {
		t.Fatalf("initiator restarts = %d", v.Restarts)
	}
	if v := b.c.View(); v.Restarts != 1 {
		t.Fatalf("responder restarts = %d", v.Restarts)
	}
	if n := offersFrom(a.ch); n != 2 {
		t.Fatalf("offers = %d, want 2", n)
	}
}

func TestRestartBudgetExhausted(t *testing.T) {
	hub := relaytest.NewHub()
	opts := Options{NegotiationTimeout: 100 * time.Millisecond}
	a := newParty(t, hub, alice, partyOpts{opts: opts, mute: 10})
	b := newParty(t, hub, bob, partyOpts{opts: opts, mute: 10})
	a.surfaces()
	b.surfaces()
	a.join(t, alice)
	b.join(t, bob)

	select {
	case err := <-a.errs:
		if !errors.Is(err, peer.ErrConnectionFailed) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(wait):
		t.Fatal("final failure not reported")
	}
	v := a.c.View()
	if v.PeerState != peer.StateFailed || v.Restarts != 1 {
		t.Fatalf("view = %+v", v)
	}
}

func TestRelayReconnectResubscribes(t *testing.T) {
	hub := relaytest.NewHub()
	a := newParty(t, hub, alice, partyOpts{})
	b := newParty(t, hub, bob, partyOpts{})
	a.join(t, alice)
	b.join(t, bob)
	eventually(t, "both present", func() bool { return a.c.View().Participants == 2 })

	b.ch.Drop()
	eventually(t, "bob gone", func() bool { return a.c.View().OpponentLeft })

	b.ch.Restore()
	eventually(t, "bob back", func() bool {
		v := a.c.View()
		return !v.OpponentLeft && v.Participants == 2
	})
	for _, topic := range []string{PresenceRoom(sid), SignalTopic(sid), RoomTopic(sid)} {
		if !hub.Subscribed(b.ch, topic) {
			t.Fatalf("bob not resubscribed to %s", topic)
		}
	}

	got := make(chan domain.ParticipantID, 1)
	a.c.OnActiveSpeaker(func(id domain.ParticipantID) { got <- id })
	if err := b.c.BroadcastActiveSpeaker(bob); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-got:
		if id != bob {
			t.Fatalf("speaker = %s", id)
		}
	case <-time.After(wait):
		t.Fatal("event lost after reconnect")
	}
}
