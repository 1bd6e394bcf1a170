// Package relay is the client side of the topic relay: subscriptions,
// broadcast events and presence over one websocket connection.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Debate/internal/protocol"
)

var (
	ErrRelayUnavailable   = errors.New("relay unavailable")
	ErrClosed             = errors.New("relay client closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrNotSubscribed      = errors.New("not subscribed to topic")
)

// Presence events use the protocol frame types as their names.
const (
	EventPresenceState = protocol.TypePresenceState
	EventPresenceDiff  = protocol.TypePresenceDiff
)

type Event struct {
	Topic   string
	Name    string
	From    string
	Payload json.RawMessage
	State   protocol.PresenceState
	Joins   protocol.PresenceState
	Leaves  protocol.PresenceState
}

type Handler func(Event)

// Channel is the relay contract the presence and session layers build on.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Publish(topic, event string, payload any) error
	OnEvent(sub *Subscription, event string, h Handler)
	Unsubscribe(sub *Subscription)
	Track(sub *Subscription, key string, meta any) error
	Untrack(sub *Subscription) error
	OnReconnect(fn func())
	Resubscribe(ctx context.Context) error
}

// Subscription is the handle for one open topic.
type Subscription struct {
	topic string

	mu        sync.Mutex
	ref       string
	handlers  map[string][]Handler
	closed    bool
	lastState *Event
	key       string
	meta      json.RawMessage
	tracked   bool
}

func NewSubscription(topic, ref string) *Subscription {
	return &Subscription{topic: topic, ref: ref, handlers: make(map[string][]Handler)}
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Ref() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// On adds h for event. Handlers are additive. A presence_state handler
// immediately receives the latest snapshot if one has arrived.
func (s *Subscription) On(event string, h Handler) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.handlers[event] = append(s.handlers[event], h)
	var replay *Event
	if event == EventPresenceState && s.lastState != nil {
		ev := *s.lastState
		replay = &ev
	}
	s.mu.Unlock()
	if replay != nil {
		h(*replay)
	}
}

// Dispatch runs the handlers registered for ev.Name.
func (s *Subscription) Dispatch(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Name == EventPresenceState {
		snap := ev
		s.lastState = &snap
	}
	hs := make([]Handler, len(s.handlers[ev.Name]))
	copy(hs, s.handlers[ev.Name])
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Close marks the handle closed and drops its handlers without telling the
// relay; owners go through Channel.Unsubscribe. It reports whether this call
// closed the handle.
func (s *Subscription) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.handlers = make(map[string][]Handler)
	return true
}

func (s *Subscription) setRef(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref = ref
}

func (s *Subscription) setPresence(key string, meta json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.meta, s.tracked = key, meta, true
}

func (s *Subscription) clearPresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key, s.meta, s.tracked = "", nil, false
}

func (s *Subscription) presence() (string, json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.meta, s.tracked
}
