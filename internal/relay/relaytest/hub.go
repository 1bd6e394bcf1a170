// Package relaytest provides an in-process relay for tests.
package relaytest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/protocol"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/google/uuid"
)

// Hub routes events between Channels the way the relay server does:
// broadcasts skip the sender and presence changes go to every subscriber as
// a diff followed by the full state.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Channel]*relay.Subscription
	state  map[string]map[*Channel]protocol.PresenceEntry
	keys   map[string]map[*Channel]string
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*Channel]*relay.Subscription),
		state:  make(map[string]map[*Channel]protocol.PresenceEntry),
		keys:   make(map[string]map[*Channel]string),
	}
}

// Channel is one participant's connection to the hub.
type Channel struct {
	hub *Hub
	id  string

	mu        sync.Mutex
	subs      map[string]*relay.Subscription
	tracked   map[string]protocol.PresenceEntry
	reconnect []func()
	down      bool
	published []Published

	// FailSubscribe, when set, is returned by Subscribe for matching topics.
	FailSubscribe func(topic string) error

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// Published records one Publish call.
type Published struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

var _ relay.Channel = (*Channel)(nil)

// Connect returns a Channel whose broadcasts carry from=id.
func (h *Hub) Connect(id string) *Channel {
	c := &Channel{
		hub:     h,
		id:      id,
		subs:    make(map[string]*relay.Subscription),
		tracked: make(map[string]protocol.PresenceEntry),
		queue:   make(chan func(), 1024),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Channel) deliver(sub *relay.Subscription, ev relay.Event) {
	select {
	case c.queue <- func() { sub.Dispatch(ev) }:
	case <-c.done:
	}
}

// Close stops delivery to this channel.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.Drop()
		close(c.done)
	})
}

func (c *Channel) Subscribe(ctx context.Context, topic string) (*relay.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.FailSubscribe != nil {
		if err := c.FailSubscribe(topic); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	down := c.down
	old := c.subs[topic]
	c.mu.Unlock()
	if down {
		return nil, relay.ErrRelayUnavailable
	}
	if old != nil {
		c.Unsubscribe(old)
	}
	sub := relay.NewSubscription(topic, uuid.NewString())
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()
	c.hub.join(c, topic, sub)
	return sub, nil
}

func (c *Channel) Publish(topic, event string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.subs[topic]
	down := c.down
	if ok && !down {
		c.published = append(c.published, Published{Topic: topic, Event: event, Payload: raw})
	}
	c.mu.Unlock()
	if !ok {
		return relay.ErrNotSubscribed
	}
	if down {
		return relay.ErrRelayUnavailable
	}
	c.hub.broadcast(c, topic, relay.Event{Topic: topic, Name: event, From: c.id, Payload: raw})
	return nil
}

func (c *Channel) OnEvent(sub *relay.Subscription, event string, h relay.Handler) {
	if sub != nil {
		sub.On(event, h)
	}
}

func (c *Channel) Unsubscribe(sub *relay.Subscription) {
	if sub == nil || sub.Closed() {
		return
	}
	c.mu.Lock()
	current := c.subs[sub.Topic()] == sub
	if current {
		delete(c.subs, sub.Topic())
		delete(c.tracked, sub.Topic())
	}
	c.mu.Unlock()
	sub.Close()
	if current {
		c.hub.leave(c, sub.Topic())
	}
}

func (c *Channel) Track(sub *relay.Subscription, key string, meta any) error {
	if sub == nil || sub.Closed() {
		return relay.ErrSubscriptionClosed
	}
	raw, err := marshal(meta)
	if err != nil {
		return err
	}
	entry := protocol.PresenceEntry{Key: key, Meta: raw, JoinedAt: time.Now().UTC()}
	c.mu.Lock()
	c.tracked[sub.Topic()] = entry
	down := c.down
	c.mu.Unlock()
	if down {
		return relay.ErrRelayUnavailable
	}
	c.hub.track(c, sub.Topic(), entry)
	return nil
}

func (c *Channel) Untrack(sub *relay.Subscription) error {
	if sub == nil || sub.Closed() {
		return relay.ErrSubscriptionClosed
	}
	c.mu.Lock()
	delete(c.tracked, sub.Topic())
	c.mu.Unlock()
	c.hub.untrack(c, sub.Topic())
	return nil
}

func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, fn)
}

func (c *Channel) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return relay.ErrRelayUnavailable
	}
	subs := make(map[string]*relay.Subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	tracked := make(map[string]protocol.PresenceEntry, len(c.tracked))
	for t, e := range c.tracked {
		tracked[t] = e
	}
	c.mu.Unlock()
	for topic, sub := range subs {
		c.hub.join(c, topic, sub)
		if e, ok := tracked[topic]; ok {
			c.hub.track(c, topic, e)
		}
	}
	return nil
}

// Drop simulates transport loss: the hub forgets this channel's
// subscriptions and presence, handles stay open on the client side.
func (c *Channel) Drop() {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.down = true
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	for _, t := range topics {
		c.hub.leave(c, t)
	}
}

// Restore brings the transport back and runs the reconnect callbacks.
func (c *Channel) Restore() {
	c.mu.Lock()
	c.down = false
	fns := append([]func(){}, c.reconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Published returns every event this channel published, in order.
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Subscribed reports whether the hub currently routes topic to c.
func (h *Hub) Subscribed(c *Channel, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.topics[topic][c]
	return ok
}

func (h *Hub) join(c *Channel, topic string, sub *relay.Subscription) {
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Channel]*relay.Subscription)
	}
	h.topics[topic][c] = sub
	state := h.stateLocked(topic)
	h.mu.Unlock()
	c.deliver(sub, relay.Event{Topic: topic, Name: relay.EventPresenceState, State: state})
}

func (h *Hub) leave(c *Channel, topic string) {
	h.mu.Lock()
	delete(h.topics[topic], c)
	leaves := h.dropLocked(c, topic)
	h.mu.Unlock()
	if len(leaves) > 0 {
		h.presence(topic, nil, leaves)
	}
}

func (h *Hub) track(c *Channel, topic string, e protocol.PresenceEntry) {
	h.mu.Lock()
	if _, ok := h.topics[topic][c]; !ok {
		h.mu.Unlock()
		return
	}
	leaves := h.dropLocked(c, topic)
	if h.state[topic] == nil {
		h.state[topic] = make(map[*Channel]protocol.PresenceEntry)
	}
	h.state[topic][c] = e
	h.mu.Unlock()
	h.presence(topic, protocol.PresenceState{e.Key: e}, leaves)
}

func (h *Hub) untrack(c *Channel, topic string) {
	h.mu.Lock()
	leaves := h.dropLocked(c, topic)
	h.mu.Unlock()
	if len(leaves) > 0 {
		h.presence(topic, nil, leaves)
	}
}

func (h *Hub) dropLocked(c *Channel, topic string) protocol.PresenceState {
	e, ok := h.state[topic][c]
	if !ok {
		return nil
	}
	delete(h.state[topic], c)
	return protocol.PresenceState{e.Key: e}
}

func (h *Hub) stateLocked(topic string) protocol.PresenceState {
	out := make(protocol.PresenceState, len(h.state[topic]))
	for _, e := range h.state[topic] {
		out[e.Key] = e
	}
	return out
}

type target struct {
	c   *Channel
	sub *relay.Subscription
}

func (h *Hub) targetsLocked(topic string, except *Channel) []target {
	out := make([]target, 0, len(h.topics[topic]))
	for c, sub := range h.topics[topic] {
		if c != except {
			out = append(out, target{c, sub})
		}
	}
	return out
}

func (h *Hub) presence(topic string, joins, leaves protocol.PresenceState) {
	h.mu.Lock()
	targets := h.targetsLocked(topic, nil)
	state := h.stateLocked(topic)
	h.mu.Unlock()
	for _, t := range targets {
		t.c.deliver(t.sub, relay.Event{Topic: topic, Name: relay.EventPresenceDiff, Joins: joins, Leaves: leaves})
		t.c.deliver(t.sub, relay.Event{Topic: topic, Name: relay.EventPresenceState, State: state})
	}
}

func (h *Hub) broadcast(from *Channel, topic string, ev relay.Event) {
	h.mu.Lock()
	targets := h.targetsLocked(topic, from)
	h.mu.Unlock()
	for _, t := range targets {
		t.c.deliver(t.sub, ev)
	}
}

func marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(v)
	}
}
