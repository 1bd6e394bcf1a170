package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	URL          string
	Token        string
	Header       http.Header
	DialAttempts int
	DialBackoff  time.Duration
	AckTimeout   time.Duration
	PingPeriod   time.Duration
	WriteWait    time.Duration
	Dialer       *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.DialAttempts <= 0 {
		o.DialAttempts = 3
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = 500 * time.Millisecond
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client implements Channel over a single websocket connection that is
// opened on first use and re-dialed after transport loss.
type Client struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	subs        map[string]*Subscription
	acks        map[string]chan protocol.Envelope
	onReconnect []func()
	closed      bool
	selfID      string

	writeMu sync.Mutex
}

var _ Channel = (*Client)(nil)

func NewClient(opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts.withDefaults(),
		logger: log.With().Str("module", "relay").Logger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
		acks:   make(map[string]chan protocol.Envelope),
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	for k, v := range c.opts.Header {
		h[k] = v
	}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

// dial tries the retry budget once.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	backoff := c.opts.DialBackoff
	for attempt := 1; attempt <= c.opts.DialAttempts; attempt++ {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.header())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		if attempt == c.opts.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if conn := c.current(); conn != nil {
		return conn, nil
	}
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if conn := c.current(); conn != nil {
		return conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if !c.install(conn) {
		_ = conn.Close()
		return nil, ErrClosed
	}
	return conn, nil
}

func (c *Client) install(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)
	c.logger.Info().Str("url", c.opts.URL).Msg("connected")
	return true
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe opens topic. An existing subscription to the same topic is torn
// down first so a process never holds two.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	old := c.subs[topic]
	c.mu.Unlock()
	if old != nil {
		c.logger.Info().Str("topic", topic).Msg("replacing subscription")
		c.Unsubscribe(old)
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	sub := NewSubscription(topic, uuid.NewString())
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	if err := c.join(ctx, conn, sub); err != nil {
		c.mu.Lock()
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		sub.Close()
		return nil, err
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

// join sends subscribe for sub and waits for the acknowledgement.
func (c *Client) join(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	ref := sub.Ref()
	ack := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.acks[ref] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, ref)
		c.mu.Unlock()
	}()

	if err := c.write(conn, protocol.Envelope{Type: protocol.TypeSubscribe, Topic: sub.Topic(), Ref: ref}); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-ack:
		if !ok {
			return fmt.Errorf("%w: connection lost", ErrRelayUnavailable)
		}
		if env.Type == protocol.TypeError {
			return fmt.Errorf("subscribe %s: %s", sub.Topic(), env.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgement for %s", ErrRelayUnavailable, sub.Topic())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) OnEvent(sub *Subscription, event string, h Handler) {
	if sub == nil {
		return
	}
	sub.On(event, h)
}

// Publish sends a broadcast without waiting for delivery.
func (c *Client) Publish(topic, event string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.subs[topic]
	conn := c.conn
	c.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	if conn == nil {
		return ErrRelayUnavailable
	}
	return c.write(conn, protocol.Envelope{Type: protocol.TypeBroadcast, Topic: topic, Event: event, Payload: raw})
}

// Unsubscribe closes the handle. Repeated calls and calls after the
// transport dropped are no-ops beyond the first.
func (c *Client) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.Close() {
		return
	}
	c.mu.Lock()
	if c.subs[sub.Topic()] == sub {
		delete(c.subs, sub.Topic())
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if err := c.write(conn, protocol.Envelope{Type: protocol.TypeUnsubscribe, Topic: sub.Topic()}); err != nil {
			c.logger.Debug().Err(err).Str("topic", sub.Topic()).Msg("unsubscribe not delivered")
		}
	}
	c.logger.Info().Str("topic", sub.Topic()).Msg("unsubscribed")
}

func (c *Client) Track(sub *Subscription, key string, meta any) error {
	if sub == nil || sub.Closed() {
		return ErrSubscriptionClosed
	}
	raw, err := marshal(meta)
	if err != nil {
		return err
	}
	sub.setPresence(key, raw)
	conn := c.current()
	if conn == nil {
		return ErrRelayUnavailable
	}
	return c.write(conn, protocol.Envelope{Type: protocol.TypeTrack, Topic: sub.Topic(), Key: key, Meta: raw})
}

func (c *Client) Untrack(sub *Subscription) error {
	if sub == nil || sub.Closed() {
		return ErrSubscriptionClosed
	}
	sub.clearPresence()
	conn := c.current()
	if conn == nil {
		return ErrRelayUnavailable
	}
	return c.write(conn, protocol.Envelope{Type: protocol.TypeUntrack, Topic: sub.Topic()})
}

// OnReconnect registers fn to run after the transport is re-established.
// Topics are not reopened until Resubscribe is called.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Resubscribe reopens every live topic on the current connection and
// re-announces the last tracked presence.
func (c *Client) Resubscribe(ctx context.Context) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub.Closed() {
			continue
		}
		sub.setRef(uuid.NewString())
		if err := c.join(ctx, conn, sub); err != nil {
			errs = append(errs, err)
			continue
		}
		if key, meta, ok := sub.presence(); ok {
			if err := c.write(conn, protocol.Envelope{Type: protocol.TypeTrack, Topic: sub.Topic(), Key: key, Meta: meta}); err != nil {
				errs = append(errs, err)
			}
		}
		c.logger.Info().Str("topic", sub.Topic()).Msg("resubscribed")
	}
	return errors.Join(errs...)
}

// WhoAmI asks the relay which participant id this connection is bound to.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.selfID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	ack := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.acks[protocol.TypeWhoAmI] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, protocol.TypeWhoAmI)
		c.mu.Unlock()
	}()
	if err := c.write(conn, protocol.Envelope{Type: protocol.TypeWhoAmI}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	select {
	case env, ok := <-ack:
		if !ok {
			return "", ErrRelayUnavailable
		}
		return env.ID, nil
	case <-time.After(c.opts.AckTimeout):
		return "", fmt.Errorf("%w: whoami timed out", ErrRelayUnavailable)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close tears down the connection for good.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		s.Close()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	c.logger.Info().Msg("closed")
}

func marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		return json.Marshal(v)
	}
}
