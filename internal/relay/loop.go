package relay

import (
	"time"

	"github.com/dkeye/Debate/internal/protocol"
	"github.com/gorilla/websocket"
)

// readLoop is the only reader of conn; events are dispatched in arrival
// order.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSubscribed:
		c.ack(env.Ref, env)
	case protocol.TypeWhoAmI:
		c.mu.Lock()
		c.selfID = env.ID
		c.mu.Unlock()
		c.ack(protocol.TypeWhoAmI, env)
	case protocol.TypeError:
		if env.Ref != "" && c.ack(env.Ref, env) {
			return
		}
		c.logger.Warn().Str("topic", env.Topic).Str("error", env.Error).Msg("relay error")
	case protocol.TypeBroadcast:
		c.dispatch(env.Topic, Event{Topic: env.Topic, Name: env.Event, From: env.From, Payload: env.Payload})
	case protocol.TypePresenceState:
		c.dispatch(env.Topic, Event{Topic: env.Topic, Name: EventPresenceState, State: env.State})
	case protocol.TypePresenceDiff:
		c.dispatch(env.Topic, Event{Topic: env.Topic, Name: EventPresenceDiff, Joins: env.Joins, Leaves: env.Leaves})
	case protocol.TypePong, protocol.TypeUnsubscribed:
	default:
		c.logger.Debug().Str("type", env.Type).Msg("unhandled frame")
	}
}

func (c *Client) ack(ref string, env protocol.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.acks[ref]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (c *Client) dispatch(topic string, ev Event) {
	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()
	if sub != nil {
		sub.Dispatch(ev)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			if err := c.write(conn, protocol.Envelope{Type: protocol.TypePing}); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// lost drops conn and, unless the client is closed, starts reconnecting.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.selfID = ""
	closed := c.closed
	for ref, ch := range c.acks {
		close(ch)
		delete(c.acks, ref)
	}
	c.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}
	c.logger.Warn().Err(err).Msg("transport lost")
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		_, err := c.ensureConn(c.ctx)
		if err == nil {
			break
		}
		c.logger.Warn().Err(err).Msg("reconnect failed, retrying")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.DialBackoff):
		}
	}

	c.mu.Lock()
	fns := make([]func(), len(c.onReconnect))
	copy(fns, c.onReconnect)
	c.mu.Unlock()
	c.logger.Info().Int("callbacks", len(fns)).Msg("reconnected")
	for _, fn := range fns {
		fn()
	}
}
