package signal

import (
	"context"
	"time"

	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(ctl.Opts.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.Disconnect(sid)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(sid)
		}
		if ctl.Orch.Metrics != nil {
			ctl.Orch.Metrics.Connections.Dec()
		}
		cancel()
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", "bad_payload")
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		ctl.handleSubscribe(sid, c, env)
	case protocol.TypeUnsubscribe:
		ctl.handleUnsubscribe(sid, env)
	case protocol.TypeBroadcast:
		ctl.handleBroadcast(sid, c, env)
	case protocol.TypeTrack:
		ctl.handleTrack(sid, c, env)
	case protocol.TypeUntrack:
		ctl.handleUntrack(sid, c, env)
	case protocol.TypePing:
		ctl.handlePing(c, env)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(sid, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.Topic, "unknown_type")
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, env protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, topic, reason string) {
	ctl.send(c, protocol.Envelope{Type: protocol.TypeError, Topic: topic, Error: reason})
}
