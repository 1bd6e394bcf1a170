package signal

import (
	"errors"

	"github.com/dkeye/Debate/internal/app/orch"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

func errorReason(err error) string {
	switch {
	case errors.Is(err, orch.ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, orch.ErrEmptyTopic):
		return "empty_topic"
	case errors.Is(err, orch.ErrUnknownSession):
		return "unknown_session"
	default:
		return "internal"
	}
}

func (ctl *SignalWSController) handleSubscribe(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if err := ctl.Orch.Subscribe(sid, domain.TopicName(env.Topic), env.Ref); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("topic", env.Topic).Msg("subscribe rejected")
		ctl.send(conn, protocol.Envelope{Type: protocol.TypeError, Topic: env.Topic, Ref: env.Ref, Error: errorReason(err)})
	}
}

func (ctl *SignalWSController) handleUnsubscribe(sid core.SessionID, env protocol.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", env.Topic).Msg("unsubscribe")
	ctl.Orch.Unsubscribe(sid, domain.TopicName(env.Topic))
}

func (ctl *SignalWSController) handleBroadcast(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid) {
		if ctl.Orch.Metrics != nil {
			ctl.Orch.Metrics.RateLimited.Inc()
		}
		ctl.sendError(conn, env.Topic, "rate_limited")
		return
	}
	if env.Event == "" {
		ctl.sendError(conn, env.Topic, "empty_event")
		return
	}
	if err := ctl.Orch.Publish(sid, domain.TopicName(env.Topic), env.Event, env.Payload); err != nil {
		ctl.sendError(conn, env.Topic, errorReason(err))
	}
}
