package signal

import (
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleTrack(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	key := env.Key
	if key == "" {
		key = string(ctl.Orch.Registry.GetOrCreateUser(sid).ID)
	}
	if err := ctl.Orch.Track(sid, domain.TopicName(env.Topic), key, env.Meta); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("topic", env.Topic).Msg("track rejected")
		ctl.sendError(conn, env.Topic, errorReason(err))
	}
}

func (ctl *SignalWSController) handleUntrack(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if err := ctl.Orch.Untrack(sid, domain.TopicName(env.Topic)); err != nil {
		ctl.sendError(conn, env.Topic, errorReason(err))
	}
}
