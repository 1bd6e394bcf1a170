package signal

import (
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/protocol"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, env protocol.Envelope) {
	ctl.send(conn, protocol.Envelope{Type: protocol.TypePong, Ref: env.Ref})
}

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn *WsSignalConn) {
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	ctl.send(conn, protocol.Envelope{
		Type: protocol.TypeWhoAmI,
		ID:   string(user.ID),
		Name: user.DisplayName,
	})
}
