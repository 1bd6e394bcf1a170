package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Debate/internal/app/orch"
	"github.com/dkeye/Debate/internal/core"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// ParticipantKey is the gin context key holding an authenticated *domain.User.
const ParticipantKey = "participant"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendQueue  int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter
	Opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		Opts:    opts.withDefaults(),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// identity resolves the user behind the request: an authenticated
// participant if the auth middleware found one, otherwise the client token.
func identity(c *gin.Context) *domain.User {
	if v, ok := c.Get(ParticipantKey); ok {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	if u, err := domain.NewUser(domain.ParticipantID(c.GetString("client_token")), ""); err == nil {
		return u
	}
	return domain.NewGuest()
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	user := identity(c)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Opts.SendQueue),
	}

	ctl.Orch.Registry.SetUser(sid, user)
	sess := core.NewMemberSession(domain.NewMember(user), conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)
	if ctl.Orch.Metrics != nil {
		ctl.Orch.Metrics.Connections.Inc()
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
