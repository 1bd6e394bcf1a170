package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Debate/internal/adapters/signal"
	"github.com/dkeye/Debate/internal/app/orch"
	"github.com/dkeye/Debate/internal/config"
	"github.com/dkeye/Debate/internal/persona"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Services are the collaborators the router exposes over HTTP.
type Services struct {
	Orch     *orch.Orchestrator
	Limiter  *signal.RateLimiter
	Tokens   *TokenIssuer
	Persona  *persona.Client
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DebateSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(svc.Orch, svc.Limiter, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendQueue:  cfg.SendQueue,
	})

	api := r.Group("/api")

	api.GET("/ws/relay", ParticipantMiddleware(svc.Tokens), func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws relay endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/topics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"topics": svc.Orch.Topics.List()})
	})

	if svc.Tokens != nil {
		api.POST("/token", issueTokenHandler(svc.Tokens))
	}

	if svc.Persona != nil {
		h := personaHandlers{client: svc.Persona, defaultPersona: cfg.Persona.DefaultPersona}
		p := api.Group("/persona")
		p.GET("/:id", h.get)
		p.POST("/conversations", h.create)
		p.DELETE("/conversations/:id", h.end)
		p.POST("/conversations/:id/speak", h.speak)
	}

	if svc.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}
