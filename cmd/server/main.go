package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Debate/internal/adapters/http"
	wsignal "github.com/dkeye/Debate/internal/adapters/signal"
	"github.com/dkeye/Debate/internal/app"
	"github.com/dkeye/Debate/internal/app/orch"
	"github.com/dkeye/Debate/internal/config"
	"github.com/dkeye/Debate/internal/metrics"
	"github.com/dkeye/Debate/internal/persona"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Topics:   app.NewTopicManager(),
		Policy:   app.PolicyByName(cfg.Backpressure),
		Metrics:  metrics.NewRelay(reg),
	}
	go o.RunPresenceSync(ctx, cfg.PresenceSync)

	svc := router.Services{
		Orch:     o,
		Limiter:  wsignal.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Interval),
		Gatherer: reg,
		Persona: persona.NewClient(persona.Options{
			BaseURL:                cfg.Persona.BaseURL,
			APIKey:                 cfg.Persona.APIKey,
			MaxCallDuration:        cfg.Persona.MaxCallDuration,
			ParticipantLeftTimeout: cfg.Persona.ParticipantLeftTimeout,
			HTTPClient:             &http.Client{Timeout: cfg.Persona.Timeout},
		}),
	}
	if cfg.JWTSecret != "" {
		svc.Tokens = router.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	} else {
		log.Warn().Msg("jwt_secret not set, participant tokens disabled")
	}

	r := router.SetupRouter(ctx, cfg, svc)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Debate relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
