package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Debate/internal/adapters/rtc"
	"github.com/dkeye/Debate/internal/config"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/dkeye/Debate/internal/media"
	"github.com/dkeye/Debate/internal/relay"
	"github.com/dkeye/Debate/internal/session"
	"github.com/dkeye/Debate/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("debater", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadClient(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	sess, err := domain.NewSession(domain.SessionID(cfg.SessionID),
		domain.ParticipantID(cfg.Initiator), other(cfg), cfg.Topic)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid session")
	}

	token := cfg.Token
	if token == "" {
		base, err := relay.HTTPBase(cfg.RelayURL)
		if err != nil {
			log.Fatal().Err(err).Msg("bad relay url")
		}
		token, err = relay.IssueToken(ctx, &http.Client{Timeout: 10 * time.Second}, base, cfg.Self, cfg.DisplayName)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to obtain participant token")
		}
	}

	client := relay.NewClient(relay.Options{
		URL:          cfg.RelayURL,
		Token:        token,
		DialAttempts: cfg.DialAttempts,
		DialBackoff:  cfg.DialBackoff,
		AckTimeout:   cfg.AckTimeout,
		PingPeriod:   cfg.PingPeriod,
	})
	defer client.Close()

	factory, err := rtc.NewApiFactory(rtc.Options{STUNServers: cfg.STUNServers, LogLevel: zerolog.WarnLevel})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build peer connection factory")
	}

	var st session.Store
	if cfg.DatabaseDSN != "" {
		db, err := store.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open store")
		}
		defer db.Close()
		if err := db.AutoMigrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate store")
		}
		st = store.NewSessionRepository(db)
	}

	coord := session.NewCoordinator(client, media.NewFileSource(cfg.MediaDir), factory, st, session.Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
		MaxRestarts:        cfg.MaxRestarts,
		DisplayName:        cfg.DisplayName,
	})

	done := make(chan struct{})
	coord.OnStateChange(func(v session.View) {
		log.Info().Str("state", string(v.PeerState)).Int("present", v.Participants).Bool("opponent_left", v.OpponentLeft).Msg("session view")
	})
	coord.OnError(func(err error) {
		log.Error().Err(err).Msg("session error")
	})
	coord.OnOpponentLeft(func(id domain.ParticipantID) {
		log.Warn().Str("opponent", string(id)).Msg("opponent left the debate")
		select {
		case <-done:
		default:
			close(done)
		}
	})
	var scoreMu sync.Mutex
	var lastScore []byte
	coord.OnScoreReceived(func(from domain.ParticipantID, payload []byte) {
		log.Info().Str("from", string(from)).RawJSON("score", payload).Msg("score update")
		scoreMu.Lock()
		lastScore = append(lastScore[:0], payload...)
		scoreMu.Unlock()
	})
	coord.OnActiveSpeaker(func(id domain.ParticipantID) {
		log.Info().Str("speaker", string(id)).Msg("active speaker")
	})

	coord.SetLocalSurface(media.LogSurface{Name: "local"})
	var recorder *media.Recorder
	if cfg.RecordDir != "" {
		recorder = media.NewRecorder(cfg.RecordDir, cfg.SessionID)
		coord.SetRemoteSurface(recorder)
	} else {
		coord.SetRemoteSurface(media.LogSurface{Name: "remote"})
	}

	if err := coord.Join(ctx, sess, domain.ParticipantID(cfg.Self)); err != nil {
		log.Fatal().Err(err).Msg("failed to join session")
	}
	log.Info().Str("session", cfg.SessionID).Str("relay", cfg.RelayURL).Msg("Debater joined")

	var timeout <-chan time.Time
	if cfg.Duration > 0 {
		timeout = time.After(cfg.Duration)
	}
	select {
	case <-ctx.Done():
	case <-done:
	case <-timeout:
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	scoreMu.Lock()
	result := session.Result{Winner: domain.ParticipantID(cfg.Winner), Data: lastScore}
	scoreMu.Unlock()
	if err := coord.EndWithResult(endCtx, sess.ID, result); errors.Is(err, session.ErrInvalidResult) {
		log.Error().Err(err).Msg("result rejected, ending without it")
		err = coord.End(endCtx, sess.ID)
		if err != nil {
			log.Error().Err(err).Msg("end session")
		}
	} else if err != nil {
		log.Error().Err(err).Msg("end session")
	}
	if recorder != nil {
		recorder.Wait()
	}
	log.Info().Msg("Debater exited")
}

func other(cfg *config.ClientConfig) domain.ParticipantID {
	if cfg.Initiator == cfg.Self {
		return domain.ParticipantID(cfg.Opponent)
	}
	return domain.ParticipantID(cfg.Self)
}
