package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// ClientConfig configures one headless debate participant.
type ClientConfig struct {
	LogLevel           string        `mapstructure:"log_level"`
	RelayURL           string        `mapstructure:"relay_url"`
	Token              string        `mapstructure:"token"`
	SessionID          string        `mapstructure:"session"`
	Self               string        `mapstructure:"self"`
	Opponent           string        `mapstructure:"opponent"`
	Initiator          string        `mapstructure:"initiator"`
	Topic              string        `mapstructure:"topic"`
	DisplayName        string        `mapstructure:"display_name"`
	MediaDir           string        `mapstructure:"media_dir"`
	RecordDir          string        `mapstructure:"record_dir"`
	STUNServers        []string      `mapstructure:"stun_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	DialAttempts       int           `mapstructure:"dial_attempts"`
	DialBackoff        time.Duration `mapstructure:"dial_backoff"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	DatabaseDSN        string        `mapstructure:"database_dsn"`
	Duration           time.Duration `mapstructure:"duration"`
	Winner             string        `mapstructure:"winner"`
}

// DefaultSTUNServers are the public servers the debate client has always used.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// ClientFlags registers the debater flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("relay_url", "ws://localhost:8080/api/ws/relay", "Relay websocket URL")
	fs.String("token", "", "Participant JWT issued by the relay")
	fs.String("session", "", "Debate session id")
	fs.String("self", "", "Own participant id")
	fs.String("opponent", "", "Opponent participant id")
	fs.String("initiator", "", "Participant id that sent the debate request")
	fs.String("topic", "", "Debate topic")
	fs.String("display_name", "", "Name shown to the opponent")
	fs.String("media_dir", "./media", "Directory with video.ivf and audio.ogg")
	fs.String("record_dir", "", "Directory to record the opponent into")
	fs.Duration("duration", 0, "End the debate after this long (0 waits for a signal)")
	fs.String("winner", "", "Participant id recorded as the winner when the debate ends")
	fs.String("log_level", "info", "Log level")
}

func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v, fileName := newViper("debater")

	v.SetDefault("log_level", "info")
	v.SetDefault("stun_servers", DefaultSTUNServers)
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("max_restarts", 1)
	v.SetDefault("dial_attempts", 5)
	v.SetDefault("dial_backoff", "500ms")
	v.SetDefault("ack_timeout", "5s")
	v.SetDefault("ping_period", "25s")
	_ = v.BindEnv("database_dsn", "DATABASE_URL")

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	readFile(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SessionID == "" || cfg.Self == "" || cfg.Opponent == "" {
		return nil, fmt.Errorf("session, self and opponent are required")
	}
	if cfg.Initiator == "" {
		cfg.Initiator = cfg.Self
	}
	if cfg.Initiator != cfg.Self && cfg.Initiator != cfg.Opponent {
		return nil, fmt.Errorf("initiator %q is not a participant", cfg.Initiator)
	}
	log.Info().Str("module", "config").Str("session", cfg.SessionID).Str("self", cfg.Self).Msg("client config ready")
	return &cfg, nil
}
