package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Persona struct {
	BaseURL                string        `mapstructure:"base_url"`
	APIKey                 string        `mapstructure:"api_key"`
	DefaultPersona         string        `mapstructure:"default_persona"`
	MaxCallDuration        time.Duration `mapstructure:"max_call_duration"`
	ParticipantLeftTimeout time.Duration `mapstructure:"participant_left_timeout"`
	Timeout                time.Duration `mapstructure:"timeout"`
}

// Config is the relay server configuration.
type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	LogLevel     string        `mapstructure:"log_level"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendQueue    int           `mapstructure:"send_queue"`
	Secret       string        `mapstructure:"secret"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	Backpressure string        `mapstructure:"backpressure"`
	PresenceSync time.Duration `mapstructure:"presence_sync"`
	RateLimit    RateLimit     `mapstructure:"rate_limit"`
	Persona      Persona       `mapstructure:"persona"`
}

func newViper(prefix string) (*viper.Viper, string) {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", prefix, env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
}

func Load() (*Config, error) {
	v, fileName := newViper("config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("token_ttl", "12h")
	v.SetDefault("backpressure", "kick")
	v.SetDefault("presence_sync", "30s")
	v.SetDefault("rate_limit.limit", 50)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("persona.base_url", "https://tavusapi.com/v2")
	v.SetDefault("persona.default_persona", "p8494ff3054c")
	v.SetDefault("persona.max_call_duration", "600s")
	v.SetDefault("persona.participant_left_timeout", "30s")
	v.SetDefault("persona.timeout", "15s")
	_ = v.BindEnv("persona.api_key", "TAVUS_API_KEY")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("secret", "SESSION_SECRET")

	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
