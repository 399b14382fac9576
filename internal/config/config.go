// Package config loads the relay configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full relay configuration. Empty RedisAddr, DatabaseURL or
// NATSURL disable the corresponding backend.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080" validate:"required"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"min=1"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"min=1"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"60s" validate:"gt=0"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gt=0"`
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"30s" validate:"gt=0"`
	PongTimeout    time.Duration `envconfig:"PONG_TIMEOUT" default:"10s" validate:"gt=0"`

	ServerName  string `envconfig:"SERVER_NAME"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	NATSURL     string `envconfig:"NATS_URL"`

	Cooldown          time.Duration `envconfig:"SEND_COOLDOWN" default:"1500ms" validate:"gte=0"`
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"50" validate:"min=0,max=1000"`
	HistoryBufferSize int           `envconfig:"HISTORY_BUFFER_SIZE" default:"1000" validate:"min=1"`

	ModerationTerms      []string `envconfig:"MODERATION_TERMS"`
	ModerationSpamChecks bool     `envconfig:"MODERATION_SPAM_CHECKS" default:"false"`

	ModeratorMetricsAddr string `envconfig:"MODERATOR_METRICS_ADDR" default:":9091"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console" validate:"oneof=console json"`
}

var validate = validator.New()

// Load reads .env (if any), then the environment, applies defaults and
// validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
