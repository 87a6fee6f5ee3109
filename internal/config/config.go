package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIBaseURL string `envconfig:"API_BASE_URL" required:"true"`
	APIToken   string `envconfig:"API_TOKEN"`

	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	DeliveryDir string `envconfig:"DELIVERY_DIR" required:"true"`
	InlineDir   string `envconfig:"INLINE_DIR"`

	SettleDelay     time.Duration `envconfig:"SETTLE_DELAY" default:"200ms"`
	IdleReadTimeout time.Duration `envconfig:"IDLE_READ_TIMEOUT" default:"2m"`
	ChunkSize       int           `envconfig:"CHUNK_SIZE" default:"262144"`

	KeepDeliveredFor time.Duration `envconfig:"KEEP_DELIVERED_FOR" default:"24h"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8292"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		Exporter     string `split_words:"true" default:"prometheus"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		ServiceName  string `split_words:"true" default:"download-manager"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.InlineDir == "" {
		cfg.InlineDir = cfg.DeliveryDir
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
