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
	OutputDir         string        `envconfig:"OUTPUT_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	MetricsWindow     int           `envconfig:"METRICS_WINDOW" default:"300"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Queue struct {
		MinWorkers        int           `split_words:"true" default:"4"`
		MaxWorkers        int           `split_words:"true" default:"10"`
		MaxQueueSize      int           `split_words:"true" default:"300"`
		PerUserRateLimit  int           `split_words:"true" default:"5"`
		PerUserWindow     time.Duration `split_words:"true" default:"10s"`
		PerUserMaxPending int           `split_words:"true" default:"4"`
		ScaleCooldown     time.Duration `split_words:"true" default:"8s"`
		ScaleDownIdle     time.Duration `split_words:"true" default:"40s"`
	}

	Download struct {
		ChunkSize          int64         `split_words:"true" default:"1048576"`
		MultipartThreshold int64         `split_words:"true" default:"12582912"`
		MaxFetchers        int           `split_words:"true" default:"6"`
		HeadTimeout        time.Duration `split_words:"true" default:"8s"`
		StreamTimeout      time.Duration `split_words:"true" default:"60s"`
		MaxRetries         int           `split_words:"true" default:"3"`
		RetryBackoff       time.Duration `split_words:"true" default:"750ms"`
		AllowResume        bool          `split_words:"true" default:"true"`
		TempSuffix         string        `split_words:"true" default:".part"`
		OnProbeFailure     string        `split_words:"true" default:"degrade"`
		MaxFileSize        int64         `split_words:"true" default:"0"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"downloaderd"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
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
