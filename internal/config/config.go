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
	DBPath      string `envconfig:"DB_PATH" default:"bookhound.db"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	LibraryDir  string `envconfig:"LIBRARY_DIR" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	MirrorBaseURL  string        `envconfig:"MIRROR_BASE_URL" required:"true"`
	MirrorAPIKey   string        `envconfig:"MIRROR_API_KEY"`
	CatalogBaseURL string        `envconfig:"CATALOG_BASE_URL" required:"true"`
	CatalogAPIKey  string        `envconfig:"CATALOG_API_KEY"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"10m"`
	SearchTimeout  time.Duration `envconfig:"SEARCH_TIMEOUT" default:"30s"`

	MaxRetryAttempts int           `envconfig:"MAX_RETRY_ATTEMPTS" default:"3"`
	QuotaBackoff     time.Duration `envconfig:"QUOTA_BACKOFF" default:"1h"`
	RetryCooldown    time.Duration `envconfig:"RETRY_COOLDOWN" default:"5m"`

	// Parsed for compatibility with existing deployments; the queue is
	// a strict single-attempt sequencer and does not use it.
	MaxConcurrentDownloads int `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"1"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"30m"`
	SearchDelay   time.Duration `envconfig:"SEARCH_DELAY" default:"2s"`
	ISBNFirst     bool          `envconfig:"ISBN_FIRST" default:"true"`
	YearNarrowing bool          `envconfig:"YEAR_NARROWING" default:"true"`

	ListPollInterval time.Duration `envconfig:"LIST_POLL_INTERVAL" default:"6h"`
	FeedTimeout      time.Duration `envconfig:"FEED_TIMEOUT" default:"1m"`

	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepFailedFor   time.Duration `envconfig:"KEEP_FAILED_FOR" default:"24h"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"bookhound"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8085"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
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
