// Package config loads and validates slotwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/slotwatch/internal/booking"
	"github.com/JakeFAU/slotwatch/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Booking   BookingConfig   `mapstructure:"booking"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MonitorConfig holds the process-wide session defaults. Individual monitors
// may override a subset through their stored config.
type MonitorConfig struct {
	TargetURL           string   `mapstructure:"target_url"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"`
	MaxJitterSeconds    int      `mapstructure:"max_jitter_seconds"`
	NavTimeoutSeconds   int      `mapstructure:"nav_timeout_seconds"`
	LoadTimeoutSeconds  int      `mapstructure:"load_timeout_seconds"`
	SettleDelayMs       int      `mapstructure:"settle_delay_ms"`
	CaptchaPauseSeconds int      `mapstructure:"captcha_pause_seconds"`
	ContentSelectors    []string `mapstructure:"content_selectors"`
	CaptchaSelectors    []string `mapstructure:"captcha_selectors"`
}

// BookingConfig controls booking automation.
type BookingConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	TargetURL             string `mapstructure:"target_url"`
	MaxParallel           int    `mapstructure:"max_parallel"`
	CaptchaTimeoutSeconds int    `mapstructure:"captcha_timeout_seconds"`
	SubmitTimeoutSeconds  int    `mapstructure:"submit_timeout_seconds"`
	ArtifactPrefix        string `mapstructure:"artifact_prefix"`
}

// BrowserConfig selects and tunes the page driver.
type BrowserConfig struct {
	Driver      string `mapstructure:"driver"`
	UserAgent   string `mapstructure:"user_agent"`
	Headless    bool   `mapstructure:"headless"`
	MaxParallel int    `mapstructure:"max_parallel"`
	Width       int    `mapstructure:"width"`
	Height      int    `mapstructure:"height"`
	ExecPath    string `mapstructure:"exec_path"`
	// NavigationsPerMinute caps page loads per host across all monitors.
	NavigationsPerMinute float64 `mapstructure:"navigations_per_minute"`
	NavigationBurst      int     `mapstructure:"navigation_burst"`
}

// QueueConfig selects the task queue.
type QueueConfig struct {
	Driver   string `mapstructure:"driver"`
	Capacity int    `mapstructure:"capacity"`
}

// RedisConfig configures the Redis-backed queue.
type RedisConfig struct {
	URL                 string `mapstructure:"url"`
	Prefix              string `mapstructure:"prefix"`
	TombstoneTTLSeconds int    `mapstructure:"tombstone_ttl_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// StorageConfig selects where confirmation PDFs are written.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	LocalDir      string `mapstructure:"local_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
}

// EventsConfig controls event delivery and the progress hub.
type EventsConfig struct {
	IngestURL       string `mapstructure:"ingest_url"`
	Secret          string `mapstructure:"secret"`
	ObserverBuffer  int    `mapstructure:"observer_buffer"`
	HubBuffer       int    `mapstructure:"hub_buffer"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	KeepHeartbeats  bool   `mapstructure:"keep_heartbeats"`
}

// TelegramConfig configures chat alerts.
type TelegramConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Token      string `mapstructure:"token"`
	ChatID     int64  `mapstructure:"chat_id"`
	BookingURL string `mapstructure:"booking_url"`
}

// PubSubConfig holds metadata for publish-subscribe event export.
type PubSubConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	ProjectID string   `mapstructure:"project_id"`
	TopicName string   `mapstructure:"topic_name"`
	Events    []string `mapstructure:"events"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// RateLimitConfig bounds management API traffic per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// Load builds a Config from disk/environment. With an empty path it looks
// for slotwatch.{yaml,json,toml} in the working directory, /etc/slotwatch and
// $HOME/.slotwatch, and runs on defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SLOTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("slotwatch")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/slotwatch/")
		v.AddConfigPath("$HOME/.slotwatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("monitor.target_url", "https://visa.vfsglobal.com/moz/en/prt/book-an-appointment")
	v.SetDefault("monitor.poll_interval_seconds", 60)
	v.SetDefault("monitor.max_jitter_seconds", 10)
	v.SetDefault("monitor.nav_timeout_seconds", 60)
	v.SetDefault("monitor.load_timeout_seconds", 30)
	v.SetDefault("monitor.settle_delay_ms", 2000)
	v.SetDefault("monitor.captcha_pause_seconds", 300)
	v.SetDefault("booking.enabled", true)
	v.SetDefault("booking.target_url", "https://visa.vfsglobal.com/moz/en/prt/apply")
	v.SetDefault("booking.max_parallel", 1)
	v.SetDefault("booking.captcha_timeout_seconds", 300)
	v.SetDefault("booking.submit_timeout_seconds", 3600)
	v.SetDefault("booking.artifact_prefix", "bookings")
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("browser.width", 1366)
	v.SetDefault("browser.height", 768)
	v.SetDefault("browser.navigations_per_minute", 30)
	v.SetDefault("browser.navigation_burst", 4)
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.prefix", "slotwatch")
	v.SetDefault("redis.tombstone_ttl_seconds", 86400)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.local_dir", "./data/pdfs")
	v.SetDefault("events.ingest_url", "http://localhost:8080/webhooks/monitor-event")
	v.SetDefault("events.observer_buffer", 32)
	v.SetDefault("events.hub_buffer", 1024)
	v.SetDefault("events.flush_interval_ms", 1000)
	v.SetDefault("events.keep_heartbeats", false)
	v.SetDefault("pubsub.events", []string{"slots_found", "monitor_failed", "critical_error", "booking_completed"})
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("ratelimit.requests_per_minute", 120)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Monitor.TargetURL == "" {
		return fmt.Errorf("monitor.target_url is required")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be > 0")
	}
	switch c.Browser.Driver {
	case "chromedp", "static":
	default:
		return fmt.Errorf("browser.driver must be chromedp or static, got %q", c.Browser.Driver)
	}
	if c.Booking.Enabled && c.Browser.Driver == "static" {
		return fmt.Errorf("booking.enabled requires browser.driver chromedp")
	}
	switch c.Queue.Driver {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when queue.driver is redis")
		}
	default:
		return fmt.Errorf("queue.driver must be memory or redis, got %q", c.Queue.Driver)
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver must be memory or postgres, got %q", c.DB.Driver)
	}
	switch c.Storage.Driver {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required when storage.driver is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required when storage.driver is gcs")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, local or gcs, got %q", c.Storage.Driver)
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram.token and telegram.chat_id must be set when telegram is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// Session converts the monitor section into session defaults.
func (c Config) Session() session.Config {
	m := c.Monitor
	return session.Config{
		TargetURL:         m.TargetURL,
		BaseInterval:      seconds(m.PollIntervalSeconds),
		MaxJitter:         seconds(m.MaxJitterSeconds),
		NavigationTimeout: seconds(m.NavTimeoutSeconds),
		LoadTimeout:       seconds(m.LoadTimeoutSeconds),
		SettleDelay:       time.Duration(m.SettleDelayMs) * time.Millisecond,
		BlockedPause:      seconds(m.CaptchaPauseSeconds),
		ContentLocators:   m.ContentSelectors,
		BlockingLocators:  m.CaptchaSelectors,
	}
}

// BookingFlow converts the booking section into an automation config.
func (c Config) BookingFlow() booking.Config {
	cfg := booking.DefaultConfig()
	b := c.Booking
	if b.TargetURL != "" {
		cfg.TargetURL = b.TargetURL
	}
	if b.CaptchaTimeoutSeconds > 0 {
		cfg.CaptchaTimeout = seconds(b.CaptchaTimeoutSeconds)
	}
	if b.SubmitTimeoutSeconds > 0 {
		cfg.SubmitTimeout = seconds(b.SubmitTimeoutSeconds)
	}
	if b.ArtifactPrefix != "" {
		cfg.ArtifactPrefix = b.ArtifactPrefix
	}
	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
