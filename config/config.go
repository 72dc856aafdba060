package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeframe      = "1m"
	DefaultCandleLimit    = 1
	DefaultOrderbookDepth = 50
	DefaultLogCooldown    = 5 * time.Second
	DefaultQueueBuffer    = 1024
)

type Config struct {
	App       AppConfig        `yaml:"app"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Stream    StreamConfig     `yaml:"stream"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Archive   ArchiveConfig    `yaml:"archive"`
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExchangeConfig describes one feed connection and the unified symbols
// (e.g. "BTC/USDT:USDT") ingested from it.
type ExchangeConfig struct {
	Name           string          `yaml:"name"`
	Enabled        *bool           `yaml:"enabled"`
	Symbols        []string        `yaml:"symbols"`
	Streams        []string        `yaml:"streams"`
	WSURL          string          `yaml:"ws_url"`
	RESTURL        string          `yaml:"rest_url"`
	LocalIP        string          `yaml:"local_ip"`
	Timeout        time.Duration   `yaml:"timeout"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	// PollInterval paces feeds that poll REST endpoints.
	PollInterval   time.Duration   `yaml:"poll_interval"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// IsEnabled reports whether the exchange should be ingested. Exchanges are
// enabled unless explicitly switched off.
func (e ExchangeConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type StreamConfig struct {
	Timeframe      string        `yaml:"timeframe"`
	CandleLimit    int           `yaml:"candle_limit"`
	OrderbookDepth int           `yaml:"orderbook_depth"`
	LogCooldown    time.Duration `yaml:"log_cooldown"`
	QueueBuffer    int           `yaml:"queue_buffer"`
	// RetryBackoff is the first pause once a feed keeps failing.
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	LogLevel        string        `yaml:"log_level"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	Prefix        string        `yaml:"prefix"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		App: AppConfig{ShutdownTimeout: 30 * time.Second},
		Stream: StreamConfig{
			Timeframe:      DefaultTimeframe,
			CandleLimit:    DefaultCandleLimit,
			OrderbookDepth: DefaultOrderbookDepth,
			LogCooldown:    DefaultLogCooldown,
			QueueBuffer:    DefaultQueueBuffer,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Port:        5432,
			SSLMode:     "disable",
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			FlushInterval: time.Minute,
			MaxBufferSize: 500,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)
	for i := range config.Exchanges {
		config.Exchanges[i].Name = strings.ToLower(strings.TrimSpace(config.Exchanges[i].Name))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets credentials live outside the yaml file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		config.Database.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		config.Database.User = strings.TrimSpace(v)
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		config.Database.Name = strings.TrimSpace(v)
	}

	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if len(cfg.Exchanges) == 0 {
		return fmt.Errorf("exchanges must list at least one exchange")
	}
	seen := make(map[string]struct{}, len(cfg.Exchanges))
	for i, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchanges[%d].name %q is duplicated", i, ex.Name)
		}
		seen[ex.Name] = struct{}{}
		if ex.IsEnabled() && len(ex.Symbols) == 0 {
			return fmt.Errorf("exchanges[%d].symbols must not be empty", i)
		}
		for _, s := range ex.Streams {
			if !isKnownStream(s) {
				return fmt.Errorf("exchanges[%d].streams contains unknown stream %q", i, s)
			}
		}
		if ex.RateLimit.RequestsPerSecond < 0 || ex.RateLimit.BurstSize < 0 {
			return fmt.Errorf("exchanges[%d].rate_limit must not be negative", i)
		}
	}

	if strings.TrimSpace(cfg.Stream.Timeframe) == "" {
		return fmt.Errorf("stream.timeframe is required")
	}
	if !timeframePattern.MatchString(cfg.Stream.Timeframe) {
		return fmt.Errorf("stream.timeframe %q is not a timeframe like 1m, 4h or 1d", cfg.Stream.Timeframe)
	}
	if cfg.Stream.CandleLimit <= 0 {
		return fmt.Errorf("stream.candle_limit must be greater than 0")
	}
	if cfg.Stream.OrderbookDepth <= 0 {
		return fmt.Errorf("stream.orderbook_depth must be greater than 0")
	}
	if cfg.Stream.RetryBackoff < 0 {
		return fmt.Errorf("stream.retry_backoff must not be negative")
	}
	if cfg.Stream.LogCooldown < 0 {
		return fmt.Errorf("stream.log_cooldown must not be negative")
	}
	if cfg.Stream.QueueBuffer <= 0 {
		return fmt.Errorf("stream.queue_buffer must be greater than 0")
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.DSN == "" && cfg.Database.Name == "" {
			return fmt.Errorf("database.name or database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

func isKnownStream(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "orderbook", "trades", "ohlcv", "ticker":
		return true
	default:
		return false
	}
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Whether an exchange serves the timeframe is checked per feed when the
// watchers are built.
var timeframePattern = regexp.MustCompile(`^[1-9][0-9]*[smhdwM]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
