package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `app:
  name: "TestRecorder"
  version: "1.0"
exchanges:
  - name: "Bybit"
    symbols: ["BTC/USDT:USDT"]
database:
  driver: memory
`

// writeTempConfig writes content to a temporary yaml file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearDatabaseEnv(t)
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestRecorder" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0].Name != "bybit" {
		t.Fatalf("unexpected exchanges: %+v", cfg.Exchanges)
	}
	if !cfg.Exchanges[0].IsEnabled() {
		t.Errorf("exchange should be enabled by default")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearDatabaseEnv(t)
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stream.Timeframe != "1m" {
		t.Errorf("timeframe = %q, want 1m", cfg.Stream.Timeframe)
	}
	if cfg.Stream.CandleLimit != 1 {
		t.Errorf("candle limit = %d, want 1", cfg.Stream.CandleLimit)
	}
	if cfg.Stream.LogCooldown != 5*time.Second {
		t.Errorf("log cooldown = %v, want 5s", cfg.Stream.LogCooldown)
	}
	if cfg.App.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v, want 30s", cfg.App.ShutdownTimeout)
	}
}

func TestLoadConfigDatabaseEnvOverride(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/market?sslmode=disable")
	content := strings.Replace(minimalConfig, "driver: memory", "driver: postgres", 1)

	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database.DSN != "postgres://u:p@db:5432/market?sslmode=disable" {
		t.Errorf("unexpected dsn: %s", cfg.Database.DSN)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	clearDatabaseEnv(t)
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing app name",
			content: strings.Replace(minimalConfig, `name: "TestRecorder"`, `name: ""`, 1),
			wantErr: "app.name is required",
		},
		{
			name:    "unknown stream",
			content: strings.Replace(minimalConfig, `symbols: ["BTC/USDT:USDT"]`, "symbols: [\"BTC/USDT:USDT\"]\n    streams: [\"funding\"]", 1),
			wantErr: "unknown stream",
		},
		{
			name:    "postgres without database",
			content: strings.Replace(minimalConfig, "driver: memory", "driver: postgres", 1),
			wantErr: "database.name or database.dsn",
		},
		{
			name:    "unsupported driver",
			content: strings.Replace(minimalConfig, "driver: memory", "driver: mysql", 1),
			wantErr: "not supported",
		},
		{
			name:    "negative cooldown",
			content: minimalConfig + "stream:\n  log_cooldown: -1s\n",
			wantErr: "stream.log_cooldown",
		},
		{
			name:    "malformed timeframe",
			content: minimalConfig + "stream:\n  timeframe: one minute\n",
			wantErr: "stream.timeframe",
		},
		{
			name:    "negative retry backoff",
			content: minimalConfig + "stream:\n  retry_backoff: -1s\n",
			wantErr: "stream.retry_backoff",
		},
		{
			name:    "archive without bucket",
			content: minimalConfig + "archive:\n  enabled: true\n  s3:\n    region: us-east-1\n",
			wantErr: "archive.s3.bucket is required",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil {
				t.Fatalf("expected error containing %q", c.wantErr)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("error %q does not contain %q", err, c.wantErr)
			}
		})
	}
}

func TestDisabledExchangeMayOmitSymbols(t *testing.T) {
	clearDatabaseEnv(t)
	content := `app:
  name: "TestRecorder"
exchanges:
  - name: bybit
    symbols: ["BTC/USDT:USDT"]
  - name: binance
    enabled: false
database:
  driver: memory
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Exchanges[1].IsEnabled() {
		t.Errorf("binance should be disabled")
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	prod := filepath.Join("config", "config.production.yml")
	if err := os.WriteFile(prod, []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(""); got != prod {
		t.Errorf("ResolvePath() = %q, want %q", got, prod)
	}
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path rewritten to %q", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(""); got != DefaultConfigPath {
		t.Errorf("ResolvePath() = %q, want default", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
