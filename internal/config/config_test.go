package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("FUGUE_TEST_INT", "42")
	got := intEnv(zap.NewNop(), "FUGUE_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	t.Setenv("FUGUE_TEST_INT_BAD", "not-a-number")
	got := intEnv(zap.New(core), "FUGUE_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one warning, got %d", logs.Len())
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("FUGUE_TEST_DURATION", "150ms")
	got := durationEnv(zap.NewNop(), "FUGUE_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("FUGUE_TEST_DURATION_BAD", "soon")
	got := durationEnv(zap.NewNop(), "FUGUE_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("FUGUE_TEST_INT_UNSET")
	_ = os.Unsetenv("FUGUE_TEST_INT64_UNSET")
	_ = os.Unsetenv("FUGUE_TEST_DURATION_UNSET")

	if got := intEnv(zap.NewNop(), "FUGUE_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := int64Env(zap.NewNop(), "FUGUE_TEST_INT64_UNSET", 11); got != 11 {
		t.Fatalf("expected fallback 11, got %d", got)
	}
	if got := durationEnv(zap.NewNop(), "FUGUE_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	if got := envOrDefault("FUGUE_TEST_INT_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FUGUE_CONFIG", "")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Fatalf("expected default addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.WebSocket.MaxRetries != DefaultMaxRetries || cfg.WebSocket.RetryInterval != DefaultRetryInterval {
		t.Fatalf("unexpected websocket defaults: %+v", cfg.WebSocket)
	}
	if cfg.Storage.DSN != "" || cfg.Realtime.DSN != "" {
		t.Fatalf("expected empty dsns without a profile, got %+v %+v", cfg.Storage, cfg.Realtime)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fugue.yaml")
	data := []byte(`
projectId: p1
websocket:
  url: ws://localhost:3001/ws
  maxRetries: 2
  retryInterval: 250ms
realtime:
  dsn: memory://
http:
  addr: 127.0.0.1:9999
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FUGUE_WS_MAX_RETRIES", "8")
	t.Setenv("FUGUE_STORAGE_DSN", "sqlite:///tmp/fugue.db")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ProjectID != "p1" {
		t.Fatalf("expected project p1, got %q", cfg.ProjectID)
	}
	if cfg.WebSocket.URL != "ws://localhost:3001/ws" {
		t.Fatalf("unexpected url %q", cfg.WebSocket.URL)
	}
	if cfg.WebSocket.MaxRetries != 8 {
		t.Fatalf("expected env to override retries, got %d", cfg.WebSocket.MaxRetries)
	}
	if cfg.WebSocket.RetryInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.WebSocket.RetryInterval)
	}
	if cfg.Realtime.DSN != "memory://" || cfg.Storage.DSN != "sqlite:///tmp/fugue.db" {
		t.Fatalf("unexpected dsns %q %q", cfg.Realtime.DSN, cfg.Storage.DSN)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fugue.yaml")
	if err := os.WriteFile(path, []byte("websocket: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsHTTPWebSocketURL(t *testing.T) {
	t.Setenv("FUGUE_WS_URL", "http://localhost:3001")
	if _, err := Load("", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestProfileDefaults(t *testing.T) {
	t.Setenv("FUGUE_POSTGRES_DSN", "")
	storage, rt, err := profileDefaults("memory", "")
	if err != nil || storage != "memory://" || rt != "memory://" {
		t.Fatalf("unexpected memory profile: %q %q %v", storage, rt, err)
	}
	storage, rt, err = profileDefaults("durable-local", "/data")
	if err != nil || storage != "sqlite:///data/local.db" || rt != "" {
		t.Fatalf("unexpected durable-local profile: %q %q %v", storage, rt, err)
	}
	if _, _, err := profileDefaults("production", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected production profile to require a dsn, got %v", err)
	}
	t.Setenv("FUGUE_POSTGRES_DSN", "postgres://localhost/fugue")
	storage, rt, err = profileDefaults("prod", "")
	if err != nil || storage != "postgres://localhost/fugue" || rt != storage {
		t.Fatalf("unexpected production profile: %q %q %v", storage, rt, err)
	}
	if _, _, err := profileDefaults("cloud", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected unsupported profile error, got %v", err)
	}
}

func TestLevel(t *testing.T) {
	if got := (Config{LogLevel: "debug"}).Level().Level(); got != zap.DebugLevel {
		t.Fatalf("expected debug, got %s", got)
	}
	if got := (Config{LogLevel: "loud"}).Level().Level(); got != zap.InfoLevel {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestHTTPSettingsFromEnv(t *testing.T) {
	t.Setenv("FUGUE_JWT_SECRET", "s3cret")
	t.Setenv("FUGUE_RATE_LIMIT_MAX", "30")
	t.Setenv("FUGUE_RATE_LIMIT_WINDOW", "10s")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.JWTSecret != "s3cret" || cfg.HTTP.RateLimitMax != 30 || cfg.HTTP.RateLimitWindow != 10*time.Second {
		t.Fatalf("unexpected http settings: %+v", cfg.HTTP)
	}

	t.Setenv("FUGUE_RATE_LIMIT_MAX", "-1")
	if _, err := Load("", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for negative rate limit, got %v", err)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("FUGUE_TEST_FLOAT", "0.35")
	if got := floatEnv(zap.NewNop(), "FUGUE_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
	t.Setenv("FUGUE_TEST_FLOAT_BAD", "oops")
	if got := floatEnv(zap.NewNop(), "FUGUE_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestPushSettings(t *testing.T) {
	t.Setenv("FUGUE_PUSH_INTERVAL", "30s")
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Push.Interval != 30*time.Second || cfg.Push.Jitter != DefaultPushJitter {
		t.Fatalf("unexpected push settings: %+v", cfg.Push)
	}
	t.Setenv("FUGUE_PUSH_JITTER", "1.5")
	if _, err := Load("", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for jitter above 1, got %v", err)
	}
}
