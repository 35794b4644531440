// Package config loads the sync client settings from an optional YAML file
// overlaid by FUGUE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultHTTPAddr         = "127.0.0.1:8787"
	DefaultDataDir          = ".fugue"
	DefaultMaxRetries       = 5
	DefaultRetryInterval    = 3 * time.Second
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultMaxBodyBytes     = int64(1 << 20)
	DefaultPushJitter       = 0.2
)

type Config struct {
	Profile   string          `yaml:"profile"`
	DataDir   string          `yaml:"dataDir"`
	ProjectID string          `yaml:"projectId"`
	LogLevel  string          `yaml:"logLevel"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Storage   StorageConfig   `yaml:"storage"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	HTTP      HTTPConfig      `yaml:"http"`
	Push      PushConfig      `yaml:"push"`
}

type WebSocketConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

type RealtimeConfig struct {
	DSN              string        `yaml:"dsn"`
	SubscribeTimeout time.Duration `yaml:"subscribeTimeout"`
}

type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

type BroadcastConfig struct {
	File         string        `yaml:"file"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxBytes     int64         `yaml:"maxBytes"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	JWTSecret       string        `yaml:"jwtSecret"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

// PushConfig drives the background push loop of the run command. A zero
// Interval disables it.
type PushConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   float64       `yaml:"jitter"`
}

// Default returns the settings used when nothing is configured: no
// WebSocket, an offline realtime backend and in-memory storage.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir,
		LogLevel: "info",
		WebSocket: WebSocketConfig{
			MaxRetries:    DefaultMaxRetries,
			RetryInterval: DefaultRetryInterval,
		},
		Realtime: RealtimeConfig{SubscribeTimeout: DefaultSubscribeTimeout},
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			MaxBodyBytes:    DefaultMaxBodyBytes,
			RateLimitWindow: time.Minute,
		},
		Push: PushConfig{Jitter: DefaultPushJitter},
	}
}

// Load reads path when it is non-empty, then applies the environment and the
// storage profile. A missing file named by FUGUE_CONFIG is an error.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FUGUE_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	cfg.applyEnv(logger)
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(logger *zap.Logger) {
	c.Profile = envOrDefault("FUGUE_PROFILE", c.Profile)
	c.DataDir = envOrDefault("FUGUE_DATA_DIR", c.DataDir)
	c.ProjectID = envOrDefault("FUGUE_PROJECT_ID", c.ProjectID)
	c.LogLevel = envOrDefault("FUGUE_LOG_LEVEL", c.LogLevel)
	c.WebSocket.URL = envOrDefault("FUGUE_WS_URL", c.WebSocket.URL)
	c.WebSocket.Token = envOrDefault("FUGUE_WS_TOKEN", c.WebSocket.Token)
	c.WebSocket.MaxRetries = intEnv(logger, "FUGUE_WS_MAX_RETRIES", c.WebSocket.MaxRetries)
	c.WebSocket.RetryInterval = durationEnv(logger, "FUGUE_WS_RETRY_INTERVAL", c.WebSocket.RetryInterval)
	c.Realtime.DSN = envOrDefault("FUGUE_REALTIME_DSN", c.Realtime.DSN)
	c.Realtime.SubscribeTimeout = durationEnv(logger, "FUGUE_SUBSCRIBE_TIMEOUT", c.Realtime.SubscribeTimeout)
	c.Storage.DSN = envOrDefault("FUGUE_STORAGE_DSN", c.Storage.DSN)
	c.Broadcast.File = envOrDefault("FUGUE_BROADCAST_FILE", c.Broadcast.File)
	c.Broadcast.PollInterval = durationEnv(logger, "FUGUE_BROADCAST_POLL_INTERVAL", c.Broadcast.PollInterval)
	c.Broadcast.MaxBytes = int64Env(logger, "FUGUE_BROADCAST_MAX_BYTES", c.Broadcast.MaxBytes)
	c.HTTP.Addr = envOrDefault("FUGUE_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.MaxBodyBytes = int64Env(logger, "FUGUE_MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
	c.HTTP.JWTSecret = envOrDefault("FUGUE_JWT_SECRET", c.HTTP.JWTSecret)
	c.HTTP.RateLimitMax = intEnv(logger, "FUGUE_RATE_LIMIT_MAX", c.HTTP.RateLimitMax)
	c.HTTP.RateLimitWindow = durationEnv(logger, "FUGUE_RATE_LIMIT_WINDOW", c.HTTP.RateLimitWindow)
	c.Push.Interval = durationEnv(logger, "FUGUE_PUSH_INTERVAL", c.Push.Interval)
	c.Push.Jitter = floatEnv(logger, "FUGUE_PUSH_JITTER", c.Push.Jitter)
}

// applyProfile fills storage and realtime DSNs that were left empty.
func (c *Config) applyProfile() error {
	storageDSN, realtimeDSN, err := profileDefaults(c.Profile, c.DataDir)
	if err != nil {
		return err
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = storageDSN
	}
	if c.Realtime.DSN == "" {
		c.Realtime.DSN = realtimeDSN
	}
	return nil
}

func profileDefaults(profile, dataDir string) (storageDSN, realtimeDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("FUGUE_POSTGRES_DSN"))
		if dsn == "" {
			return "", "", fmt.Errorf("%w: FUGUE_POSTGRES_DSN is required when FUGUE_PROFILE=%s", ErrInvalidConfig, profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "local.db"), "", nil
	default:
		return "", "", fmt.Errorf("%w: unsupported FUGUE_PROFILE: %s", ErrInvalidConfig, profile)
	}
}

func (c Config) Validate() error {
	if c.WebSocket.MaxRetries < 0 {
		return fmt.Errorf("%w: websocket.maxRetries must not be negative", ErrInvalidConfig)
	}
	if c.WebSocket.RetryInterval < 0 || c.Realtime.SubscribeTimeout < 0 || c.Broadcast.PollInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.Broadcast.MaxBytes < 0 {
		return fmt.Errorf("%w: broadcast.maxBytes must not be negative", ErrInvalidConfig)
	}
	if c.HTTP.MaxBodyBytes < 0 || c.HTTP.RateLimitMax < 0 || c.HTTP.RateLimitWindow < 0 {
		return fmt.Errorf("%w: http limits must not be negative", ErrInvalidConfig)
	}
	if c.Push.Interval < 0 || c.Push.Jitter < 0 || c.Push.Jitter > 1 {
		return fmt.Errorf("%w: push.interval must not be negative and push.jitter must be within 0..1", ErrInvalidConfig)
	}
	if url := c.WebSocket.URL; url != "" && !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("%w: websocket.url must use ws:// or wss://", ErrInvalidConfig)
	}
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c Config) Level() zap.AtomicLevel {
	level, err := zap.ParseAtomicLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return level
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(logger *zap.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(logger *zap.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid integer setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(logger *zap.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(logger *zap.Logger, name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid float setting, using fallback", zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}
