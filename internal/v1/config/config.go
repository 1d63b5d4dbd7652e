package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the listening port used when neither the flag nor the
// environment names one.
const DefaultPort = 8765

// Presence snapshot backends.
const (
	SnapshotOff   = "off"
	SnapshotFile  = "file"
	SnapshotRedis = "redis"
)

// Config holds validated runtime configuration. The port and daemon fields
// may be overridden by command-line flags after Load returns.
type Config struct {
	Host   string
	Port   int
	Daemon bool

	DevMode bool

	// Transport tuning
	SendQueueSize  int
	AllowedOrigins []string
	RateLimitWS    string // ulule/limiter format, e.g. "240-M"; empty disables

	// Liveness windows
	HeartbeatWindow   time.Duration
	ReapInterval      time.Duration
	RoomSweepInterval time.Duration

	// Routing behavior
	ViewerAudioMesh bool

	// Optional roster persistence
	PresenceSnapshot string
	SnapshotPath     string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int

	// Optional tracing
	OTELEndpoint string
	OTELInsecure bool
}

// Load reads RELAY_* environment variables, applies defaults, and validates
// everything at once so a broken deployment fails with a single complete
// message instead of one problem per restart.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Host = getEnvOrDefault("RELAY_HOST", "0.0.0.0")
	cfg.DevMode = os.Getenv("RELAY_DEV_MODE") == "true"

	cfg.Port = DefaultPort
	if raw := os.Getenv("RELAY_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("RELAY_PORT must be between 1 and 65535 (got '%s')", raw))
		} else {
			cfg.Port = port
		}
	}

	cfg.SendQueueSize = 512
	if raw := os.Getenv("RELAY_SEND_QUEUE_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("RELAY_SEND_QUEUE_SIZE must be a positive integer (got '%s')", raw))
		} else {
			cfg.SendQueueSize = n
		}
	}

	cfg.HeartbeatWindow = getEnvDuration("RELAY_HEARTBEAT_WINDOW", 15*time.Second, &errs)
	cfg.ReapInterval = getEnvDuration("RELAY_REAP_INTERVAL", 5*time.Second, &errs)
	cfg.RoomSweepInterval = getEnvDuration("RELAY_ROOM_SWEEP_INTERVAL", 60*time.Second, &errs)

	cfg.ViewerAudioMesh = getEnvOrDefault("RELAY_VIEWER_AUDIO_MESH", "true") != "false"

	cfg.RateLimitWS = getEnvOrDefault("RELAY_RATE_LIMIT_WS", "240-M")

	if raw := os.Getenv("RELAY_ALLOWED_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	cfg.PresenceSnapshot = getEnvOrDefault("RELAY_PRESENCE_SNAPSHOT", SnapshotOff)
	switch cfg.PresenceSnapshot {
	case SnapshotOff, SnapshotFile, SnapshotRedis:
	default:
		errs = append(errs, fmt.Sprintf("RELAY_PRESENCE_SNAPSHOT must be one of off|file|redis (got '%s')", cfg.PresenceSnapshot))
	}

	cfg.SnapshotPath = os.Getenv("RELAY_SNAPSHOT_PATH")
	if cfg.PresenceSnapshot == SnapshotFile && cfg.SnapshotPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			errs = append(errs, "RELAY_SNAPSHOT_PATH is required when the user config dir cannot be resolved")
		} else {
			cfg.SnapshotPath = filepath.Join(dir, "screenway", "online_users.json")
		}
	}

	cfg.RedisAddr = os.Getenv("RELAY_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("RELAY_REDIS_PASSWORD")
	if raw := os.Getenv("RELAY_REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			errs = append(errs, fmt.Sprintf("RELAY_REDIS_DB must be a non-negative integer (got '%s')", raw))
		} else {
			cfg.RedisDB = db
		}
	}
	if cfg.PresenceSnapshot == SnapshotRedis {
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("RELAY_REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("RELAY_REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
	}

	cfg.OTELEndpoint = os.Getenv("RELAY_OTEL_ENDPOINT")
	if cfg.OTELEndpoint != "" && !isValidHostPort(cfg.OTELEndpoint) {
		errs = append(errs, fmt.Sprintf("RELAY_OTEL_ENDPOINT must be in format 'host:port' (got '%s')", cfg.OTELEndpoint))
	}
	cfg.OTELInsecure = os.Getenv("RELAY_OTEL_INSECURE") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ValidatePort enforces the CLI port contract.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", port)
	}
	return nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"host", cfg.Host,
		"port", cfg.Port,
		"dev_mode", cfg.DevMode,
		"send_queue_size", cfg.SendQueueSize,
		"heartbeat_window", cfg.HeartbeatWindow,
		"reap_interval", cfg.ReapInterval,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"viewer_audio_mesh", cfg.ViewerAudioMesh,
		"presence_snapshot", cfg.PresenceSnapshot,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"rate_limit_ws", cfg.RateLimitWS,
		"otel_endpoint", cfg.OTELEndpoint,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvDuration parses a Go duration from the environment, recording a
// validation error on failure.
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration like '15s' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
