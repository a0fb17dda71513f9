package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr        string
	UploadLimit int64
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// SimulatorConfig controls the background reconciler. Simulated runs always last
// core.RunDuration.
type SimulatorConfig struct {
	SyncInterval time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// KafkaConfig holds task event publishing settings. Publishing is off without brokers.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Simulator    SimulatorConfig
	Notification NotificationConfig
	Kafka        KafkaConfig

	Mode          string
	StateDir      string
	ShutdownGrace time.Duration
}

const (
	envPrefix            = "TASKCENTER_"
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultUploadLimit   = 10 << 20
	defaultSyncInterval  = 5 * time.Second
	defaultShutdownGrace = 5 * time.Second
	defaultKafkaTopic    = "taskcenter.tasks"
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Parse builds the Config from args (without the program name).
// Priority: CLI flags > environment variables > .env file > defaults.
func Parse(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskcenter", ".env"))
	}
	for _, file := range envFiles {
		// Optional; godotenv never overrides variables already set.
		_ = godotenv.Load(file)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:        getEnvString("ADDR", defaultAddr),
			UploadLimit: getEnvInt64("UPLOAD_LIMIT", defaultUploadLimit),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("LOG_FORMAT", defaultLogFormat),
		},
		Simulator: SimulatorConfig{
			SyncInterval: getEnvDuration("SYNC_INTERVAL", defaultSyncInterval),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnvString("KAFKA_BROKERS", "")),
			Topic:   getEnvString("KAFKA_TOPIC", defaultKafkaTopic),
		},
		Mode:          getEnvString("MODE", ModeHTTP),
		StateDir:      getEnvString("STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskcenterd", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Run mode: http, mcp or both")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding the database")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	fs.DurationVar(&cfg.Simulator.SyncInterval, "sync-interval", cfg.Simulator.SyncInterval, "How often the simulator reconciles with the database")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	fs.Int64Var(&cfg.Server.UploadLimit, "upload-limit", cfg.Server.UploadLimit, "Maximum request body size in bytes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q, want one of http, mcp, both", c.Mode)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, want text or json", c.Log.Format)
	}
	if c.Simulator.SyncInterval <= 0 {
		c.Simulator.SyncInterval = defaultSyncInterval
	}
	if c.Server.UploadLimit <= 0 {
		c.Server.UploadLimit = defaultUploadLimit
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return fmt.Errorf("bark is enabled but %sBARK_URL is empty", envPrefix)
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskcenter")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
