package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config covers both the reference server and engine clients. Values come
// from defaults, then the YAML file named by TEAMCHAT_CONFIG, then the
// environment.
type Config struct {
	ServerAddress string        `yaml:"server_address"`
	DatabaseURL   string        `yaml:"database_url"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	// Typing rows older than TypingTTL are swept every TypingSweepInterval.
	TypingTTL           time.Duration `yaml:"typing_ttl"`
	TypingSweepInterval time.Duration `yaml:"typing_sweep_interval"`

	BackendURL     string `yaml:"backend_url"`
	OptimisticSend bool   `yaml:"optimistic_send"`
}

func Default() *Config {
	return &Config{
		ServerAddress:       ":8080",
		DatabaseURL:         "sqlite://" + filepath.Join("data", "teamchat.db"),
		JWTSecret:           "your-secret-key",
		TokenTTL:            24 * time.Hour,
		LogFormat:           "text",
		LogLevel:            "info",
		NATSSubjectPrefix:   "teamchat.notifications",
		TypingTTL:           10 * time.Second,
		TypingSweepInterval: 5 * time.Second,
		BackendURL:          "http://localhost:8080",
	}
}

func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("TEAMCHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.BackendURL = getEnv("BACKEND_URL", cfg.BackendURL)

	var err error
	if cfg.TokenTTL, err = getEnvDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.TypingTTL, err = getEnvDuration("TYPING_TTL", cfg.TypingTTL); err != nil {
		return nil, err
	}
	if cfg.TypingSweepInterval, err = getEnvDuration("TYPING_SWEEP_INTERVAL", cfg.TypingSweepInterval); err != nil {
		return nil, err
	}
	if cfg.OptimisticSend, err = getEnvBool("OPTIMISTIC_SEND", cfg.OptimisticSend); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// NewLogger builds the slog handler named by LogFormat ("text" or
// "json") at LogLevel.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch c.LogFormat {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	// Strip sqlite:// prefix if present
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	// If it's not an absolute path, make it relative to the current directory
	if !filepath.IsAbs(dbPath) {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}
	return filepath.Clean(dbPath)
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
