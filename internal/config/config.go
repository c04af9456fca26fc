// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/manpreetbhatti/codesync/internal/room"
)

type Config struct {
	Host      string `env:"HOST,default=0.0.0.0"`
	Port      int    `env:"PORT,default=5000"`
	DBPath    string `env:"DB_PATH,default=./data/codesync.db"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=https://codesync-hmt6.onrender.com,http://localhost:3000"`

	JDoodleURL          string        `env:"JDOODLE_URL,default=https://api.jdoodle.com/v1/execute"`
	JDoodleClientID     string        `env:"JDOODLE_CLIENT_ID"`
	JDoodleClientSecret string        `env:"JDOODLE_CLIENT_SECRET"`
	CompileTimeout      time.Duration `env:"COMPILE_TIMEOUT,default=30s"`
	DefaultLanguage     string        `env:"DEFAULT_LANGUAGE,default=python3"`

	MessagesPerSecond int `env:"MESSAGES_PER_SECOND,default=100"`
	MessageBurst      int `env:"MESSAGE_BURST,default=200"`

	JanitorInterval     time.Duration `env:"JANITOR_INTERVAL,default=5m"`
	KeepSnapshots       int           `env:"KEEP_SNAPSHOTS,default=20"`
	CompileHistoryTTL   time.Duration `env:"COMPILE_HISTORY_TTL,default=168h"`
	EvictIdleRoomsAfter time.Duration `env:"EVICT_IDLE_ROOMS_AFTER,default=0s"`
}

// Load reads an optional .env file and then decodes the process environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromEnvSet decodes cfg from an explicit variable set without touching the process environment.
func FromEnvSet(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.Unmarshal(env.EnvSet(vars), &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if !room.IsSupported(c.DefaultLanguage) {
		return fmt.Errorf("DEFAULT_LANGUAGE %q: %w", c.DefaultLanguage, room.ErrUnsupportedLanguage)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("rate limit must be positive (rate=%d burst=%d)", c.MessagesPerSecond, c.MessageBurst)
	}
	if c.KeepSnapshots < 0 {
		return fmt.Errorf("KEEP_SNAPSHOTS must not be negative")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive: %s", c.JanitorInterval)
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
