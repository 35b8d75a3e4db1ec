// Package config resolves server settings from flags, CODEROOM_* environment
// variables, an optional config file and a .env file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CODEROOM"

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Exec   ExecConfig
	AI     AIConfig
	Limits LimitsConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// StoreConfig selects the document store. An empty driver disables
// persistence.
type StoreConfig struct {
	Driver   string
	DSN      string
	AutoSave bool

	// CheckpointInterval saves live documents periodically. Zero disables it.
	CheckpointInterval time.Duration
}

type ExecConfig struct {
	Mode      string
	WorkDir   string
	PistonURL string
	Timeout   time.Duration

	// FlushInterval batches streamed run output before it is broadcast.
	FlushInterval time.Duration
}

const (
	ExecLocal  = "local"
	ExecPiston = "piston"
	ExecNone   = "none"
)

type AIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type LimitsConfig struct {
	ChatHistory int
	AIHistory   int
	RunRate     float64
	RunBurst    int
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", "")
	v.SetDefault("store.dsn", "./data/coderoom.db")
	v.SetDefault("store.autosave", true)
	v.SetDefault("store.checkpoint_interval", time.Minute)

	v.SetDefault("exec.mode", ExecLocal)
	v.SetDefault("exec.workdir", "")
	v.SetDefault("exec.piston_url", "https://emkc.org/api/v2/piston")
	v.SetDefault("exec.timeout", 10*time.Second)
	v.SetDefault("exec.flush_interval", 50*time.Millisecond)

	v.SetDefault("ai.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "llama-3.1-8b-instant")
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.timeout", 30*time.Second)

	v.SetDefault("limits.chat_history", 50)
	v.SetDefault("limits.ai_history", 50)
	v.SetDefault("limits.run_rate", 0.5)
	v.SetDefault("limits.run_burst", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlags declares the command line flags and binds each to its key.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.Int("port", 5000, "HTTP listen port")
	flags.String("host", "", "HTTP listen host")
	flags.String("store-driver", "", "document store: sqlite or postgres (empty disables)")
	flags.String("store-dsn", "./data/coderoom.db", "sqlite path or postgres URL")
	flags.String("exec-mode", ExecLocal, "code execution: local, piston or none")
	flags.String("exec-workdir", "", "scratch directory for local runs")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")

	for key, flag := range map[string]string{
		"config":       "config",
		"server.port":  "port",
		"server.host":  "host",
		"store.driver": "store-driver",
		"store.dsn":    "store-dsn",
		"exec.mode":    "exec-mode",
		"exec.workdir": "exec-workdir",
		"log.level":    "log-level",
		"log.format":   "log-format",
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}
}

// Load resolves the configuration. A missing .env file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by hosting platforms and earlier deployments.
	v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "GROQ_API_KEY")
	v.BindEnv("store.dsn", EnvPrefix+"_STORE_DSN", "DATABASE_URL")

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Store: StoreConfig{
			Driver:   strings.ToLower(v.GetString("store.driver")),
			DSN:      v.GetString("store.dsn"),
			AutoSave: v.GetBool("store.autosave"),

			CheckpointInterval: v.GetDuration("store.checkpoint_interval"),
		},
		Exec: ExecConfig{
			Mode:          strings.ToLower(v.GetString("exec.mode")),
			WorkDir:       v.GetString("exec.workdir"),
			PistonURL:     v.GetString("exec.piston_url"),
			Timeout:       v.GetDuration("exec.timeout"),
			FlushInterval: v.GetDuration("exec.flush_interval"),
		},
		AI: AIConfig{
			BaseURL:     v.GetString("ai.base_url"),
			APIKey:      v.GetString("ai.api_key"),
			Model:       v.GetString("ai.model"),
			Temperature: v.GetFloat64("ai.temperature"),
			MaxTokens:   v.GetInt("ai.max_tokens"),
			Timeout:     v.GetDuration("ai.timeout"),
		},
		Limits: LimitsConfig{
			ChatHistory: v.GetInt("limits.chat_history"),
			AIHistory:   v.GetInt("limits.ai_history"),
			RunRate:     v.GetFloat64("limits.run_rate"),
			RunBurst:    v.GetInt("limits.run_burst"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "" && c.Store.DSN == "" {
		return errors.New("store dsn is required when a store driver is set")
	}
	if c.Store.CheckpointInterval < 0 {
		return fmt.Errorf("invalid checkpoint interval %s", c.Store.CheckpointInterval)
	}

	switch c.Exec.Mode {
	case ExecLocal, ExecPiston, ExecNone:
	default:
		return fmt.Errorf("unknown exec mode %q", c.Exec.Mode)
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
