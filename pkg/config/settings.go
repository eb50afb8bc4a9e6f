// Package config loads nano-chat settings from defaults, an optional YAML config file,
// NANO_CHAT_* environment variables and bound command-line flags, in increasing order
// of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/nano-chat/pkg/redisstream"
)

const (
	EnvPrefix  = "NANO_CHAT"
	configName = "config"
	configType = "yaml"
	configDir  = ".nano-chat"
)

const (
	EngineOllama   = "ollama"
	EngineScripted = "scripted"
)

type OllamaSettings struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Model   string        `mapstructure:"model" yaml:"model"`
	NumCtx  int           `mapstructure:"num-ctx" yaml:"num-ctx"`
	Retries int           `mapstructure:"retries" yaml:"retries"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type PoolSettings struct {
	IdleTimeout time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
}

type ChatSettings struct {
	MaxContext   int     `mapstructure:"max-context" yaml:"max-context"`
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
	SystemPrompt string  `mapstructure:"system-prompt" yaml:"system-prompt"`
}

type StoreSettings struct {
	// DSN is a sqlite file path or a full sqlite DSN; ":memory:" keeps history in memory.
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	MaxHistory int    `mapstructure:"max-history" yaml:"max-history"`
}

type ServerSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Settings struct {
	Engine   string               `mapstructure:"engine" yaml:"engine"`
	Ollama   OllamaSettings       `mapstructure:"ollama" yaml:"ollama"`
	Pool     PoolSettings         `mapstructure:"pool" yaml:"pool"`
	Chat     ChatSettings         `mapstructure:"chat" yaml:"chat"`
	Store    StoreSettings        `mapstructure:"store" yaml:"store"`
	Redis    redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Server   ServerSettings       `mapstructure:"server" yaml:"server"`
	LogLevel string               `mapstructure:"log-level" yaml:"log-level"`
}

// Dir is the per-user nano-chat directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, configDir), nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	dir, err := Dir()
	if err != nil {
		dir = configDir
	}
	redis := redisstream.DefaultSettings()

	v.SetDefault("engine", EngineOllama)
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.2")
	v.SetDefault("ollama.num-ctx", 4096)
	v.SetDefault("ollama.retries", 2)
	v.SetDefault("ollama.timeout", 2*time.Minute)
	v.SetDefault("pool.idle-timeout", 5*time.Minute)
	v.SetDefault("chat.max-context", 20)
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.system-prompt", "You are a helpful assistant.")
	v.SetDefault("store.dsn", filepath.Join(dir, "chat.db"))
	v.SetDefault("store.max-history", 50)
	v.SetDefault("redis.enabled", redis.Enabled)
	v.SetDefault("redis.addr", redis.Addr)
	v.SetDefault("redis.group", redis.Group)
	v.SetDefault("redis.consumer", redis.Consumer)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log-level", "info")
}

// New returns a viper instance with defaults and environment binding. When configFile
// is empty, config.yaml is looked up in the nano-chat directory and the working
// directory; a missing file is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}
	return v, nil
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return s, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.Engine {
	case EngineOllama, EngineScripted:
	default:
		return errors.Errorf("unknown engine %q (want %s or %s)", s.Engine, EngineOllama, EngineScripted)
	}
	if s.Chat.MaxContext <= 0 {
		return errors.Errorf("chat.max-context must be positive, got %d", s.Chat.MaxContext)
	}
	if s.Chat.Temperature < 0 || s.Chat.Temperature > 2 {
		return errors.Errorf("chat.temperature must be within [0, 2], got %v", s.Chat.Temperature)
	}
	if s.Pool.IdleTimeout <= 0 {
		return errors.Errorf("pool.idle-timeout must be positive, got %s", s.Pool.IdleTimeout)
	}
	if s.Engine == EngineOllama {
		if strings.TrimSpace(s.Ollama.URL) == "" {
			return errors.New("ollama.url is required")
		}
		if strings.TrimSpace(s.Ollama.Model) == "" {
			return errors.New("ollama.model is required")
		}
		if s.Ollama.NumCtx <= 0 {
			return errors.Errorf("ollama.num-ctx must be positive, got %d", s.Ollama.NumCtx)
		}
	}
	if strings.TrimSpace(s.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if s.Redis.Enabled {
		if err := s.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ContextTokens is the token quota the chat window is measured against.
func (s Settings) ContextTokens() int {
	if s.Ollama.NumCtx > 0 {
		return s.Ollama.NumCtx
	}
	return 4096
}
