package redisstream

import "github.com/pkg/errors"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Group    string `yaml:"group" mapstructure:"group"`
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "nano-chat",
		Consumer: "web-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if s.Group == "" || s.Consumer == "" {
		return errors.New("redis: group and consumer are required when enabled")
	}
	return nil
}
