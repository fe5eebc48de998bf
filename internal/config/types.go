package config

import (
	"time"

	"botflow/internal/errs"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8000
	DefaultDBPath        = "data/botflow.db"
	DefaultWorkers       = 4
	DefaultMaxBacklog    = 256
	DefaultActionTimeout = 30 * time.Second
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSessionLimit  = 1024
)

// ChannelConfig describes one registered transport.
type ChannelConfig struct {
	Name    string            `json:"name" yaml:"name"` // console, websocket
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Params  map[string]string `json:"params" yaml:"params"`
}

// EvolutionConfig controls the self-modification pipeline.
type EvolutionConfig struct {
	RepoPath        string        `json:"repo_path" yaml:"repo_path"`
	RequireApproval bool          `json:"require_approval" yaml:"require_approval"`
	VerifyCommand   []string      `json:"verify_command" yaml:"verify_command"`
	VerifyTimeout   time.Duration `json:"verify_timeout" yaml:"verify_timeout"`
}

// Config captures user-configurable settings shared across binaries.
type Config struct {
	Host          string           `json:"host" yaml:"host"`
	Port          int              `json:"port" yaml:"port"`
	DBPath        string           `json:"db_path" yaml:"db_path"`
	Workers       int              `json:"workers" yaml:"workers"`
	MaxBacklog    int              `json:"max_backlog" yaml:"max_backlog"`
	ActionTimeout time.Duration    `json:"action_timeout" yaml:"action_timeout"`
	Retry         errs.RetryConfig `json:"retry" yaml:"retry"`
	SessionTTL    time.Duration    `json:"session_ttl" yaml:"session_ttl"`
	SessionLimit  int              `json:"session_limit" yaml:"session_limit"`
	Channels      []ChannelConfig  `json:"channels" yaml:"channels"`
	Evolution     EvolutionConfig  `json:"evolution" yaml:"evolution"`
	Verbose       bool             `json:"verbose" yaml:"verbose"`
}

// Default returns the baseline configuration before file/env overrides.
func Default() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		DBPath:        DefaultDBPath,
		Workers:       DefaultWorkers,
		MaxBacklog:    DefaultMaxBacklog,
		ActionTimeout: DefaultActionTimeout,
		Retry:         errs.DefaultRetryConfig(),
		SessionTTL:    DefaultSessionTTL,
		SessionLimit:  DefaultSessionLimit,
		Channels: []ChannelConfig{
			{Name: "console", Enabled: true},
			{Name: "websocket", Enabled: true, Params: map[string]string{"path": "/ws/chat"}},
		},
		Evolution: EvolutionConfig{
			RepoPath:        ".",
			RequireApproval: true,
			VerifyCommand:   []string{"go", "test", "./..."},
			VerifyTimeout:   5 * time.Minute,
		},
	}
}

// ChannelByName returns the config block for a named channel, if present.
func (c Config) ChannelByName(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}
