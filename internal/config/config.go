package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COLLAB"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "collab.db"
	defaultLogLevel         = "info"
	defaultHeartbeatTimeout = 45 * time.Second
	defaultSweepInterval    = 15 * time.Second
	defaultHistoryLimit     = 200
	defaultHistoryMaxAge    = 24 * time.Hour
	defaultSendBuffer       = 64
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress      string
	AuthSigningKey   string
	DatabasePath     string
	LogLevel         string
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	HistoryLimit     int
	HistoryMaxAge    time.Duration
	SendBuffer       int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("realtime.heartbeat_timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("realtime.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("realtime.history_limit", defaultHistoryLimit)
	configViper.SetDefault("realtime.history_max_age", defaultHistoryMaxAge)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		HeartbeatTimeout: configViper.GetDuration("realtime.heartbeat_timeout"),
		SweepInterval:    configViper.GetDuration("realtime.sweep_interval"),
		HistoryLimit:     configViper.GetInt("realtime.history_limit"),
		HistoryMaxAge:    configViper.GetDuration("realtime.history_max_age"),
		SendBuffer:       configViper.GetInt("realtime.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("realtime.heartbeat_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("realtime.sweep_interval must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("realtime.history_limit must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}
