// Package config loads service settings from a YAML file and then applies
// environment variable overrides, so a container can run with no file at all.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port      string `yaml:"port" env:"PORT"`
		JoinToken string `yaml:"join_token" env:"JOIN_TOKEN"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
		TTL      string `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"POSTGRES_URL"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl" env:"QUIZ_TTL"`
	} `yaml:"quiz"`
	Room struct {
		TTL string `yaml:"ttl" env:"ROOM_TTL"`
	} `yaml:"room"`
	Sync struct {
		HeartbeatInterval   string  `yaml:"heartbeat_interval" env:"SYNC_HEARTBEAT_INTERVAL"`
		ConnectTimeout      string  `yaml:"connect_timeout" env:"SYNC_CONNECT_TIMEOUT"`
		BaseDelay           string  `yaml:"base_delay" env:"SYNC_BASE_DELAY"`
		MaxDelay            string  `yaml:"max_delay" env:"SYNC_MAX_DELAY"`
		BackoffMultiplier   float64 `yaml:"backoff_multiplier" env:"SYNC_BACKOFF_MULTIPLIER"`
		MaxRetries          int     `yaml:"max_retries" env:"SYNC_MAX_RETRIES"`
		ForceReconnectDelay string  `yaml:"force_reconnect_delay" env:"SYNC_FORCE_RECONNECT_DELAY"`
		DefaultQuestionSec  int     `yaml:"default_question_sec" env:"SYNC_DEFAULT_QUESTION_SEC"`
	} `yaml:"sync"`
	Client struct {
		ServerURL   string `yaml:"server_url" env:"CLIENT_SERVER_URL"`
		ProgressDir string `yaml:"progress_dir" env:"CLIENT_PROGRESS_DIR"`
	} `yaml:"client"`
}

// Load reads YAML config from path and layers environment overrides on top.
// A missing file is not an error; the environment alone can configure the
// service.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fall through to the env pass
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
