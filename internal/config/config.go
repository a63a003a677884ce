// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig describes a single monitored mailbox.
type AccountConfig struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	TokenFile  string `yaml:"token_file"`
	CursorFile string `yaml:"cursor_file"`
}

// Config holds all configuration for the monitor.
type Config struct {
	Accounts []AccountConfig

	// OAuth application credentials shared by every account.
	ClientID     string
	ClientSecret string

	// Pub/Sub
	Topic     string // fully qualified topic the watch publishes to
	PushToken string // shared secret expected on push deliveries
	PushPort  int

	// Retry / dispatch tuning
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SeenCapacity   int

	// Supplementary loops
	ReconcileInterval time.Duration
	WatchRenewBuffer  time.Duration

	// Cursor persistence
	CursorDir string // base directory for file-backed cursors

	// Optional backends
	DatabaseURL string // Postgres cursor store when set
	RedisURL    string // Redis queue sink when set
	RedisQueue  string

	// Health server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Accounts []AccountConfig `yaml:"accounts"`
	OAuth    struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"oauth"`
	PubSub struct {
		Topic     string `yaml:"topic"`
		PushToken string `yaml:"push_token"`
	} `yaml:"pubsub"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "config.yaml"))
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		ClientID:          raw.OAuth.ClientID,
		ClientSecret:      raw.OAuth.ClientSecret,
		Topic:             firstNonEmpty(raw.PubSub.Topic, os.Getenv("PUBSUB_TOPIC")),
		PushToken:         firstNonEmpty(raw.PubSub.PushToken, os.Getenv("PUSH_TOKEN")),
		PushPort:          envOrDefaultInt("PUSH_PORT", 8081),
		MaxAttempts:       envOrDefaultInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay:    envOrDefaultDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     envOrDefaultDuration("RETRY_MAX_DELAY", 30*time.Second),
		SeenCapacity:      envOrDefaultInt("SEEN_CAPACITY", 512),
		ReconcileInterval: envOrDefaultDuration("RECONCILE_INTERVAL", 10*time.Minute),
		WatchRenewBuffer:  envOrDefaultDuration("WATCH_RENEW_BUFFER", 24*time.Hour),
		CursorDir:         envOrDefault("CURSOR_DIR", "data"),
		DatabaseURL:       firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:          firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		RedisQueue:        firstNonEmpty(raw.Redis.Queue, envOrDefault("REDIS_QUEUE", "inbox-events")),
		Port:              envOrDefaultInt("PORT", 8080),
	}

	// Build account list, skipping incomplete entries (commented out or
	// partially filled in the YAML).
	for _, a := range raw.Accounts {
		if a.Address == "" || a.TokenFile == "" {
			continue
		}
		if a.Name == "" {
			a.Name = a.Address
		}
		if a.CursorFile == "" {
			a.CursorFile = defaultCursorFile(a.Address)
		}
		cfg.Accounts = append(cfg.Accounts, a)
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured in %s", path)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauth client_id and client_secret are required")
	}

	return cfg, nil
}

// defaultCursorFile derives a cursor file name from the account address.
func defaultCursorFile(address string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '@', '.', '+':
			return '_'
		}
		return r
	}, strings.ToLower(address))
	return name + ".cursor"
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
