// Package config loads lobby gateway settings from an optional YAML file,
// a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/trivia/go/internal/presence"
)

const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	Presence PresenceConfig `yaml:"presence"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	Token          string        `yaml:"token"`
	FunctionPrefix string        `yaml:"function_prefix"`
}

type PresenceConfig struct {
	Topic             string        `yaml:"topic"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ChallengeFunction string        `yaml:"challenge_function"`
	Transport         string        `yaml:"transport"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8082"},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "trivia-lobby",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			FunctionPrefix: "lobby.fn",
		},
		Presence: PresenceConfig{
			Topic:             presence.Topic,
			ConnectTimeout:    presence.DefaultConnectTimeout,
			HeartbeatInterval: 30 * time.Second,
			ChallengeFunction: presence.DefaultChallengeFunction,
			Transport:         TransportNATS,
		},
		Log: LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads .env (if present), then the YAML file named by LOBBY_CONFIG
// (if set), then applies environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("LOBBY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads path over the defaults without consulting the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("LOBBY_PORT", c.Server.Port)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Token = getEnv("NATS_TOKEN", c.NATS.Token)
	c.NATS.MaxReconnects = getEnvAsInt("NATS_MAX_RECONNECTS", c.NATS.MaxReconnects)
	c.Presence.Topic = getEnv("PRESENCE_TOPIC", c.Presence.Topic)
	c.Presence.Transport = getEnv("PRESENCE_TRANSPORT", c.Presence.Transport)
	c.Presence.ConnectTimeout = getEnvAsDuration("PRESENCE_CONNECT_TIMEOUT", c.Presence.ConnectTimeout)
	c.Presence.HeartbeatInterval = getEnvAsDuration("PRESENCE_HEARTBEAT_INTERVAL", c.Presence.HeartbeatInterval)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Presence.Transport {
	case TransportNATS, TransportMemory:
	default:
		return fmt.Errorf("unknown presence transport %q", c.Presence.Transport)
	}
	if c.Presence.Topic == "" {
		return errors.New("presence topic is required")
	}
	if c.Presence.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.Presence.ConnectTimeout)
	}
	if c.Presence.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat interval must not be negative, got %s", c.Presence.HeartbeatInterval)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	return nil
}

// SessionConfig projects the presence settings onto a session config
func (c *Config) SessionConfig() presence.SessionConfig {
	sc := presence.DefaultSessionConfig()
	sc.Topic = c.Presence.Topic
	sc.ConnectTimeout = c.Presence.ConnectTimeout
	sc.HeartbeatInterval = c.Presence.HeartbeatInterval
	sc.ChallengeFunction = c.Presence.ChallengeFunction
	return sc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
