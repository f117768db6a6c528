// Package config loads the minichat client configuration from YAML, an optional env
// file and MINICHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config of the minichat client. Durations are written like "30s".
type Config struct {
	// Server is the chat server base url, http(s)://host[:port].
	Server    string `yaml:"server"`
	UserID    string `yaml:"user_id"`
	TokenFile string `yaml:"token_file"`

	// MetricsAddr serves /metrics when not empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Session SessionConfig `yaml:"session"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type SessionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	PingPeriod         time.Duration `yaml:"ping_period"`
	PongWait           time.Duration `yaml:"pong_wait"`
	ReadLimit          int64         `yaml:"read_limit"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	BackoffMin         time.Duration `yaml:"backoff_min"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	AutoReconnect      bool          `yaml:"auto_reconnect"`
	Optimistic         bool          `yaml:"optimistic"`

	// SendRate limits outbound messages per second, 0 means unlimited.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// KafkaConfig enables the export sink when Brokers is not empty.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	MaxBytes     int           `yaml:"max_bytes"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func Default() *Config {
	return &Config{
		Server:    "http://localhost:8080",
		TokenFile: "minichat.db",
		Session: SessionConfig{
			ConnectTimeout:     30 * time.Second,
			SendTimeout:        10 * time.Second,
			PingPeriod:         20 * time.Second,
			PongWait:           25 * time.Second,
			ReadLimit:          64 * 1024,
			MaxConnectAttempts: 3,
			BackoffMin:         time.Second,
			BackoffMax:         60 * time.Second,
			AutoReconnect:      true,
			Optimistic:         true,
			SendBurst:          1,
		},
		Kafka: KafkaConfig{
			Topic:        "minichat-messages",
			MaxBytes:     4096,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// LoadEnv loads env files (missing ones are skipped) into the process environment,
// then applies MINICHAT_* overrides.
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: load env %s: %w", f, err)
		}
	}

	if v := os.Getenv("MINICHAT_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("MINICHAT_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("MINICHAT_TOKEN_FILE"); v != "" {
		c.TokenFile = v
	}
	if v := os.Getenv("MINICHAT_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("config: server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("config: server %q: want http(s)://host", c.Server)
	}
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}

	s := &c.Session
	if s.PingPeriod >= s.PongWait {
		return fmt.Errorf("config: ping_period %v must be less than pong_wait %v", s.PingPeriod, s.PongWait)
	}
	if s.MaxConnectAttempts < 1 {
		return fmt.Errorf("config: max_connect_attempts %d must be positive", s.MaxConnectAttempts)
	}
	if s.BackoffMin <= 0 || s.BackoffMax < s.BackoffMin {
		return fmt.Errorf("config: bad backoff range [%v, %v]", s.BackoffMin, s.BackoffMax)
	}
	if s.SendRate < 0 {
		return fmt.Errorf("config: send_rate %v is negative", s.SendRate)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka topic is required with brokers")
	}
	return nil
}

// BaseURL is the REST base url.
func (c *Config) BaseURL() string {
	return strings.TrimRight(c.Server, "/")
}

// WSURL is the chat websocket url derived from Server.
func (c *Config) WSURL() string {
	base := c.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/chat"
}
