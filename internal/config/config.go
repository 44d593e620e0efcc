package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tasksync.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Channel struct {
		URL       string `yaml:"url"`
		Reconnect struct {
			Initial time.Duration `yaml:"initial"`
			Max     time.Duration `yaml:"max"`
		} `yaml:"reconnect"`
	} `yaml:"channel"`
	Session struct {
		TokenFile string `yaml:"token_file"`
	} `yaml:"session"`
	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures the reference hub started by `tasksync serve`.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	Database      string `yaml:"database"`
	JWTSecret     string `yaml:"jwt_secret"`
	RedisURL      string `yaml:"redis_url"`
	BrokerChannel string `yaml:"broker_channel"`
}

const fileName = "tasksync.yml"

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, fileName)
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile is Load without the friendly not-found message.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses YAML on top of the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Channel.URL = ""
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Session.TokenFile = DefaultTokenFile()
	cfg.fillDerived()
	return &cfg
}

// DefaultTokenFile is the session token location under the user config dir.
func DefaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "tasksync", "token")
}

// fillDerived sets the channel URL from the API base when only the latter is configured.
func (c *Config) fillDerived() {
	if strings.TrimSpace(c.Channel.URL) != "" || c.API.BaseURL == "" {
		return
	}
	if ws, err := ChannelURLFor(c.API.BaseURL); err == nil {
		c.Channel.URL = ws
	}
}

// SetBaseURL points the client at another hub; the channel URL follows it.
func (c *Config) SetBaseURL(base string) error {
	ws, err := ChannelURLFor(base)
	if err != nil {
		return err
	}
	c.API.BaseURL = strings.TrimRight(base, "/")
	c.Channel.URL = ws
	return nil
}

// ChannelURLFor maps http(s)://host/... to ws(s)://host/ws.
func ChannelURLFor(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.api.base_url must be an http(s) url")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config.api.timeout must be positive")
	}
	if c.Channel.URL != "" {
		u, err := url.Parse(c.Channel.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("config.channel.url must be a ws(s) url")
		}
	}
	if c.Channel.Reconnect.Initial <= 0 {
		return fmt.Errorf("config.channel.reconnect.initial must be positive")
	}
	if c.Channel.Reconnect.Max < c.Channel.Reconnect.Initial {
		return fmt.Errorf("config.channel.reconnect.max must be >= initial")
	}
	if c.Session.TokenFile == "" {
		return fmt.Errorf("config.session.token_file is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.Database == "" {
		return fmt.Errorf("config.server.database is required")
	}
	if c.Server.RedisURL != "" && c.Server.BrokerChannel == "" {
		return fmt.Errorf("config.server.broker_channel is required with redis_url")
	}
	return nil
}

const defaultTemplate = `api:
  base_url: http://localhost:8080
  timeout: 10s

channel:
  reconnect:
    initial: 500ms
    max: 30s

server:
  addr: :8080
  database: tasksync.db
  jwt_secret: dev-secret
  broker_channel: tasksync:frames
`
