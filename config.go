package ircsession

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig describes the endpoint a session dials.
type ServerConfig struct {
	// Addr is host:port of the server (required).
	Addr string `yaml:"addr"`
	// TLS enables TLS on the connection.
	TLS bool `yaml:"tls"`
	// ServerName overrides the TLS server name.
	ServerName string `yaml:"server_name"`
	// InsecureSkipVerify disables certificate checks. Test servers only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// DialTimeout bounds the TCP and TLS handshake.
	// Default: 15 seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Password is sent with PASS before registration when set.
	Password string `yaml:"password"`
}

// IdentityConfig is the device identity the session registers as.
type IdentityConfig struct {
	// Nick is name:deviceId.
	Nick string `yaml:"nick"`
	// Realname is announced with USER once online.
	Realname string `yaml:"realname"`
}

// StorageConfig selects the durable stores.
type StorageConfig struct {
	// SQLitePath enables the SQLite pending-media queue and replay guard.
	SQLitePath string `yaml:"sqlite_path"`
	// ReplayTTL is how long processed packet ids are remembered.
	// Default: 24 hours
	ReplayTTL time.Duration `yaml:"replay_ttl"`
}

// EventsConfig selects the UI event sink.
type EventsConfig struct {
	// RedisURL enables publishing events to Redis pub/sub.
	RedisURL string `yaml:"redis_url"`
	// Channel is the pub/sub channel name.
	Channel string `yaml:"channel"`
	// Timeout is the per-publish timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the number of retry attempts on failure.
	Retries int `yaml:"retries"`
}

// Config is the complete session configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Identity   IdentityConfig   `yaml:"identity"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ping       PingConfig       `yaml:"ping"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Multipart  MultipartConfig  `yaml:"multipart"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Presence   PresenceConfig   `yaml:"presence"`
	Access     AccessListConfig `yaml:"access"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Storage    StorageConfig    `yaml:"storage"`
	Events     EventsConfig     `yaml:"events"`
	LogLevel   string           `yaml:"log_level"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Server:     ServerConfig{DialTimeout: 15 * time.Second},
		Pipeline:   DefaultPipelineConfig(),
		Ping:       DefaultPingConfig(),
		Correlator: DefaultCorrelatorConfig(),
		Multipart:  DefaultMultipartConfig(),
		Delivery:   DefaultDeliveryConfig(),
		Presence:   DefaultPresenceConfig(),
		Access:     DefaultAccessListConfig(),
		RateLimit:  DefaultRateLimitConfig(),
		Reconnect:  DefaultReconnectConfig(),
		Storage:    StorageConfig{ReplayTTL: 24 * time.Hour},
		Events:     EventsConfig{Channel: "ircsession:events", Timeout: 5 * time.Second, Retries: 3},
		LogLevel:   "info",
	}
}

// LoadConfig reads a YAML file, expands environment variables and applies
// it over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a session cannot run without.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Identity.Nick != "" {
		if _, err := ParseNick(c.Identity.Nick); err != nil {
			return fmt.Errorf("config: identity.nick: %w", err)
		}
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Events.Retries < 0 {
		return fmt.Errorf("config: events.retries must be >= 0, got %d", c.Events.Retries)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default expand to the empty string.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}
