package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint names used as keys of PublisherConfig.TickIntervalMs.
const (
	EndpointSports   = "sports"
	EndpointRealtime = "realtime"
	EndpointHawkeye  = "hawkeye"
	EndpointTeam     = "team"
)

// Config is the closed configuration record of a publisher and its clients.
type Config struct {
	// Strict rejects unknown keys when the file is loaded.
	Strict    bool            `yaml:"strict"`
	Server    ServerConfig    `yaml:"server"`
	Publisher PublisherConfig `yaml:"publisher"`
	Client    ClientConfig    `yaml:"client"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadBufferSize  int    `yaml:"readBufferSize"`
	WriteBufferSize int    `yaml:"writeBufferSize"`
	MaxConnections  int    `yaml:"maxConnections"`
}

// PublisherConfig holds per-connection publisher limits.
type PublisherConfig struct {
	// TickIntervalMs overrides the tick period per endpoint name.
	TickIntervalMs                map[string]int `yaml:"tickIntervalMs"`
	MaxSubscriptionsPerConnection int            `yaml:"maxSubscriptionsPerConnection"`
	OutboundHighWatermarkBytes    int            `yaml:"outboundHighWatermarkBytes"`
	AnalysisTTLMs                 int            `yaml:"analysisTtlMs"`
	AnalysisWorkers               int            `yaml:"analysisWorkers"`
	Teams                         []string       `yaml:"teams"`
}

// ClientConfig holds reconnecting client options.
type ClientConfig struct {
	URL                  string `yaml:"url"`
	AuthToken            string `yaml:"authToken"`
	ReconnectInterval    int    `yaml:"reconnectInterval"`
	MaxReconnectAttempts int    `yaml:"maxReconnectAttempts"`
	HeartbeatInterval    int    `yaml:"heartbeatInterval"`
}

// UpstreamConfig selects the data source. An empty BaseURL uses the
// deterministic fake.
type UpstreamConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	APIKey    string `yaml:"apiKey"`
	TimeoutMs int    `yaml:"timeoutMs"`
	Seed      uint64 `yaml:"seed"`
}

// RedisConfig enables the cross-instance bridge when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultTickIntervals are the per-endpoint publisher periods.
func DefaultTickIntervals() map[string]int {
	return map[string]int{
		EndpointSports:   30000,
		EndpointRealtime: 2000,
		EndpointHawkeye:  100,
		EndpointTeam:     1000,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxConnections:  1000,
		},
		Publisher: PublisherConfig{
			TickIntervalMs:                DefaultTickIntervals(),
			MaxSubscriptionsPerConnection: 64,
			OutboundHighWatermarkBytes:    256 * 1024,
			AnalysisTTLMs:                 15000,
			AnalysisWorkers:               4,
		},
		Client: ClientConfig{
			ReconnectInterval:    1000,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30000,
		},
		Upstream: UpstreamConfig{
			TimeoutMs: 5000,
			Seed:      1,
		},
		Redis: RedisConfig{
			Prefix: "rtssf:ws:",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and applies env overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// strictProbe reads only the strict flag so the real decode can honour it.
type strictProbe struct {
	Strict bool `yaml:"strict"`
}

func (c *Config) decode(data []byte) error {
	var probe strictProbe
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(probe.Strict)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	// Partial tick maps in the file keep the defaults for the rest.
	if c.Publisher.TickIntervalMs == nil {
		c.Publisher.TickIntervalMs = make(map[string]int)
	}
	for name, ms := range DefaultTickIntervals() {
		if _, ok := c.Publisher.TickIntervalMs[name]; !ok {
			c.Publisher.TickIntervalMs[name] = ms
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RTSSF_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RTSSF_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RTSSF_AUTH_TOKEN"); v != "" {
		c.Client.AuthToken = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_WS_PREFIX"); v != "" {
		c.Redis.Prefix = v
	}
}

// Validate performs basic configuration validation.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr cannot be empty")
	}
	for name, ms := range c.Publisher.TickIntervalMs {
		if ms <= 0 {
			return fmt.Errorf("tickIntervalMs[%s] must be greater than 0", name)
		}
	}
	if c.Publisher.MaxSubscriptionsPerConnection <= 0 {
		return fmt.Errorf("maxSubscriptionsPerConnection must be greater than 0")
	}
	if c.Publisher.OutboundHighWatermarkBytes <= 0 {
		return fmt.Errorf("outboundHighWatermarkBytes must be greater than 0")
	}
	if c.Publisher.AnalysisTTLMs <= 0 {
		return fmt.Errorf("analysisTtlMs must be greater than 0")
	}
	if c.Client.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnectInterval must be greater than 0")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("maxReconnectAttempts cannot be negative")
	}
	if c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be greater than 0")
	}
	return nil
}

// Tick returns the tick period of an endpoint.
func (p PublisherConfig) Tick(endpoint string) time.Duration {
	if ms, ok := p.TickIntervalMs[endpoint]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(DefaultTickIntervals()[endpoint]) * time.Millisecond
}

// AnalysisTTL returns the analysis request TTL.
func (p PublisherConfig) AnalysisTTL() time.Duration {
	return time.Duration(p.AnalysisTTLMs) * time.Millisecond
}

// ReconnectBase returns the base backoff delay.
func (c ClientConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// Heartbeat returns the heartbeat period.
func (c ClientConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}
