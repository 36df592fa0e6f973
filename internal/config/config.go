// Package config loads the engine's YAML configuration surface (§6.4).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m"
// unmarshal directly, the way the rest of the corpus' Go services
// expect config durations to read.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Broker holds the embedded message-broker server's tunables.
type Broker struct {
	Port      int    `yaml:"port"`
	JetStream bool   `yaml:"jetStream"`
	DataDir   string `yaml:"dataDir"`
}

// WebSocket holds the transport server's tunables.
type WebSocket struct {
	Port           int      `yaml:"port"`
	Path           string   `yaml:"path"`
	PingInterval   Duration `yaml:"pingInterval"`
	MaxConnections int      `yaml:"maxConnections"`
}

// Agents holds the registry's liveness tunables.
type Agents struct {
	HeartbeatInterval   Duration `yaml:"heartbeatInterval"`
	MaxMissedHeartbeats int      `yaml:"maxMissedHeartbeats"`
	TTL                 Duration `yaml:"ttl"`
}

// Tasks holds the broker's default task tunables.
type Tasks struct {
	DefaultTimeout Duration `yaml:"defaultTimeout"`
	DefaultRetries int      `yaml:"defaultRetries"`
	TTL            Duration `yaml:"ttl"`
}

// Redis names the KV namespace prefix, kept even though the reference
// store is in-memory: the field documents the external contract in
// §6.3 for whichever physical store a deployment plugs in.
type Redis struct {
	KeyPrefix string `yaml:"keyPrefix"`
}

// Router holds the task router's polling tunables.
type Router struct {
	QueuePollInterval Duration `yaml:"queuePollInterval"`
	BatchSize         int      `yaml:"batchSize"`
}

// Metrics holds the status tracker's sampling tunables.
type Metrics struct {
	CollectionInterval Duration `yaml:"collectionInterval"`
}

// Errors holds the error handler's circuit-breaker and retry tunables.
type Errors struct {
	CircuitBreakerThreshold int        `yaml:"circuitBreakerThreshold"`
	CircuitBreakerTimeout   Duration   `yaml:"circuitBreakerTimeout"`
	RetryDelays             []Duration `yaml:"retryDelays"`
}

// Config is the full, typed configuration tree.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	WebSocket WebSocket `yaml:"websocket"`
	Agents    Agents    `yaml:"agents"`
	Tasks     Tasks     `yaml:"tasks"`
	Redis     Redis     `yaml:"redis"`
	Router    Router    `yaml:"router"`
	Metrics   Metrics   `yaml:"metrics"`
	Errors    Errors    `yaml:"errors"`
}

// Default returns the configuration with every field named in §6.4
// set to its documented default.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Port:      4222,
			JetStream: true,
			DataDir:   "data/jetstream",
		},
		WebSocket: WebSocket{
			Port:           8765,
			Path:           "/ws",
			PingInterval:   Duration(30 * time.Second),
			MaxConnections: 1000,
		},
		Agents: Agents{
			HeartbeatInterval:   Duration(15 * time.Second),
			MaxMissedHeartbeats: 3,
			TTL:                 Duration(5 * time.Minute),
		},
		Tasks: Tasks{
			DefaultTimeout: Duration(5 * time.Minute),
			DefaultRetries: 3,
			TTL:            Duration(24 * time.Hour),
		},
		Redis: Redis{
			KeyPrefix: "delegator:",
		},
		Router: Router{
			QueuePollInterval: Duration(2 * time.Second),
			BatchSize:         10,
		},
		Metrics: Metrics{
			CollectionInterval: Duration(30 * time.Second),
		},
		Errors: Errors{
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   Duration(60 * time.Second),
			RetryDelays: []Duration{
				Duration(1 * time.Second), Duration(2 * time.Second), Duration(5 * time.Second), Duration(10 * time.Second),
			},
		},
	}
}

// Load reads a YAML file into a Config, applying defaults for any
// field the file omits, the way the teacher's LoadTeamsConfig loads
// teams.yaml.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is internally sane.
func (c *Config) Validate() error {
	if c.Broker.Port <= 0 {
		return fmt.Errorf("config: broker.port must be positive")
	}
	if c.Broker.JetStream && c.Broker.DataDir == "" {
		return fmt.Errorf("config: broker.dataDir is required when jetStream is enabled")
	}
	if c.WebSocket.Port <= 0 {
		return fmt.Errorf("config: websocket.port must be positive")
	}
	if c.Router.BatchSize <= 0 {
		return fmt.Errorf("config: router.batchSize must be positive")
	}
	if c.Errors.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("config: errors.circuitBreakerThreshold must be positive")
	}
	if len(c.Errors.RetryDelays) == 0 {
		return fmt.Errorf("config: errors.retryDelays must not be empty")
	}
	return nil
}
