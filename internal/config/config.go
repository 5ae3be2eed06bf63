package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Feed      FeedConfig      `yaml:"feed"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Contact   ContactConfig   `yaml:"contact"`
	Registry  RegistryConfig  `yaml:"registry"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Routing   RoutingConfig   `yaml:"routing"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// FeedConfig locates the payload stream supplied by the switching
// platform's session collaborator.
type FeedConfig struct {
	Address        string   `yaml:"address"`
	DialTimeout    Duration `yaml:"dial_timeout"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

type IngestConfig struct {
	Workers        int      `yaml:"workers"`
	PublishWorkers int      `yaml:"publish_workers"`
	QueueSize      int      `yaml:"queue_size"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

type ContactConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

type RegistryConfig struct {
	RetentionWindow Duration `yaml:"retention_window"`
	SweepInterval   Duration `yaml:"sweep_interval"`
}

type DiscoveryConfig struct {
	MaxEventTypes int `yaml:"max_event_types"`
	MaxCallIDs    int `yaml:"max_call_ids"`
	SampleLimit   int `yaml:"sample_limit"`
}

type RoutingConfig struct {
	RulesFile string `yaml:"rules_file"`
	Watch     bool   `yaml:"watch"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when fields are omitted.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Address:        "127.0.0.1:4721",
			DialTimeout:    Duration(10 * time.Second),
			ReconnectDelay: Duration(5 * time.Second),
		},
		Ingest: IngestConfig{
			Workers:        4,
			PublishWorkers: 4,
			QueueSize:      256,
			ShutdownGrace:  Duration(10 * time.Second),
		},
		Contact: ContactConfig{
			RequestTimeout:    Duration(10 * time.Second),
			MaxAttempts:       3,
			RetryBaseDelay:    Duration(time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Registry: RegistryConfig{
			RetentionWindow: Duration(30 * time.Minute),
			SweepInterval:   Duration(time.Minute),
		},
		Discovery: DiscoveryConfig{
			MaxEventTypes: 4096,
			MaxCallIDs:    1024,
			SampleLimit:   500,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "cti-bridge",
			TopicPrefix: "cti",
			QoS:         1,
		},
	}
}

func (c *Config) validate() error {
	if c.Feed.Address == "" {
		return fmt.Errorf("feed.address is required")
	}
	if c.Contact.Endpoint == "" {
		return fmt.Errorf("contact.endpoint is required")
	}
	if c.Contact.MaxAttempts < 1 {
		return fmt.Errorf("contact.max_attempts must be at least 1, got %d", c.Contact.MaxAttempts)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.PublishWorkers < 1 {
		return fmt.Errorf("ingest.publish_workers must be at least 1, got %d", c.Ingest.PublishWorkers)
	}
	if c.Registry.RetentionWindow.Std() <= 0 {
		return fmt.Errorf("registry.retention_window must be positive")
	}
	if c.Registry.SweepInterval.Std() <= 0 {
		return fmt.Errorf("registry.sweep_interval must be positive")
	}
	if c.Routing.Watch && c.Routing.RulesFile == "" {
		return fmt.Errorf("routing.watch requires routing.rules_file")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	return nil
}
