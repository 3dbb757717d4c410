package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/aegisbridge/internal/adapters/buffer"
	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/adapters/opcua"
	"github.com/ghalamif/aegisbridge/internal/adapters/sink"
	"github.com/ghalamif/aegisbridge/internal/browse"
	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/deletes"
	"github.com/ghalamif/aegisbridge/internal/history"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/rebrowse"
	"github.com/ghalamif/aegisbridge/internal/statestore"
)

var validate = validator.New()

type Config struct {
	Policy        ports.Policy            `yaml:"policy"`
	Source        opcua.Config            `yaml:"source"`
	Browse        browse.Config           `yaml:"browse"`
	Subscriptions SubscriptionConfig      `yaml:"subscriptions"`
	History       HistoryConfig           `yaml:"history"`
	Push          PushConfig              `yaml:"push"`
	Buffer        buffer.Config           `yaml:"buffer"`
	Sinks         SinksConfig             `yaml:"sinks"`
	StateStorage  StateStorageConfig      `yaml:"state_storage"`
	Update        checksum.Policy         `yaml:"update"`
	Deletes       DeletesConfig           `yaml:"deletes"`
	Rebrowse      rebrowse.Config         `yaml:"rebrowse"`
	Metrics       MetricsConfig           `yaml:"metrics"`
	Logging       observability.LogConfig `yaml:"logging"`
}

// SubscriptionConfig controls live value subscriptions.
type SubscriptionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	SamplingInterval time.Duration `yaml:"sampling_interval" validate:"gte=0"`
	QueueSize        uint32        `yaml:"queue_size"`
}

type HistoryConfig struct {
	Enabled  bool `yaml:"enabled"`
	Data     bool `yaml:"data"`
	Events   bool `yaml:"events"`
	Backfill bool `yaml:"backfill"`
	// StatesTable persists extraction progress across restarts.
	StatesTable    string `yaml:"states_table"`
	history.Config `yaml:",inline"`
}

type PushConfig struct {
	// Timeout bounds one call against one sink.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// RetryPendingInterval is how often sinks with failed node pushes are retried.
	RetryPendingInterval time.Duration `yaml:"retry_pending_interval" validate:"gte=0"`
	// BrowseInterval triggers a periodic full browse. Zero browses on
	// startup and on rebrowse requests only.
	BrowseInterval time.Duration `yaml:"browse_interval" validate:"gte=0"`
}

type SinksConfig struct {
	Timescale *sink.TimescaleConfig `yaml:"timescale" validate:"omitempty"`
	Influx    *sink.InfluxConfig    `yaml:"influx" validate:"omitempty"`
	NATS      *sink.NATSConfig      `yaml:"nats" validate:"omitempty"`
	Dummy     *sink.DummyConfig     `yaml:"dummy" validate:"omitempty"`
}

// Count returns the number of configured sinks.
func (s SinksConfig) Count() int {
	n := 0
	if s.Timescale != nil {
		n++
	}
	if s.Influx != nil {
		n++
	}
	if s.NATS != nil {
		n++
	}
	if s.Dummy != nil {
		n++
	}
	return n
}

type StateStorageConfig struct {
	Backend                 string `yaml:"backend" validate:"omitempty,oneof=memory badger"`
	statestore.BadgerConfig `yaml:",inline"`
}

type DeletesConfig struct {
	Enabled        bool `yaml:"enabled"`
	deletes.Config `yaml:",inline"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 100_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 5_000
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "block"
	}
	if c.Subscriptions.SamplingInterval == 0 {
		c.Subscriptions.SamplingInterval = time.Second
	}
	if c.Subscriptions.QueueSize == 0 {
		c.Subscriptions.QueueSize = 10
	}
	if c.History.StatesTable == "" {
		c.History.StatesTable = "history"
	}
	if c.Push.Timeout == 0 {
		c.Push.Timeout = 30 * time.Second
	}
	if c.Push.RetryPendingInterval == 0 {
		c.Push.RetryPendingInterval = 30 * time.Second
	}
	if c.Buffer.Enabled && c.Buffer.Path == "" {
		c.Buffer.Path = "./data/buffer.bin"
	}
	if c.StateStorage.Backend == "" {
		c.StateStorage.Backend = "memory"
	}
	if c.StateStorage.Backend == "badger" && c.StateStorage.Path == "" {
		c.StateStorage.Path = "./data/state"
	}
	if c.Deletes.Enabled {
		if c.Deletes.ObjectsTable == "" {
			c.Deletes.ObjectsTable = "known_objects"
		}
		if c.Deletes.VariablesTable == "" {
			c.Deletes.VariablesTable = "known_variables"
		}
		if c.Deletes.ReferencesTable == "" && c.Browse.References {
			c.Deletes.ReferencesTable = "known_references"
		}
	}
	if c.Sinks.NATS != nil && c.Sinks.NATS.LocalState == "" {
		c.Sinks.NATS.LocalState = "nats_known_nodes"
	}
	if c.Sinks.Timescale != nil {
		c.Sinks.Timescale.Update = c.Update
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	c.Source.ApplyDefaults()
	c.History.ApplyDefaults()
	c.Rebrowse.ApplyDefaults()
}

func (c *Config) validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Sinks.Count() == 0 {
		return errors.New("at least one sink must be configured")
	}
	if c.History.Enabled && !c.History.Data && !c.History.Events {
		return errors.New("history.enabled requires history.data or history.events")
	}
	if c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required")
	}
	return nil
}
