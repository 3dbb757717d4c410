package aegisbridge

import (
	"github.com/ghalamif/aegisbridge/internal/adapters/opcua"
	"github.com/ghalamif/aegisbridge/internal/adapters/sink"
	"github.com/ghalamif/aegisbridge/internal/app/config"
	"github.com/ghalamif/aegisbridge/internal/browse"
	"github.com/ghalamif/aegisbridge/internal/checksum"
	"github.com/ghalamif/aegisbridge/internal/ports"
	"github.com/ghalamif/aegisbridge/internal/rebrowse"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls queue thresholds.
	Policy = ports.Policy
	// SourceConfig holds the OPC UA connection details.
	SourceConfig = opcua.Config
	// BrowseConfig selects the extracted address space.
	BrowseConfig = browse.Config
	// UpdatePolicy selects which node fields trigger a re-push.
	UpdatePolicy = checksum.Policy
	// HistoryConfig controls history frontfill and backfill.
	HistoryConfig = config.HistoryConfig
	// SinksConfig lists the configured sinks.
	SinksConfig = config.SinksConfig
	// TimescaleConfig configures the TimescaleDB sink.
	TimescaleConfig = sink.TimescaleConfig
	// InfluxConfig configures the InfluxDB sink.
	InfluxConfig = sink.InfluxConfig
	// NATSConfig configures the NATS JetStream sink.
	NATSConfig = sink.NATSConfig
	// RebrowseConfig configures the structure watchdog.
	RebrowseConfig = rebrowse.Config
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig decodes, defaults and validates an in-memory YAML document.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
