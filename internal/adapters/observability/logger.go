package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ghalamif/aegisbridge/internal/ports"
)

// LogConfig selects the level and destination of the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Output string `yaml:"output" validate:"omitempty,oneof=stdout stderr"`
	// Pretty switches to the human readable console writer.
	Pretty bool `yaml:"pretty"`
}

// NewLogger builds a zerolog logger tagged with the component name.
func NewLogger(cfg LogConfig, component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

type nop struct{}

// Nop discards logs and metrics.
func Nop() ports.Observability { return nop{} }

func (nop) LogDebug(string, ...ports.Field)           {}
func (nop) LogInfo(string, ...ports.Field)            {}
func (nop) LogError(string, error, ...ports.Field)    {}
func (nop) LogCritical(string, error, ...ports.Field) {}
func (nop) IncCounter(string, float64)                {}
func (nop) ObserveLatency(string, float64)            {}
func (nop) SetGauge(string, float64)                  {}
