package push

import (
	"math"
	"time"

	"github.com/ghalamif/aegisbridge/internal/domain"
)

// MaxMagnitude is the largest absolute value most sinks accept.
const MaxMagnitude = 1e100

// FilterConfig holds the validity rules applied before a push.
type FilterConfig struct {
	// MinTimestamp drops points and events older than this instant.
	MinTimestamp time.Time `yaml:"min_timestamp"`
	// NonFiniteReplacement replaces NaN, infinities and out-of-range values.
	// Nil drops them.
	NonFiniteReplacement *float64 `yaml:"non_finite_replacement"`
}

// DefaultMinTimestamp is the earliest instant accepted by default.
var DefaultMinTimestamp = time.Date(1971, 1, 1, 0, 0, 0, 0, time.UTC)

// FilterPoints applies cfg to points and returns the survivors and the
// number of points skipped.
func FilterPoints(points []domain.DataPoint, cfg FilterConfig) ([]domain.DataPoint, int) {
	minTS := cfg.MinTimestamp
	if minTS.IsZero() {
		minTS = DefaultMinTimestamp
	}
	out := make([]domain.DataPoint, 0, len(points))
	skipped := 0
	for _, p := range points {
		if p.Timestamp.Before(minTS) {
			skipped++
			continue
		}
		if p.IsString {
			if p.StringValue == nil {
				empty := ""
				p.StringValue = &empty
			}
			out = append(out, p)
			continue
		}
		if !validNumber(p.DoubleValue) {
			if cfg.NonFiniteReplacement == nil {
				skipped++
				continue
			}
			p.DoubleValue = *cfg.NonFiniteReplacement
		}
		out = append(out, p)
	}
	return out, skipped
}

// FilterEvents drops events older than the configured minimum.
func FilterEvents(events []domain.Event, cfg FilterConfig) ([]domain.Event, int) {
	minTS := cfg.MinTimestamp
	if minTS.IsZero() {
		minTS = DefaultMinTimestamp
	}
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.Time.Before(minTS) {
			continue
		}
		out = append(out, e)
	}
	return out, len(events) - len(out)
}

func validNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) < MaxMagnitude
}
