package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// DataPoint is the canonical unit of telemetry. Exactly one of DoubleValue and
// StringValue is meaningful, selected by IsString.
type DataPoint struct {
	Timestamp   time.Time `json:"ts"`
	ID          string    `json:"id"`
	DoubleValue float64   `json:"double_value,omitempty"`
	StringValue *string   `json:"string_value,omitempty"`
	IsString    bool      `json:"is_string"`
}

func NewNumericPoint(id string, ts time.Time, v float64) DataPoint {
	return DataPoint{Timestamp: ts, ID: id, DoubleValue: v}
}

func NewStringPoint(id string, ts time.Time, v string) DataPoint {
	return DataPoint{Timestamp: ts, ID: id, StringValue: &v, IsString: true}
}

// Str returns the string value, or the empty string when unset.
func (d DataPoint) Str() string {
	if d.StringValue == nil {
		return ""
	}
	return *d.StringValue
}

// IsFinite reports whether a numeric point can be sent as-is.
func (d DataPoint) IsFinite() bool {
	return d.IsString || !(math.IsNaN(d.DoubleValue) || math.IsInf(d.DoubleValue, 0))
}

// PointFromValue converts a raw source value into a DataPoint for the given
// external id. Numeric values become numeric points unless isString is set.
func PointFromValue(id string, ts time.Time, v any, isString bool) DataPoint {
	if isString {
		return NewStringPoint(id, ts, formatValue(v))
	}
	if f, ok := ToFloat(v); ok {
		return NewNumericPoint(id, ts, f)
	}
	return NewStringPoint(id, ts, formatValue(v))
}

// ToFloat converts numeric and boolean source values to float64.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case int:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Format renders the point value as text.
func (d DataPoint) Format() string {
	if d.IsString {
		return d.Str()
	}
	return strconv.FormatFloat(d.DoubleValue, 'g', -1, 64)
}
