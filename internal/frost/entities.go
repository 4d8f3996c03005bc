package frost

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire types for the SensorThings entities this loader consumes. Fields not
// listed in the $select/$expand clauses are never populated.

// RefEntity carries just a remote id, as returned by id-only expansions.
type RefEntity struct {
	ID any `json:"@iot.id"`
}

// Location is one element of the Locations collection.
type Location struct {
	ID       any             `json:"@iot.id"`
	Name     string          `json:"name"`
	Location json.RawMessage `json:"location"`
}

// HistoricalLocation binds a Thing to Locations from a point in time onward.
type HistoricalLocation struct {
	Time      string      `json:"time"`
	Locations []RefEntity `json:"Locations"`
}

// Thing is one element of the Things collection with location expansions.
type Thing struct {
	ID                  any                  `json:"@iot.id"`
	Name                string               `json:"name"`
	Locations           []RefEntity          `json:"Locations"`
	HistoricalLocations []HistoricalLocation `json:"HistoricalLocations"`
}

// UnitOfMeasurement is the SensorThings unit descriptor.
type UnitOfMeasurement struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// ObservedProperty is a measured quantity reference.
type ObservedProperty struct {
	ID   any    `json:"@iot.id"`
	Name string `json:"name"`
}

// Datastream is a native (single-property) stream.
type Datastream struct {
	ID                any                `json:"@iot.id"`
	UnitOfMeasurement *UnitOfMeasurement `json:"unitOfMeasurement"`
	ObservedProperty  *ObservedProperty  `json:"ObservedProperty"`
	Thing             *RefEntity         `json:"Thing"`
}

// MultiDatastream is a composite stream producing one value per observed
// property, in order.
type MultiDatastream struct {
	ID                 any                 `json:"@iot.id"`
	UnitOfMeasurements []UnitOfMeasurement `json:"unitOfMeasurements"`
	ObservedProperties []ObservedProperty  `json:"ObservedProperties"`
	Thing              *RefEntity          `json:"Thing"`
}

// Observation is a single reading. Result is kept raw: native streams carry a
// scalar (number or string), multi streams carry an array.
type Observation struct {
	PhenomenonTime string          `json:"phenomenonTime"`
	Result         json.RawMessage `json:"result"`
}

// ParseTime parses a phenomenonTime value, which may be an instant or an
// ISO interval ("start/end"); intervals collapse to their end. The result is
// always UTC.
func ParseTime(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if i := strings.LastIndex(ts, "/"); i >= 0 {
		ts = ts[i+1:]
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", ts, err)
	}
	return t.UTC(), nil
}

// ParseResult extracts a numeric value from a scalar observation result.
// Strings may use a comma decimal separator. Null, non-numeric and missing
// results report ok=false.
func ParseResult(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return numericValue(v)
}

// ParseMultiResult extracts the per-component values of a multi-stream
// observation result. The second return is false when the result is not an
// array. Components that are null or non-numeric come back as nil entries so
// positional indexes stay aligned.
func ParseMultiResult(raw json.RawMessage) ([]*float64, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, false
	}
	out := make([]*float64, len(arr))
	for i, v := range arr {
		if f, ok := numericValue(v); ok {
			val := f
			out[i] = &val
		}
	}
	return out, true
}

func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
