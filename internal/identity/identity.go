// Package identity maps heterogeneous remote entity identifiers onto a single
// int64 key space per entity kind. FROST deployments use either plain numeric
// ids or opaque strings; the relational schema needs bigint primary keys that
// stay stable across runs without a lookup table.
package identity

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind names an entity collection as it appears in the remote API path.
type Kind string

const (
	KindLocation         Kind = "Locations"
	KindThing            Kind = "Things"
	KindObservedProperty Kind = "ObservedProperties"
	KindDatastream       Kind = "Datastreams"
	KindMultiDatastream  Kind = "MultiDatastreams"
)

// Reserved id ranges. Native numeric ids are assumed to stay far below
// StringIDOffset, so hash-derived and synthetic ids can never collide with
// them.
const (
	// StringIDOffset is the base of the range holding ids derived from
	// non-numeric remote identifiers.
	StringIDOffset int64 = 800_000_000_000_000

	// StringIDRange is the width of the hash-derived id range.
	StringIDRange int64 = 100_000_000_000_000

	// SyntheticPropertyOffset is the base of the range holding observed
	// properties synthesized for multi-stream components that have no
	// remote property id of their own.
	SyntheticPropertyOffset int64 = 900_000_000_000

	// VirtualStreamStride spaces virtual datastream ids derived from one
	// multi-stream parent; component index is added to parent*stride.
	VirtualStreamStride int64 = 100
)

// Normalize converts a raw remote id (int, float from JSON, numeric string or
// opaque string) into a stable int64. Numeric ids pass through verbatim;
// strings map deterministically into the reserved string id range.
func Normalize(raw any, kind Kind) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, fmt.Errorf("empty id for %s", kind)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		// encoding/json decodes untyped numbers as float64.
		if v == float64(int64(v)) {
			return int64(v), nil
		}
		return 0, fmt.Errorf("non-integral numeric id %v for %s", v, kind)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return hashID(v.String(), kind), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("empty id for %s", kind)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return hashID(s, kind), nil
	default:
		return 0, fmt.Errorf("unsupported id type %T for %s", raw, kind)
	}
}

func hashID(s string, kind Kind) int64 {
	sum := sha1.Sum([]byte(string(kind) + ":" + s))
	v := int64(binary.BigEndian.Uint64(sum[:8]) % uint64(StringIDRange))
	return StringIDOffset + v
}

// VirtualStreamID derives the datastream id for one component of a
// multi-stream parent.
func VirtualStreamID(parentID int64, idx int) int64 {
	return parentID*VirtualStreamStride + int64(idx)
}

// SyntheticPropertyID derives the observed-property id assigned to a
// multi-stream component when no existing (name, unit) row matches.
func SyntheticPropertyID(parentID int64, idx int) int64 {
	return SyntheticPropertyOffset + parentID*VirtualStreamStride + int64(idx)
}
