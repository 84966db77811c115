// Package record defines the unit of state held by the versioned store.
package record

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"entitytx/pkg/primitives"
)

// Payload is the attribute mapping of a record. Payloads cross every package
// boundary as deep copies, so a caller mutating a payload it received never
// changes stored, cached or buffered state.
type Payload map[string]any

// Clone returns a deep copy of p. Nested maps and slices are copied;
// other values are copied by assignment.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Payload:
		return val.Clone()
	case map[string]any:
		return map[string]any(Payload(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(val)
	case []byte:
		return slices.Clone(val)
	default:
		return v
	}
}

// Ref returns the string stored under attr, used for ownership references.
// Integral numbers are formatted the way generated keys are; fractional or
// non-finite floats are not references.
func (p Payload) Ref(attr string) (string, bool) {
	v, ok := p[attr]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", val), true
	case float64:
		if math.IsInf(val, 0) || math.Trunc(val) != val {
			return "", false
		}
		return strconv.FormatFloat(val, 'f', 0, 64), true
	default:
		return "", false
	}
}

func (p Payload) String() string {
	keys := slices.Sorted(maps.Keys(p))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Record is a versioned entity as held by the store.
type Record struct {
	ID        primitives.RecordID
	Payload   Payload
	Version   primitives.Version
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.ID, r.Version, r.Payload)
}
