package change

import (
	"encoding/json"

	"github.com/cespare/xxhash"
	"golang.org/x/exp/constraints"
)

// DeepCopy clones a JSON-shaped value (nil, bool, number, string,
// []any, map[string]any) so that snapshots never alias topic state.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}

// DeepEqual compares two JSON-shaped values structurally. Numbers
// compare by value regardless of their Go type, so an int64 decoded
// from a local caller equals the float64 the JSON decoder produces.
func DeepEqual(a, b any) bool {
	if an, ok := Number[float64](a); ok {
		bn, ok := Number[float64](b)
		return ok && an == bn
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !DeepEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !DeepEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// CanonKey hashes the canonical JSON form of a value. Set membership
// and old/new diffing use it as the item identity, the same way
// arbitrary blobs are identified by their hash elsewhere.
func CanonKey(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// Number coerces any numeric Go representation of a JSON number into T.
// The int and float kinds share it for deltas and stored values.
func Number[T constraints.Signed | constraints.Float](v any) (T, bool) {
	switch n := v.(type) {
	case int:
		return T(n), true
	case int8:
		return T(n), true
	case int16:
		return T(n), true
	case int32:
		return T(n), true
	case int64:
		return T(n), true
	case uint:
		return T(n), true
	case uint32:
		return T(n), true
	case uint64:
		return T(n), true
	case float32:
		return T(n), true
	case float64:
		return T(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return T(f), true
		}
	}
	var zero T
	return zero, false
}

// Integral reports whether v is a whole number and returns it as int64.
func Integral(v any) (int64, bool) {
	f, ok := Number[float64](v)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}
