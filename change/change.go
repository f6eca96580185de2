// Package change is the catalog of topic operations. A Change is a
// self-contained, serializable description of one mutation of one topic;
// it knows how to apply itself to a value, how to produce its inverse
// once applied, and how to travel the wire as a JSON object keyed by
// (topic kind, operation kind).
package change

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is a topic's value kind. It selects the slice of the catalog
// that may be applied to the topic and the wire dispatch key.
type Kind string

const (
	Generic Kind = "generic"
	String  Kind = "string"
	Int     Kind = "int"
	Float   Kind = "float"
	Set     Kind = "set"
	List    Kind = "list"
	Dict    Kind = "dict"
	Event   Kind = "event"
)

func (k Kind) Valid() bool {
	_, ok := catalog[k]
	return ok
}

// Default is the value a fresh topic of this kind holds.
func (k Kind) Default() any {
	switch k {
	case String:
		return ""
	case Int:
		return int64(0)
	case Float:
		return float64(0)
	case Set, List:
		return []any{}
	case Dict:
		return map[string]any{}
	default:
		return nil
	}
}

// CheckValue is the kind's base validator: the runtime shape a topic
// value of this kind must always satisfy.
func (k Kind) CheckValue(v any) bool {
	switch k {
	case Generic:
		return true
	case String:
		_, ok := v.(string)
		return ok
	case Int:
		_, ok := Integral(v)
		return ok
	case Float:
		_, ok := Number[float64](v)
		return ok
	case Set, List:
		_, ok := v.([]any)
		return ok
	case Dict:
		_, ok := v.(map[string]any)
		return ok
	case Event:
		return v == nil
	}
	return false
}

// IDGen mints change and transition identities. It is injected rather
// than taken from a global random source so tests can be deterministic.
type IDGen func() string

// UUIDGen is the default IDGen.
func UUIDGen() string { return uuid.NewString() }

// Change is one reversible mutation of one topic.
//
// Apply returns the new value without mutating the caller's old value
// (callers hand in an independent copy). Inverse is defined only after
// Apply has run at least once: applying captures whatever prior state
// the inverse needs.
type Change interface {
	TopicName() string
	TopicKind() Kind
	// Type is the operation kind, the second half of the wire dispatch key.
	Type() string
	ID() string

	Apply(old any) (any, error)
	Inverse() Change
	Serialize() map[string]any
}

// base carries the fields every change shares.
type base struct {
	topic string
	kind  Kind
	id    string
	gen   IDGen
}

func newBase(topic string, kind Kind, gen IDGen) base {
	if gen == nil {
		gen = UUIDGen
	}
	return base{topic: topic, kind: kind, id: gen(), gen: gen}
}

func (b *base) TopicName() string { return b.topic }
func (b *base) TopicKind() Kind   { return b.kind }
func (b *base) ID() string        { return b.id }

func (b *base) wire(typ string) map[string]any {
	return map[string]any{
		"topic_name": b.topic,
		"topic_type": string(b.kind),
		"type":       typ,
		"id":         b.id,
	}
}

type decodeFunc func(d dec) (Change, error)

// catalog maps (topic kind, operation kind) to a decoder. Set is legal
// for every kind; the rest are kind-specific.
var catalog = map[Kind]map[string]decodeFunc{
	Generic: {"set": decodeSet},
	String:  {"set": decodeSet, "insert": decodeStringInsert, "delete": decodeStringDelete},
	Int:     {"set": decodeSet, "add": decodeAdd},
	Float:   {"set": decodeSet, "add": decodeAdd},
	Set:     {"set": decodeSet, "append": decodeAppend, "remove": decodeRemove},
	List:    {"set": decodeSet, "insert": decodeListInsert, "pop": decodeListPop},
	Dict:    {"set": decodeSet, "add": decodeDictAdd, "remove": decodeDictRemove, "change_value": decodeDictChangeValue},
	Event:   {"set": decodeSet, "emit": decodeEmit, "reversed_emit": decodeReversedEmit},
}

// Deserialize rebuilds a change from its wire form, dispatching on
// (topic_type, type). The wire id is preserved; gen is kept for
// identities the change may need to mint later.
func Deserialize(raw map[string]any, gen IDGen) (Change, error) {
	kindName, err := fieldString(raw, "topic_type")
	if err != nil {
		return nil, err
	}
	typ, err := fieldString(raw, "type")
	if err != nil {
		return nil, err
	}
	topic, err := fieldString(raw, "topic_name")
	if err != nil {
		return nil, err
	}

	ops, ok := catalog[Kind(kindName)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopicKind, kindName)
	}
	decode, ok := ops[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q for kind %q", ErrUnknownChangeType, typ, kindName)
	}

	if gen == nil {
		gen = UUIDGen
	}
	d := dec{raw: raw, base: newBase(topic, Kind(kindName), gen)}
	if id, ok := raw["id"].(string); ok && id != "" {
		d.base.id = id
	}
	return decode(d)
}

// dec is the decoding context handed to per-operation decoders.
type dec struct {
	raw  map[string]any
	base base
}

func fieldString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrBadWireForm, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a string", ErrBadWireForm, key)
	}
	return s, nil
}

func fieldInt(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrBadWireForm, key)
	}
	n, ok := Integral(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadWireForm, key)
	}
	return int(n), nil
}

// fieldArgs reads an optional map field, defaulting to empty.
func fieldArgs(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", ErrBadWireForm, key)
	}
	return args, nil
}
