package change

// SetChange replaces a topic's whole value. An optional expected prior
// value makes the replacement conditional: a mismatch is a hard
// failure, never silently resolved.
type SetChange struct {
	base
	Value    any
	OldValue any // expected prior value; captured actual after Apply
}

// NewSet builds a whole-value replacement. oldValue may be nil to skip
// the expected-prior-value precondition.
func NewSet(topic string, kind Kind, value, oldValue any, gen IDGen) *SetChange {
	return &SetChange{
		base:     newBase(topic, kind, gen),
		Value:    DeepCopy(value),
		OldValue: DeepCopy(oldValue),
	}
}

func (c *SetChange) Type() string { return "set" }

func (c *SetChange) Apply(old any) (any, error) {
	if c.OldValue != nil && !DeepEqual(old, c.OldValue) {
		return nil, invalidf(c, "expected prior value %v, found %v", c.OldValue, old)
	}
	c.OldValue = DeepCopy(old)
	return DeepCopy(c.Value), nil
}

func (c *SetChange) Inverse() Change {
	return NewSet(c.topic, c.kind, DeepCopy(c.OldValue), DeepCopy(c.Value), c.gen)
}

func (c *SetChange) Serialize() map[string]any {
	w := c.wire("set")
	w["value"] = c.Value
	w["old_value"] = c.OldValue
	return w
}

func decodeSet(d dec) (Change, error) {
	c := &SetChange{
		base:     d.base,
		Value:    DeepCopy(d.raw["value"]),
		OldValue: DeepCopy(d.raw["old_value"]),
	}
	return c, nil
}
