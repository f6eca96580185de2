package change

// Operations on dict topics: string-keyed maps of JSON values.

// DictAddChange inserts a new key; an existing key is rejected.
type DictAddChange struct {
	base
	Key   string
	Value any
}

func NewDictAdd(topic, key string, value any, gen IDGen) *DictAddChange {
	return &DictAddChange{base: newBase(topic, Dict, gen), Key: key, Value: DeepCopy(value)}
}

func (c *DictAddChange) Type() string { return "add" }

func (c *DictAddChange) Apply(old any) (any, error) {
	m, ok := old.(map[string]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a dict", old)
	}
	if _, dup := m[c.Key]; dup {
		return nil, invalidf(c, "adding %q would create a duplicate key", c.Key)
	}
	m[c.Key] = DeepCopy(c.Value)
	return m, nil
}

func (c *DictAddChange) Inverse() Change {
	inv := NewDictRemove(c.topic, c.Key, c.gen)
	inv.Value = DeepCopy(c.Value)
	return inv
}

func (c *DictAddChange) Serialize() map[string]any {
	w := c.wire("add")
	w["key"] = c.Key
	w["value"] = c.Value
	return w
}

// DictRemoveChange deletes a key, capturing the removed value for the
// inverse; an absent key is rejected.
type DictRemoveChange struct {
	base
	Key   string
	Value any // captured on Apply
}

func NewDictRemove(topic, key string, gen IDGen) *DictRemoveChange {
	return &DictRemoveChange{base: newBase(topic, Dict, gen), Key: key}
}

func (c *DictRemoveChange) Type() string { return "remove" }

func (c *DictRemoveChange) Apply(old any) (any, error) {
	m, ok := old.(map[string]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a dict", old)
	}
	v, present := m[c.Key]
	if !present {
		return nil, invalidf(c, "key %q is not present", c.Key)
	}
	c.Value = DeepCopy(v)
	delete(m, c.Key)
	return m, nil
}

func (c *DictRemoveChange) Inverse() Change {
	return NewDictAdd(c.topic, c.Key, DeepCopy(c.Value), c.gen)
}

func (c *DictRemoveChange) Serialize() map[string]any {
	w := c.wire("remove")
	w["key"] = c.Key
	if c.Value != nil {
		w["value"] = c.Value
	}
	return w
}

// DictChangeValueChange replaces the value at an existing key. When the
// caller's declared expectation of the prior value turns out stale, the
// change regenerates its identity and proceeds instead of rejecting
// (unlike whole-value set, which hard-fails on a stale expectation).
type DictChangeValueChange struct {
	base
	Key      string
	Value    any
	OldValue any // declared expectation; captured actual after Apply
}

func NewDictChangeValue(topic, key string, value, oldValue any, gen IDGen) *DictChangeValueChange {
	return &DictChangeValueChange{
		base:     newBase(topic, Dict, gen),
		Key:      key,
		Value:    DeepCopy(value),
		OldValue: DeepCopy(oldValue),
	}
}

func (c *DictChangeValueChange) Type() string { return "change_value" }

func (c *DictChangeValueChange) Apply(old any) (any, error) {
	m, ok := old.(map[string]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a dict", old)
	}
	prior, present := m[c.Key]
	if !present {
		return nil, invalidf(c, "key %q is not present", c.Key)
	}
	if !DeepEqual(c.OldValue, prior) {
		c.id = c.gen()
	}
	c.OldValue = DeepCopy(prior)
	m[c.Key] = DeepCopy(c.Value)
	return m, nil
}

func (c *DictChangeValueChange) Inverse() Change {
	return NewDictChangeValue(c.topic, c.Key, DeepCopy(c.OldValue), DeepCopy(c.Value), c.gen)
}

func (c *DictChangeValueChange) Serialize() map[string]any {
	w := c.wire("change_value")
	w["key"] = c.Key
	w["value"] = c.Value
	w["old_value"] = c.OldValue
	return w
}

func decodeDictAdd(d dec) (Change, error) {
	key, err := fieldString(d.raw, "key")
	if err != nil {
		return nil, err
	}
	return &DictAddChange{base: d.base, Key: key, Value: DeepCopy(d.raw["value"])}, nil
}

func decodeDictRemove(d dec) (Change, error) {
	key, err := fieldString(d.raw, "key")
	if err != nil {
		return nil, err
	}
	return &DictRemoveChange{base: d.base, Key: key, Value: DeepCopy(d.raw["value"])}, nil
}

func decodeDictChangeValue(d dec) (Change, error) {
	key, err := fieldString(d.raw, "key")
	if err != nil {
		return nil, err
	}
	return &DictChangeValueChange{
		base:     d.base,
		Key:      key,
		Value:    DeepCopy(d.raw["value"]),
		OldValue: DeepCopy(d.raw["old_value"]),
	}, nil
}
