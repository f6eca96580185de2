package change

// Operations on set topics: unordered lists with no duplicates.
// Item identity is the hash of the canonical JSON form, so nested
// structures work as items.

// AppendChange adds an item to a set topic; a duplicate is rejected.
type AppendChange struct {
	base
	Item any
}

func NewAppend(topic string, item any, gen IDGen) *AppendChange {
	return &AppendChange{base: newBase(topic, Set, gen), Item: DeepCopy(item)}
}

func (c *AppendChange) Type() string { return "append" }

func (c *AppendChange) Apply(old any) (any, error) {
	items, ok := old.([]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a set", old)
	}
	if containsItem(items, c.Item) {
		return nil, invalidf(c, "appending %v would create a duplicate", c.Item)
	}
	return append(items, DeepCopy(c.Item)), nil
}

func (c *AppendChange) Inverse() Change {
	return NewRemove(c.topic, DeepCopy(c.Item), c.gen)
}

func (c *AppendChange) Serialize() map[string]any {
	w := c.wire("append")
	w["item"] = c.Item
	return w
}

// RemoveChange takes an item out of a set topic; an absent item is rejected.
type RemoveChange struct {
	base
	Item any
}

func NewRemove(topic string, item any, gen IDGen) *RemoveChange {
	return &RemoveChange{base: newBase(topic, Set, gen), Item: DeepCopy(item)}
}

func (c *RemoveChange) Type() string { return "remove" }

func (c *RemoveChange) Apply(old any) (any, error) {
	items, ok := old.([]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a set", old)
	}
	key := CanonKey(c.Item)
	for i, item := range items {
		if CanonKey(item) == key {
			return append(items[:i], items[i+1:]...), nil
		}
	}
	return nil, invalidf(c, "cannot remove %v: not present", c.Item)
}

func (c *RemoveChange) Inverse() Change {
	return NewAppend(c.topic, DeepCopy(c.Item), c.gen)
}

func (c *RemoveChange) Serialize() map[string]any {
	w := c.wire("remove")
	w["item"] = c.Item
	return w
}

func containsItem(items []any, item any) bool {
	key := CanonKey(item)
	for _, e := range items {
		if CanonKey(e) == key {
			return true
		}
	}
	return false
}

func decodeAppend(d dec) (Change, error) {
	return &AppendChange{base: d.base, Item: DeepCopy(d.raw["item"])}, nil
}

func decodeRemove(d dec) (Change, error) {
	return &RemoveChange{base: d.base, Item: DeepCopy(d.raw["item"])}, nil
}
