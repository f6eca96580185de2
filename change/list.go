package change

import "slices"

// Operations on list topics: ordered, duplicates allowed, positional.

// ListInsertChange splices an item into a list topic at a position.
// Position 0 is before the first element; len(list) appends.
type ListInsertChange struct {
	base
	Position int
	Item     any
}

func NewListInsert(topic string, pos int, item any, gen IDGen) *ListInsertChange {
	return &ListInsertChange{base: newBase(topic, List, gen), Position: pos, Item: DeepCopy(item)}
}

func (c *ListInsertChange) Type() string { return "insert" }

func (c *ListInsertChange) Apply(old any) (any, error) {
	items, ok := old.([]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a list", old)
	}
	if c.Position < 0 || c.Position > len(items) {
		return nil, invalidf(c, "insert position %d out of range [0, %d]", c.Position, len(items))
	}
	return slices.Insert(items, c.Position, DeepCopy(c.Item)), nil
}

func (c *ListInsertChange) Inverse() Change {
	inv := NewListPop(c.topic, c.Position, c.gen)
	inv.Item = DeepCopy(c.Item)
	return inv
}

func (c *ListInsertChange) Serialize() map[string]any {
	w := c.wire("insert")
	w["position"] = c.Position
	w["item"] = c.Item
	return w
}

// ListPopChange removes the item at a position, capturing it for the inverse.
type ListPopChange struct {
	base
	Position int
	Item     any // captured on Apply
}

func NewListPop(topic string, pos int, gen IDGen) *ListPopChange {
	return &ListPopChange{base: newBase(topic, List, gen), Position: pos}
}

func (c *ListPopChange) Type() string { return "pop" }

func (c *ListPopChange) Apply(old any) (any, error) {
	items, ok := old.([]any)
	if !ok {
		return nil, invalidf(c, "value %v is not a list", old)
	}
	if c.Position < 0 || c.Position >= len(items) {
		return nil, invalidf(c, "pop position %d out of range [0, %d)", c.Position, len(items))
	}
	c.Item = DeepCopy(items[c.Position])
	return slices.Delete(items, c.Position, c.Position+1), nil
}

func (c *ListPopChange) Inverse() Change {
	return NewListInsert(c.topic, c.Position, DeepCopy(c.Item), c.gen)
}

func (c *ListPopChange) Serialize() map[string]any {
	w := c.wire("pop")
	w["position"] = c.Position
	if c.Item != nil {
		w["item"] = c.Item
	}
	return w
}

func decodeListInsert(d dec) (Change, error) {
	pos, err := fieldInt(d.raw, "position")
	if err != nil {
		return nil, err
	}
	return &ListInsertChange{base: d.base, Position: pos, Item: DeepCopy(d.raw["item"])}, nil
}

func decodeListPop(d dec) (Change, error) {
	pos, err := fieldInt(d.raw, "position")
	if err != nil {
		return nil, err
	}
	return &ListPopChange{base: d.base, Position: pos, Item: DeepCopy(d.raw["item"])}, nil
}
