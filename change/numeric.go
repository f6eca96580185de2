package change

import "fmt"

// AddChange shifts an int or float topic by a delta. It has no failure
// mode and its inverse is the negated delta.
type AddChange struct {
	base
	Value any // the delta, int64 or float64 per the topic kind
}

func NewAdd(topic string, kind Kind, delta any, gen IDGen) *AddChange {
	return &AddChange{base: newBase(topic, kind, gen), Value: delta}
}

func (c *AddChange) Type() string { return "add" }

func (c *AddChange) Apply(old any) (any, error) {
	if c.kind == Int {
		a, ok := Integral(old)
		d, ok2 := Integral(c.Value)
		if !ok || !ok2 {
			return nil, invalidf(c, "non-integer operand: %v + %v", old, c.Value)
		}
		return a + d, nil
	}
	a, ok := Number[float64](old)
	d, ok2 := Number[float64](c.Value)
	if !ok || !ok2 {
		return nil, invalidf(c, "non-numeric operand: %v + %v", old, c.Value)
	}
	return a + d, nil
}

func (c *AddChange) Inverse() Change {
	return NewAdd(c.topic, c.kind, negate(c.Value), c.gen)
}

func (c *AddChange) Serialize() map[string]any {
	w := c.wire("add")
	w["value"] = c.Value
	return w
}

func negate(v any) any {
	if i, ok := Integral(v); ok {
		return -i
	}
	f, _ := Number[float64](v)
	return -f
}

func decodeAdd(d dec) (Change, error) {
	v, ok := d.raw["value"]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrBadWireForm, "value")
	}
	if _, isNum := Number[float64](v); !isNum {
		return nil, fmt.Errorf("%w: %q is not a number", ErrBadWireForm, "value")
	}
	return &AddChange{base: d.base, Value: v}, nil
}
