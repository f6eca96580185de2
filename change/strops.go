package change

// Text splice operations on string topics. Positions are cursor
// positions between characters: 0 is before the first character,
// len(s) after the last.

// StringInsertChange splices text into a string topic at a position.
type StringInsertChange struct {
	base
	Position int
	Text     string
}

func NewStringInsert(topic string, pos int, text string, gen IDGen) *StringInsertChange {
	return &StringInsertChange{base: newBase(topic, String, gen), Position: pos, Text: text}
}

func (c *StringInsertChange) Type() string { return "insert" }

func (c *StringInsertChange) Apply(old any) (any, error) {
	s, ok := old.(string)
	if !ok {
		return nil, invalidf(c, "value %v is not a string", old)
	}
	if c.Position < 0 || c.Position > len(s) {
		return nil, invalidf(c, "insert position %d out of range [0, %d]", c.Position, len(s))
	}
	return s[:c.Position] + c.Text + s[c.Position:], nil
}

func (c *StringInsertChange) Inverse() Change {
	return NewStringDelete(c.topic, c.Position, c.Text, c.gen)
}

func (c *StringInsertChange) Serialize() map[string]any {
	w := c.wire("insert")
	w["position"] = c.Position
	w["text"] = c.Text
	return w
}

// StringDeleteChange removes text from a string topic. The text must
// actually appear at the position, which makes the operation reversible
// and catches concurrent edits.
type StringDeleteChange struct {
	base
	Position int
	Text     string
}

func NewStringDelete(topic string, pos int, text string, gen IDGen) *StringDeleteChange {
	return &StringDeleteChange{base: newBase(topic, String, gen), Position: pos, Text: text}
}

func (c *StringDeleteChange) Type() string { return "delete" }

func (c *StringDeleteChange) Apply(old any) (any, error) {
	s, ok := old.(string)
	if !ok {
		return nil, invalidf(c, "value %v is not a string", old)
	}
	if c.Position < 0 || c.Position > len(s) {
		return nil, invalidf(c, "delete position %d out of range [0, %d]", c.Position, len(s))
	}
	end := c.Position + len(c.Text)
	if end > len(s) || s[c.Position:end] != c.Text {
		return nil, invalidf(c, "text %q does not appear at position %d of %q", c.Text, c.Position, s)
	}
	return s[:c.Position] + s[end:], nil
}

func (c *StringDeleteChange) Inverse() Change {
	return NewStringInsert(c.topic, c.Position, c.Text, c.gen)
}

func (c *StringDeleteChange) Serialize() map[string]any {
	w := c.wire("delete")
	w["position"] = c.Position
	w["text"] = c.Text
	return w
}

func decodeStringInsert(d dec) (Change, error) {
	pos, err := fieldInt(d.raw, "position")
	if err != nil {
		return nil, err
	}
	text, err := fieldString(d.raw, "text")
	if err != nil {
		return nil, err
	}
	return &StringInsertChange{base: d.base, Position: pos, Text: text}, nil
}

func decodeStringDelete(d dec) (Change, error) {
	pos, err := fieldInt(d.raw, "position")
	if err != nil {
		return nil, err
	}
	text, err := fieldString(d.raw, "text")
	if err != nil {
		return nil, err
	}
	return &StringDeleteChange{base: d.base, Position: pos, Text: text}, nil
}
