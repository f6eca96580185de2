package change

// Event topics carry no value; their changes are pure notification
// payloads. The inverse of an emit is a reversed emit with the same
// payload, so undoing a transition tells listeners which emits it
// un-happened.

// EmitChange fires an event topic with named arguments. ForwardInfo is
// opaque routing metadata carried along untouched.
type EmitChange struct {
	base
	Args        map[string]any
	ForwardInfo map[string]any
}

func NewEmit(topic string, args map[string]any, gen IDGen) *EmitChange {
	if args == nil {
		args = map[string]any{}
	}
	return &EmitChange{
		base:        newBase(topic, Event, gen),
		Args:        DeepCopy(args).(map[string]any),
		ForwardInfo: map[string]any{},
	}
}

func (c *EmitChange) Type() string { return "emit" }

func (c *EmitChange) Apply(old any) (any, error) { return nil, nil }

func (c *EmitChange) Inverse() Change {
	inv := NewReversedEmit(c.topic, DeepCopy(c.Args).(map[string]any), c.gen)
	inv.ForwardInfo = DeepCopy(c.ForwardInfo).(map[string]any)
	return inv
}

func (c *EmitChange) Serialize() map[string]any {
	w := c.wire("emit")
	w["args"] = c.Args
	w["forward_info"] = c.ForwardInfo
	return w
}

// ReversedEmitChange is the undo image of an emit.
type ReversedEmitChange struct {
	base
	Args        map[string]any
	ForwardInfo map[string]any
}

func NewReversedEmit(topic string, args map[string]any, gen IDGen) *ReversedEmitChange {
	if args == nil {
		args = map[string]any{}
	}
	return &ReversedEmitChange{
		base:        newBase(topic, Event, gen),
		Args:        DeepCopy(args).(map[string]any),
		ForwardInfo: map[string]any{},
	}
}

func (c *ReversedEmitChange) Type() string { return "reversed_emit" }

func (c *ReversedEmitChange) Apply(old any) (any, error) { return nil, nil }

func (c *ReversedEmitChange) Inverse() Change {
	return NewEmit(c.topic, DeepCopy(c.Args).(map[string]any), c.gen)
}

func (c *ReversedEmitChange) Serialize() map[string]any {
	w := c.wire("reversed_emit")
	w["args"] = c.Args
	w["forward_info"] = c.ForwardInfo
	return w
}

func decodeEmit(d dec) (Change, error) {
	args, err := fieldArgs(d.raw, "args")
	if err != nil {
		return nil, err
	}
	fwd, err := fieldArgs(d.raw, "forward_info")
	if err != nil {
		return nil, err
	}
	return &EmitChange{base: d.base, Args: args, ForwardInfo: fwd}, nil
}

func decodeReversedEmit(d dec) (Change, error) {
	args, err := fieldArgs(d.raw, "args")
	if err != nil {
		return nil, err
	}
	fwd, err := fieldArgs(d.raw, "forward_info")
	if err != nil {
		return nil, err
	}
	return &ReversedEmitChange{base: d.base, Args: args, ForwardInfo: fwd}, nil
}
