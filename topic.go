package topicsync

import (
	"fmt"
	"sort"

	"github.com/Grapycal/topicsync/change"
)

// Validator decides whether a proposed new value is acceptable. It sees
// the value before the change, the value after, and the change itself.
type Validator func(old, new any, ch change.Change) bool

// Token identifies a registered listener so it can be removed later.
type Token uint64

// ListenerError wraps an error returned by a topic listener. The topic
// value has already been rolled back to its pre-change state when the
// error surfaces.
type ListenerError struct {
	Topic string
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("topicsync: listener of topic %s failed: %v", e.Topic, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// Topic is one named, typed, synchronized value. All mutation goes
// through the owning state machine so every change is recorded,
// validated and reversible. Topics are not safe for concurrent use;
// the server serializes all access on a single loop.
type Topic struct {
	name       string
	kind       change.Kind
	value      any
	sm         *StateMachine
	validators []Validator

	nextToken Token
	listeners []listenerEntry
}

// listener kinds, one per notification shape
type (
	setListener         func(value any) error
	itemListener        func(item any) error
	spliceListener      func(position int, text string) error
	positionListener    func(position int, item any) error
	keyValueListener    func(key string, value any) error
	changeValueListener func(key string, value, oldValue any) error
	argsListener        func(args map[string]any) error
)

type listenerEntry struct {
	tok   Token
	event string
	fn    any
}

func newTopic(name string, kind change.Kind, value any, sm *StateMachine) *Topic {
	t := &Topic{name: name, kind: kind, value: value, sm: sm}
	t.validators = append(t.validators, func(_, new any, _ change.Change) bool {
		return kind.CheckValue(new)
	})
	return t
}

func (t *Topic) Name() string      { return t.name }
func (t *Topic) Kind() change.Kind { return t.kind }

// Get returns an independent snapshot of the value. Mutating the
// returned value never affects the topic.
func (t *Topic) Get() any { return change.DeepCopy(t.value) }

// AddValidator appends a validator to the chain. Every validator must
// accept a change for it to go through.
func (t *Topic) AddValidator(v Validator) {
	t.validators = append(t.validators, v)
}

// applyChange runs one change against the topic value: apply, validate,
// commit, notify. A listener error rolls the value back before
// returning, so the caller never sees a half-committed topic.
func (t *Topic) applyChange(ch change.Change, notify bool) error {
	old := t.value
	next, err := ch.Apply(change.DeepCopy(t.value))
	if err != nil {
		return err
	}
	for _, v := range t.validators {
		if !v(old, next, ch) {
			return &change.InvalidChangeError{
				Change: ch,
				Reason: fmt.Sprintf("validator of topic %s rejected value %v", t.name, next),
			}
		}
	}
	t.value = next
	if notify {
		if err := t.notify(ch, old, next); err != nil {
			t.value = old
			return &ListenerError{Topic: t.name, Err: err}
		}
	}
	return nil
}

// mutators

// Set replaces the whole value.
func (t *Topic) Set(value any) error {
	return t.sm.ApplyChange(change.NewSet(t.name, t.kind, value, nil, t.sm.idgen))
}

// SetIf replaces the whole value only if the current value equals
// expected; a mismatch fails the change.
func (t *Topic) SetIf(value, expected any) error {
	return t.sm.ApplyChange(change.NewSet(t.name, t.kind, value, expected, t.sm.idgen))
}

// Add shifts an int or float topic by delta.
func (t *Topic) Add(delta any) error {
	if err := t.requireKind("add", change.Int, change.Float); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewAdd(t.name, t.kind, delta, t.sm.idgen))
}

// Append adds an item to a set topic.
func (t *Topic) Append(item any) error {
	if err := t.requireKind("append", change.Set); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewAppend(t.name, item, t.sm.idgen))
}

// Remove takes an item out of a set topic.
func (t *Topic) Remove(item any) error {
	if err := t.requireKind("remove", change.Set); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewRemove(t.name, item, t.sm.idgen))
}

// Insert splices text into a string topic at a cursor position.
func (t *Topic) Insert(position int, text string) error {
	if err := t.requireKind("insert", change.String); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewStringInsert(t.name, position, text, t.sm.idgen))
}

// Delete removes text from a string topic. The text must appear at the
// position.
func (t *Topic) Delete(position int, text string) error {
	if err := t.requireKind("delete", change.String); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewStringDelete(t.name, position, text, t.sm.idgen))
}

// InsertAt splices an item into a list topic at a position.
func (t *Topic) InsertAt(position int, item any) error {
	if err := t.requireKind("insert", change.List); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewListInsert(t.name, position, item, t.sm.idgen))
}

// PopAt removes the item of a list topic at a position.
func (t *Topic) PopAt(position int) error {
	if err := t.requireKind("pop", change.List); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewListPop(t.name, position, t.sm.idgen))
}

// AddKey inserts a new key into a dict topic.
func (t *Topic) AddKey(key string, value any) error {
	if err := t.requireKind("add", change.Dict); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewDictAdd(t.name, key, value, t.sm.idgen))
}

// RemoveKey deletes a key from a dict topic.
func (t *Topic) RemoveKey(key string) error {
	if err := t.requireKind("remove", change.Dict); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewDictRemove(t.name, key, t.sm.idgen))
}

// ChangeValue replaces the value at an existing key of a dict topic.
func (t *Topic) ChangeValue(key string, value any) error {
	if err := t.requireKind("change_value", change.Dict); err != nil {
		return err
	}
	var old any
	if m, ok := t.value.(map[string]any); ok {
		old = change.DeepCopy(m[key])
	}
	return t.sm.ApplyChange(change.NewDictChangeValue(t.name, key, value, old, t.sm.idgen))
}

// Emit fires an event topic with named arguments.
func (t *Topic) Emit(args map[string]any) error {
	if err := t.requireKind("emit", change.Event); err != nil {
		return err
	}
	return t.sm.ApplyChange(change.NewEmit(t.name, args, t.sm.idgen))
}

func (t *Topic) requireKind(op string, kinds ...change.Kind) error {
	for _, k := range kinds {
		if t.kind == k {
			return nil
		}
	}
	return fmt.Errorf("topicsync: %s topic %q does not support %s", t.kind, t.name, op)
}

// listener registration. Registering a listener for an operation the
// topic's kind does not have is a programming error and panics.

func (t *Topic) register(event string, kinds []change.Kind, fn any) Token {
	if err := t.requireKind(event, kinds...); err != nil {
		panic(err)
	}
	t.nextToken++
	t.listeners = append(t.listeners, listenerEntry{tok: t.nextToken, event: event, fn: fn})
	return t.nextToken
}

var allValueKinds = []change.Kind{
	change.Generic, change.String, change.Int, change.Float,
	change.Set, change.List, change.Dict,
}

// OnSet fires with the new value after any change of a value-bearing topic.
func (t *Topic) OnSet(fn func(value any) error) Token {
	return t.register("on_set", allValueKinds, setListener(fn))
}

// OnAppend fires for each item added to a set topic.
func (t *Topic) OnAppend(fn func(item any) error) Token {
	return t.register("on_append", []change.Kind{change.Set}, itemListener(fn))
}

// OnRemove fires for each item removed from a set topic.
func (t *Topic) OnRemove(fn func(item any) error) Token {
	return t.register("on_remove", []change.Kind{change.Set}, itemListener(fn))
}

// OnInsert fires when text is spliced into a string topic.
func (t *Topic) OnInsert(fn func(position int, text string) error) Token {
	return t.register("on_insert", []change.Kind{change.String}, spliceListener(fn))
}

// OnDelete fires when text is removed from a string topic.
func (t *Topic) OnDelete(fn func(position int, text string) error) Token {
	return t.register("on_delete", []change.Kind{change.String}, spliceListener(fn))
}

// OnInsertAt fires when an item is spliced into a list topic.
func (t *Topic) OnInsertAt(fn func(position int, item any) error) Token {
	return t.register("on_insert", []change.Kind{change.List}, positionListener(fn))
}

// OnPop fires when an item is removed from a list topic.
func (t *Topic) OnPop(fn func(position int, item any) error) Token {
	return t.register("on_pop", []change.Kind{change.List}, positionListener(fn))
}

// OnAdd fires when a key is inserted into a dict topic.
func (t *Topic) OnAdd(fn func(key string, value any) error) Token {
	return t.register("on_add", []change.Kind{change.Dict}, keyValueListener(fn))
}

// OnRemoveKey fires when a key is deleted from a dict topic, with the
// removed value.
func (t *Topic) OnRemoveKey(fn func(key string, value any) error) Token {
	return t.register("on_remove", []change.Kind{change.Dict}, keyValueListener(fn))
}

// OnChangeValue fires when the value at a key of a dict topic changes.
func (t *Topic) OnChangeValue(fn func(key string, value, oldValue any) error) Token {
	return t.register("on_change_value", []change.Kind{change.Dict}, changeValueListener(fn))
}

// OnEmit fires when an event topic is emitted.
func (t *Topic) OnEmit(fn func(args map[string]any) error) Token {
	return t.register("on_emit", []change.Kind{change.Event}, argsListener(fn))
}

// OnReverse fires when an emit is undone.
func (t *Topic) OnReverse(fn func(args map[string]any) error) Token {
	return t.register("on_reverse", []change.Kind{change.Event}, argsListener(fn))
}

// Unlisten removes a previously registered listener. Unknown tokens are
// ignored.
func (t *Topic) Unlisten(tok Token) {
	for i, e := range t.listeners {
		if e.tok == tok {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notify dispatches a committed change to listeners, decomposed into
// the events the change implies. Listeners run in registration order;
// the first error aborts the remainder.
func (t *Topic) notify(ch change.Change, old, new any) error {
	switch c := ch.(type) {
	case *change.SetChange:
		if t.kind == change.Event {
			return nil
		}
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireSetDiff(old, new)
	case *change.AddChange:
		return t.fireSet(new)
	case *change.AppendChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireItems("on_append", c.Item)
	case *change.RemoveChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireItems("on_remove", c.Item)
	case *change.StringInsertChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireSplice("on_insert", c.Position, c.Text)
	case *change.StringDeleteChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireSplice("on_delete", c.Position, c.Text)
	case *change.ListInsertChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.firePositional("on_insert", c.Position, c.Item)
	case *change.ListPopChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.firePositional("on_pop", c.Position, c.Item)
	case *change.DictAddChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireKeyValue("on_add", c.Key, c.Value)
	case *change.DictRemoveChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireKeyValue("on_remove", c.Key, c.Value)
	case *change.DictChangeValueChange:
		if err := t.fireSet(new); err != nil {
			return err
		}
		return t.fireChangeValue(c.Key, c.Value, c.OldValue)
	case *change.EmitChange:
		return t.fireArgs("on_emit", c.Args)
	case *change.ReversedEmitChange:
		return t.fireArgs("on_reverse", c.Args)
	}
	return nil
}

// fireSetDiff decomposes a whole-value replacement into the same
// fine-grained events an incremental edit would have produced, so
// listeners never need to diff values themselves.
func (t *Topic) fireSetDiff(old, new any) error {
	switch t.kind {
	case change.Set:
		oldItems, _ := old.([]any)
		newItems, _ := new.([]any)
		removed, added := diffItems(oldItems, newItems)
		for _, item := range removed {
			if err := t.fireItems("on_remove", item); err != nil {
				return err
			}
		}
		for _, item := range added {
			if err := t.fireItems("on_append", item); err != nil {
				return err
			}
		}
	case change.Dict:
		oldMap, _ := old.(map[string]any)
		newMap, _ := new.(map[string]any)
		for _, k := range sortedKeys(oldMap) {
			if _, kept := newMap[k]; !kept {
				if err := t.fireKeyValue("on_remove", k, oldMap[k]); err != nil {
					return err
				}
			}
		}
		for _, k := range sortedKeys(newMap) {
			prior, existed := oldMap[k]
			if !existed {
				if err := t.fireKeyValue("on_add", k, newMap[k]); err != nil {
					return err
				}
			} else if !change.DeepEqual(prior, newMap[k]) {
				if err := t.fireChangeValue(k, newMap[k], prior); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *Topic) fireSet(value any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != "on_set" {
			continue
		}
		if err := e.fn.(setListener)(change.DeepCopy(value)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) fireItems(event string, item any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != event {
			continue
		}
		if err := e.fn.(itemListener)(change.DeepCopy(item)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) fireSplice(event string, pos int, text string) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != event {
			continue
		}
		if err := e.fn.(spliceListener)(pos, text); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) firePositional(event string, pos int, item any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != event {
			continue
		}
		if err := e.fn.(positionListener)(pos, change.DeepCopy(item)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) fireKeyValue(event, key string, value any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != event {
			continue
		}
		if err := e.fn.(keyValueListener)(key, change.DeepCopy(value)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) fireChangeValue(key string, value, oldValue any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != "on_change_value" {
			continue
		}
		if err := e.fn.(changeValueListener)(key, change.DeepCopy(value), change.DeepCopy(oldValue)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topic) fireArgs(event string, args map[string]any) error {
	for _, e := range snapshot(t.listeners) {
		if e.event != event {
			continue
		}
		if err := e.fn.(argsListener)(change.DeepCopy(args).(map[string]any)); err != nil {
			return err
		}
	}
	return nil
}

// snapshot guards iteration against listeners mutating the registry.
func snapshot(entries []listenerEntry) []listenerEntry {
	out := make([]listenerEntry, len(entries))
	copy(out, entries)
	return out
}

// diffItems splits old and new set values into removed and added items
// by canonical identity.
func diffItems(old, new []any) (removed, added []any) {
	oldKeys := make(map[uint64]bool, len(old))
	for _, item := range old {
		oldKeys[change.CanonKey(item)] = true
	}
	newKeys := make(map[uint64]bool, len(new))
	for _, item := range new {
		newKeys[change.CanonKey(item)] = true
	}
	for _, item := range old {
		if !newKeys[change.CanonKey(item)] {
			removed = append(removed, item)
		}
	}
	for _, item := range new {
		if !oldKeys[change.CanonKey(item)] {
			added = append(added, item)
		}
	}
	return removed, added
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
