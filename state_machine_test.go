package topicsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Grapycal/topicsync/change"
)

func seqGen() change.IDGen {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
}

type recorder struct {
	transitions []*Transition
	broadcasts  [][]change.Change
	actionIDs   []string
}

func newSM(t *testing.T) (*StateMachine, *recorder) {
	t.Helper()
	rec := &recorder{}
	sm := NewStateMachine(Options{
		NewID: seqGen(),
		OnTransition: func(tr *Transition) {
			rec.transitions = append(rec.transitions, tr)
		},
		OnChanges: func(changes []change.Change, actionID string) {
			rec.broadcasts = append(rec.broadcasts, changes)
			rec.actionIDs = append(rec.actionIDs, actionID)
		},
	})
	return sm, rec
}

func mustTopic(t *testing.T, sm *StateMachine, name string, kind change.Kind) *Topic {
	t.Helper()
	topic, err := sm.AddTopic(name, kind, nil)
	assert.NoError(t, err)
	return topic
}

func TestImplicitTransition(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)

	assert.NoError(t, a.Set("hello"))
	assert.Equal(t, "hello", a.Get())

	assert.Len(t, rec.transitions, 1)
	assert.Len(t, rec.transitions[0].Changes, 1)
	assert.Len(t, rec.broadcasts, 1)
	assert.Len(t, rec.broadcasts[0], 1)
}

func TestRecordGroupsChanges(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	b := mustTopic(t, sm, "b", change.Int)

	tr, err := sm.Record(0, "action-7", func() error {
		if err := a.Set("x"); err != nil {
			return err
		}
		return b.Set(int64(3))
	})
	assert.NoError(t, err)
	assert.Equal(t, "action-7", tr.ID)
	assert.Len(t, tr.Changes, 2)
	assert.Len(t, rec.transitions, 1)
	assert.Equal(t, []string{"action-7"}, rec.actionIDs)
}

func TestNestedRecordFails(t *testing.T) {
	sm, _ := newSM(t)
	_, err := sm.Record(0, "", func() error {
		_, err := sm.Record(0, "", func() error { return nil })
		return err
	})
	assert.ErrorIs(t, err, ErrRecording)
}

func TestListenerChain(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	b := mustTopic(t, sm, "b", change.String)

	a.OnSet(func(v any) error {
		return b.Set(v.(string) + "!")
	})

	assert.NoError(t, a.Set("hi"))
	assert.Equal(t, "hi", a.Get())
	assert.Equal(t, "hi!", b.Get())
	// both changes travel in the same transition
	assert.Len(t, rec.transitions, 1)
	assert.Len(t, rec.transitions[0].Changes, 2)
}

func TestFailedTransitionRollsBackEverything(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	b := mustTopic(t, sm, "b", change.String)
	b.AddValidator(func(_, new any, _ change.Change) bool {
		return new != "bad"
	})
	a.OnSet(func(v any) error {
		return b.Set("bad")
	})

	err := a.Set("x")
	assert.Error(t, err)
	assert.True(t, change.IsInvalid(err))
	assert.Equal(t, "", a.Get())
	assert.Equal(t, "", b.Get())

	// the scope still reports, with nothing surviving
	assert.Len(t, rec.transitions, 0)
	assert.Len(t, rec.broadcasts, 1)
	assert.Len(t, rec.broadcasts[0], 0)
}

func TestFailedAndCaughtKeepsOuterChange(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	b := mustTopic(t, sm, "b", change.String)
	b.AddValidator(func(_, new any, _ change.Change) bool {
		return new != "bad"
	})
	a.OnSet(func(v any) error {
		// b's rejection is handled here, the outer change stands
		_ = b.Set("bad")
		return nil
	})

	assert.NoError(t, a.Set("x"))
	assert.Equal(t, "x", a.Get())
	assert.Equal(t, "", b.Get())
	assert.Len(t, rec.transitions, 1)
	assert.Len(t, rec.transitions[0].Changes, 1)
}

func TestFailedSubtreeRollsBackItsOwnChanges(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	b := mustTopic(t, sm, "b", change.String)
	c := mustTopic(t, sm, "c", change.String)
	d := mustTopic(t, sm, "d", change.String)

	// b drags d along and then fails: d must revert too
	b.OnSet(func(v any) error {
		if err := d.Set("dragged"); err != nil {
			return err
		}
		return errors.New("b says no")
	})
	a.OnSet(func(v any) error {
		_ = b.Set("bad")
		return c.Set("ok")
	})

	assert.NoError(t, a.Set("x"))
	assert.Equal(t, "x", a.Get())
	assert.Equal(t, "", b.Get())
	assert.Equal(t, "ok", c.Get())
	assert.Equal(t, "", d.Get())
	assert.Len(t, rec.transitions, 1)
	assert.Len(t, rec.transitions[0].Changes, 2) // a and c
}

func TestPreventRecursion(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	calls := 0
	a.OnSet(func(v any) error {
		calls++
		return a.Set("looped")
	})

	assert.NoError(t, a.Set("first"))
	assert.Equal(t, "first", a.Get())
	assert.Equal(t, 1, calls)
	assert.Len(t, rec.transitions[0].Changes, 1)
}

func TestMutualRecursionCut(t *testing.T) {
	sm, _ := newSM(t)
	a := mustTopic(t, sm, "a", change.Int)
	b := mustTopic(t, sm, "b", change.Int)
	a.OnSet(func(v any) error { return b.Set(v) })
	b.OnSet(func(v any) error { return a.Add(int64(1)) })

	assert.NoError(t, a.Set(int64(5)))
	assert.Equal(t, int64(5), a.Get())
	assert.Equal(t, int64(5), b.Get())
}

func TestApplyChangeUnknownTopic(t *testing.T) {
	sm, _ := newSM(t)
	err := sm.ApplyChange(change.NewSet("ghost", change.String, "v", nil, nil))
	assert.ErrorIs(t, err, ErrTopicUnknown)
}

func TestListenerErrorPropagates(t *testing.T) {
	sm, _ := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	boom := errors.New("boom")
	a.OnSet(func(v any) error { return boom })

	err := a.Set("x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "", a.Get())
}

func TestUndoRedoStringEdits(t *testing.T) {
	sm, rec := newSM(t)
	a := mustTopic(t, sm, "a", change.String)

	assert.NoError(t, a.Set("a"))
	tr, err := sm.Record(0, "", func() error {
		return a.Insert(1, "bcde")
	})
	assert.NoError(t, err)
	assert.Equal(t, "abcde", a.Get())

	assert.NoError(t, sm.Undo(tr))
	assert.Equal(t, "a", a.Get())
	assert.NoError(t, sm.Redo(tr))
	assert.Equal(t, "abcde", a.Get())

	// undo and redo report under the transition's id
	n := len(rec.actionIDs)
	assert.Equal(t, tr.ID, rec.actionIDs[n-1])
	assert.Equal(t, tr.ID, rec.actionIDs[n-2])
}

func TestUndoRedoDelete(t *testing.T) {
	sm, _ := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	assert.NoError(t, a.Set("abcde"))

	tr, err := sm.Record(0, "", func() error {
		return a.Delete(1, "bcd")
	})
	assert.NoError(t, err)
	assert.Equal(t, "ae", a.Get())

	assert.NoError(t, sm.Undo(tr))
	assert.Equal(t, "abcde", a.Get())
	assert.NoError(t, sm.Redo(tr))
	assert.Equal(t, "ae", a.Get())
}

func TestUndoDoesNotRetriggerListeners(t *testing.T) {
	sm, _ := newSM(t)
	e := mustTopic(t, sm, "e", change.Event)
	a := mustTopic(t, sm, "a", change.String)
	e.OnEmit(func(args map[string]any) error {
		return a.Set("hello")
	})

	tr, err := sm.Record(0, "", func() error {
		return e.Emit(nil)
	})
	assert.NoError(t, err)
	assert.Equal(t, "hello", a.Get())
	assert.Len(t, tr.Changes, 2)

	reversed := 0
	e.OnReverse(func(args map[string]any) error {
		reversed++
		return nil
	})

	assert.NoError(t, sm.Undo(tr))
	assert.Equal(t, "", a.Get())
	assert.Equal(t, 1, reversed)
}

func TestUndoWhileRecordingFails(t *testing.T) {
	sm, _ := newSM(t)
	a := mustTopic(t, sm, "a", change.String)
	tr, _ := sm.Record(0, "", func() error { return a.Set("x") })

	_, err := sm.Record(0, "", func() error {
		return sm.Undo(tr)
	})
	assert.ErrorIs(t, err, ErrRecording)
}

func TestAddTopicValidation(t *testing.T) {
	sm, _ := newSM(t)
	_, err := sm.AddTopic("a", change.Kind("blob"), nil)
	assert.ErrorIs(t, err, change.ErrUnknownTopicKind)

	_, err = sm.AddTopic("a", change.Int, "not a number")
	assert.Error(t, err)

	_, err = sm.AddTopic("a", change.Int, nil)
	assert.NoError(t, err)
	_, err = sm.AddTopic("a", change.Int, nil)
	assert.ErrorIs(t, err, ErrTopicExists)

	assert.NoError(t, sm.RemoveTopic("a"))
	assert.ErrorIs(t, sm.RemoveTopic("a"), ErrTopicUnknown)
}

func TestTransitionSourceAndDefaults(t *testing.T) {
	sm, _ := newSM(t)
	a := mustTopic(t, sm, "a", change.String)

	tr, err := sm.Record(42, "", func() error { return a.Set("v") })
	assert.NoError(t, err)
	assert.Equal(t, uint64(42), tr.Source)
	assert.NotEmpty(t, tr.ID)
}
