package topicsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Grapycal/topicsync/change"
)

func newHistorySM(t *testing.T) (*StateMachine, *History, *Topic) {
	t.Helper()
	var h *History
	sm := NewStateMachine(Options{
		NewID: seqGen(),
		OnTransition: func(tr *Transition) {
			h.Add(tr)
		},
	})
	h = NewHistory(sm, 0)
	a := mustTopic(t, sm, "a", change.String)
	return sm, h, a
}

func TestHistoryUndoRedo(t *testing.T) {
	_, h, a := newHistorySM(t)

	assert.NoError(t, a.Set("one"))
	assert.NoError(t, a.Set("two"))
	assert.Equal(t, 2, h.Len())

	assert.NoError(t, h.Undo())
	assert.Equal(t, "one", a.Get())
	assert.NoError(t, h.Undo())
	assert.Equal(t, "", a.Get())

	// past the beginning is a no-op
	assert.NoError(t, h.Undo())
	assert.Equal(t, "", a.Get())

	assert.NoError(t, h.Redo())
	assert.Equal(t, "one", a.Get())
	assert.NoError(t, h.Redo())
	assert.Equal(t, "two", a.Get())
	assert.NoError(t, h.Redo())
	assert.Equal(t, "two", a.Get())
}

func TestHistoryNewCommitDropsRedoTail(t *testing.T) {
	_, h, a := newHistorySM(t)

	assert.NoError(t, a.Set("one"))
	assert.NoError(t, a.Set("two"))
	assert.NoError(t, h.Undo())
	assert.True(t, h.CanRedo())

	assert.NoError(t, a.Set("three"))
	assert.False(t, h.CanRedo())
	assert.Equal(t, 2, h.Len())

	assert.NoError(t, h.Undo())
	assert.Equal(t, "one", a.Get())
}

func TestHistoryLimit(t *testing.T) {
	var h *History
	sm := NewStateMachine(Options{
		NewID:        seqGen(),
		OnTransition: func(tr *Transition) { h.Add(tr) },
	})
	h = NewHistory(sm, 2)
	a := mustTopic(t, sm, "a", change.String)

	assert.NoError(t, a.Set("one"))
	assert.NoError(t, a.Set("two"))
	assert.NoError(t, a.Set("three"))
	assert.Equal(t, 2, h.Len())

	assert.NoError(t, h.Undo())
	assert.NoError(t, h.Undo())
	// "one" fell off the history, undo stops at it
	assert.False(t, h.CanUndo())
	assert.Equal(t, "one", a.Get())
}

func TestHistoryUndoEmitChain(t *testing.T) {
	var h *History
	sm := NewStateMachine(Options{
		NewID:        seqGen(),
		OnTransition: func(tr *Transition) { h.Add(tr) },
	})
	h = NewHistory(sm, 0)
	e := mustTopic(t, sm, "e", change.Event)
	a := mustTopic(t, sm, "a", change.String)
	e.OnEmit(func(args map[string]any) error {
		return a.Set(args["v"].(string))
	})

	assert.NoError(t, e.Emit(map[string]any{"v": "fired"}))
	assert.Equal(t, "fired", a.Get())

	assert.NoError(t, h.Undo())
	assert.Equal(t, "", a.Get())
	assert.NoError(t, h.Redo())
	assert.Equal(t, "fired", a.Get())
}
