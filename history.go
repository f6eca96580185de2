package topicsync

import "sync/atomic"

// History is a linear undo stack over committed transitions. Committing
// a new transition while undone entries exist discards the redo tail.
type History struct {
	sm      *StateMachine
	entries []*Transition
	ptr     int // index of the last applied entry, -1 when fully undone
	limit   int
	size    atomic.Int64 // mirrors len(entries) for off-loop readers
}

// NewHistory makes a history over sm keeping at most limit transitions;
// limit <= 0 means unbounded.
func NewHistory(sm *StateMachine, limit int) *History {
	return &History{sm: sm, ptr: -1, limit: limit}
}

// Add records a committed transition as the newest history entry.
func (h *History) Add(t *Transition) {
	h.ptr++
	h.entries = append(h.entries[:h.ptr], t)
	if h.limit > 0 && len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = h.entries[drop:]
		h.ptr -= drop
	}
	h.size.Store(int64(len(h.entries)))
}

// Undo inverts the newest applied transition. It is a no-op when
// nothing is left to undo.
func (h *History) Undo() error {
	if h.ptr < 0 {
		return nil
	}
	if err := h.sm.Undo(h.entries[h.ptr]); err != nil {
		return err
	}
	h.ptr--
	return nil
}

// Redo re-applies the most recently undone transition. It is a no-op
// when nothing was undone.
func (h *History) Redo() error {
	if h.ptr+1 >= len(h.entries) {
		return nil
	}
	if err := h.sm.Redo(h.entries[h.ptr+1]); err != nil {
		return err
	}
	h.ptr++
	return nil
}

// Len is safe to read off the server loop.
func (h *History) Len() int { return int(h.size.Load()) }

func (h *History) CanUndo() bool { return h.ptr >= 0 }
func (h *History) CanRedo() bool { return h.ptr+1 < len(h.entries) }
