package topicsync

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/Grapycal/topicsync/change"
	"github.com/Grapycal/topicsync/utils"
)

var (
	ErrTopicExists  = errors.New("topicsync: topic already exists")
	ErrTopicUnknown = errors.New("topicsync: unknown topic")
	ErrRecording    = errors.New("topicsync: a transition is already being recorded")
)

// Transition is one committed atomic group of changes: the root changes
// requested plus everything listeners caused, in application order.
type Transition struct {
	ID      string
	Source  uint64
	Changes []change.Change
}

// TransitionCallback observes committed transitions, e.g. to push them
// into a history.
type TransitionCallback func(t *Transition)

// ChangesCallback fires at the end of every recording scope with the
// changes that survived it. After a rollback the slice is empty; the
// callback still fires so subscribers always learn the scope ended.
type ChangesCallback func(changes []change.Change, actionID string)

type Options struct {
	OnTransition TransitionCallback
	OnChanges    ChangesCallback
	NewID        change.IDGen
	Logger       utils.Logger
}

// StateMachine owns the topics and serializes all mutation. It is not
// safe for concurrent use; the server funnels everything through one
// loop.
type StateMachine struct {
	topics map[string]*Topic

	recording  bool
	current    []change.Change // changes of the transition being recorded
	made       []change.Change // changes still standing, for broadcast
	applyStack []string        // topic names being applied, for cycle cuts
	recursion  bool            // false while rolling back or undoing

	onTransition TransitionCallback
	onChanges    ChangesCallback
	idgen        change.IDGen
	log          utils.Logger

	// mirrors of loop-owned state, for off-loop readers like the
	// metrics scrape
	topicCount  atomic.Int64
	transitions atomic.Uint64
	applied     atomic.Uint64
	rollbacks   atomic.Uint64
}

func NewStateMachine(opts Options) *StateMachine {
	if opts.NewID == nil {
		opts.NewID = change.UUIDGen
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if opts.OnTransition == nil {
		opts.OnTransition = func(*Transition) {}
	}
	if opts.OnChanges == nil {
		opts.OnChanges = func([]change.Change, string) {}
	}
	return &StateMachine{
		topics:       make(map[string]*Topic),
		recursion:    true,
		onTransition: opts.OnTransition,
		onChanges:    opts.OnChanges,
		idgen:        opts.NewID,
		log:          opts.Logger,
	}
}

// AddTopic creates a topic. A nil initial value means the kind's default.
func (sm *StateMachine) AddTopic(name string, kind change.Kind, initial any) (*Topic, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", change.ErrUnknownTopicKind, kind)
	}
	if _, dup := sm.topics[name]; dup {
		return nil, fmt.Errorf("%w: %q", ErrTopicExists, name)
	}
	if initial == nil {
		initial = kind.Default()
	}
	if !kind.CheckValue(initial) {
		return nil, fmt.Errorf("topicsync: initial value %v is not a valid %s", initial, kind)
	}
	t := newTopic(name, kind, change.DeepCopy(initial), sm)
	sm.topics[name] = t
	sm.topicCount.Add(1)
	sm.log.Debug("topic added", "name", name, "kind", kind)
	return t, nil
}

func (sm *StateMachine) RemoveTopic(name string) error {
	if _, ok := sm.topics[name]; !ok {
		return fmt.Errorf("%w: %q", ErrTopicUnknown, name)
	}
	delete(sm.topics, name)
	sm.topicCount.Add(-1)
	sm.log.Debug("topic removed", "name", name)
	return nil
}

func (sm *StateMachine) Topic(name string) (*Topic, bool) {
	t, ok := sm.topics[name]
	return t, ok
}

func (sm *StateMachine) HasTopic(name string) bool {
	_, ok := sm.topics[name]
	return ok
}

func (sm *StateMachine) TopicNames() []string {
	names := make([]string, 0, len(sm.topics))
	for name := range sm.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Record runs fn as one atomic transition. Changes applied inside fn,
// directly or through listeners, commit together; if fn returns an
// error every change already applied is inverted and no transition is
// produced. actionID correlates the transition with the client action
// that requested it; empty means locally originated and a fresh id is
// minted. Nested recording is an error.
func (sm *StateMachine) Record(source uint64, actionID string, fn func() error) (tr *Transition, err error) {
	if sm.recording {
		return nil, ErrRecording
	}
	if actionID == "" {
		actionID = sm.idgen()
	}
	sm.recording = true
	sm.current = nil
	sm.made = nil

	defer func() {
		made := sm.made
		sm.recording = false
		sm.current = nil
		sm.made = nil
		// fires even after rollback, with whatever survived
		sm.onChanges(made, actionID)
	}()

	if err = fn(); err != nil {
		sm.log.Warn("transition failed, rolling back", "action_id", actionID, "err", err)
		sm.rollbackTransition()
		return nil, err
	}

	tr = &Transition{ID: actionID, Source: source, Changes: sm.current}
	sm.transitions.Add(1)
	sm.onTransition(tr)
	return tr, nil
}

// ApplyChange applies one change to its topic inside the current
// recording scope, opening an implicit single-change transition when
// none is open. A change targeting a topic already being applied higher
// on the stack is a listener cycle and is silently dropped; recursion
// is also dropped entirely while a rollback or undo is replaying
// inverses.
func (sm *StateMachine) ApplyChange(ch change.Change) error {
	if !sm.recursion {
		return nil
	}
	if !sm.recording {
		_, err := sm.Record(0, "", func() error {
			return sm.ApplyChange(ch)
		})
		return err
	}
	if slices.Contains(sm.applyStack, ch.TopicName()) {
		return nil
	}
	t, ok := sm.topics[ch.TopicName()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTopicUnknown, ch.TopicName())
	}

	sm.applyStack = append(sm.applyStack, ch.TopicName())
	defer func() {
		sm.applyStack = sm.applyStack[:len(sm.applyStack)-1]
	}()

	sm.current = append(sm.current, ch)
	sm.made = append(sm.made, ch)
	if err := t.applyChange(ch, true); err != nil {
		sm.undoSubtree(ch)
		return err
	}
	sm.applied.Add(1)
	return nil
}

// undoSubtree unwinds the tail of the current transition caused by a
// failed change: everything applied after it is inverted, the failed
// change itself is only unrecorded because its topic already restored
// its own value.
func (sm *StateMachine) undoSubtree(root change.Change) {
	sm.recursion = false
	defer func() { sm.recursion = true }()
	for len(sm.current) > 0 {
		last := sm.current[len(sm.current)-1]
		sm.current = sm.current[:len(sm.current)-1]
		sm.unrecordMade(last)
		if last == root {
			return
		}
		if t, ok := sm.topics[last.TopicName()]; ok {
			if err := t.applyChange(last.Inverse(), true); err != nil {
				sm.log.Error("subtree rollback failed, state may be inconsistent",
					"topic", last.TopicName(), "err", err)
			}
		}
	}
}

// rollbackTransition inverts every change of the failed transition in
// reverse order. Listener recursion is off so the replay cannot grow
// the transition it is erasing.
func (sm *StateMachine) rollbackTransition() {
	sm.rollbacks.Add(1)
	sm.recursion = false
	defer func() { sm.recursion = true }()
	for i := len(sm.current) - 1; i >= 0; i-- {
		ch := sm.current[i]
		sm.unrecordMade(ch)
		t, ok := sm.topics[ch.TopicName()]
		if !ok {
			continue
		}
		if err := t.applyChange(ch.Inverse(), true); err != nil {
			sm.log.Error("rollback failed, state may be inconsistent",
				"topic", ch.TopicName(), "err", err)
		}
	}
	sm.current = nil
}

func (sm *StateMachine) unrecordMade(ch change.Change) {
	for i := len(sm.made) - 1; i >= 0; i-- {
		if sm.made[i] == ch {
			sm.made = append(sm.made[:i], sm.made[i+1:]...)
			return
		}
	}
}

// Undo inverts a committed transition, newest change first. The applied
// inverses are reported through the changes callback under the
// transition's id. Listener recursion is off throughout: undo restores
// recorded state, it does not derive new state.
func (sm *StateMachine) Undo(t *Transition) error {
	return sm.replay(t, true)
}

// Redo re-applies an undone transition in original order.
func (sm *StateMachine) Redo(t *Transition) error {
	return sm.replay(t, false)
}

func (sm *StateMachine) replay(t *Transition, inverted bool) error {
	if sm.recording {
		return ErrRecording
	}
	sm.recursion = false
	defer func() { sm.recursion = true }()

	applied := make([]change.Change, 0, len(t.Changes))
	var err error
	for i := range t.Changes {
		ch := t.Changes[i]
		if inverted {
			ch = t.Changes[len(t.Changes)-1-i].Inverse()
		}
		topic, ok := sm.topics[ch.TopicName()]
		if !ok {
			err = fmt.Errorf("%w: %q", ErrTopicUnknown, ch.TopicName())
			break
		}
		if err = topic.applyChange(ch, true); err != nil {
			break
		}
		applied = append(applied, ch)
	}
	sm.onChanges(applied, t.ID)
	if err != nil {
		sm.log.Error("history replay failed, state may be inconsistent",
			"transition", t.ID, "err", err)
		return err
	}
	return nil
}
