// Package ledger tracks the lifecycle state of every crawled entity.
//
// A Ledger holds six disjoint named sets per entity kind. Every query and
// transition runs inside a single critical section, so an is-new check and the
// insertion that follows it can never interleave with another worker's.
package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// Kind identifies the entity family a Ledger tracks.
type Kind string

// Supported entity kinds.
const (
	Players Kind = "players"
	Games   Kind = "games"
)

// State is one of the six mutually exclusive lifecycle states.
type State string

// Lifecycle states. InQuery and Discarded are only valid for players.
const (
	None         State = ""
	ToProcess    State = "to_process"
	InQueue      State = "in_queue"
	UnderProcess State = "under_process"
	Processed    State = "processed"
	InQuery      State = "in_query"
	Discarded    State = "discarded"
)

// States lists every state in reporting order.
var States = []State{ToProcess, InQueue, UnderProcess, Processed, InQuery, Discarded}

var (
	// ErrDuplicate is returned when an explicit move targets the state an ID
	// already occupies.
	ErrDuplicate = errors.New("ledger: duplicate id")
	// ErrInvalidTransition is returned when an ID is not in the state a move requires.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrUnsupportedState is returned when a kind cannot hold the requested state.
	ErrUnsupportedState = errors.New("ledger: state not supported for kind")
)

// Counts is a point-in-time size of each state.
type Counts map[State]int

// InMotion reports how many entities are neither terminal nor untouched.
func (c Counts) InMotion() int {
	return c[ToProcess] + c[InQueue] + c[UnderProcess] + c[InQuery]
}

// Total sums every state.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Ledger is safe for concurrent use.
type Ledger struct {
	kind Kind

	mu        sync.Mutex
	states    map[string]State
	counts    Counts
	toProcess []string
	inQueue   []string
	attempts  map[string]int
}

// New creates an empty Ledger for kind.
func New(kind Kind) *Ledger {
	return &Ledger{
		kind:     kind,
		states:   make(map[string]State),
		counts:   make(Counts, len(States)),
		attempts: make(map[string]int),
	}
}

// Kind returns the entity kind tracked by the ledger.
func (l *Ledger) Kind() Kind {
	return l.kind
}

// IsNew reports whether id is absent from every state.
func (l *Ledger) IsNew(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, seen := l.states[id]
	return !seen
}

// State returns the current state of id, or None.
func (l *Ledger) State(id string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[id]
}

// Admit inserts id into state if it has never been seen. It returns false
// without error when id already occupies any state, including state itself:
// an entity seen once is never reconsidered.
func (l *Ledger) Admit(id string, state State) (bool, error) {
	switch state {
	case ToProcess, InQuery, Processed:
	default:
		return false, fmt.Errorf("admit %s into %s: %w", id, state, ErrInvalidTransition)
	}
	if err := l.supports(state); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.states[id]; seen {
		return false, nil
	}
	l.enter(id, state)
	return true, nil
}

// MarkInQuery moves a never-seen id into InQuery. Unlike Admit it fails when
// id is already tracked.
func (l *Ledger) MarkInQuery(id string) error {
	if err := l.supports(InQuery); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch current, seen := l.states[id]; {
	case current == InQuery:
		return fmt.Errorf("mark %s in query: %w", id, ErrDuplicate)
	case seen:
		return fmt.Errorf("mark %s in query from %q: %w", id, current, ErrInvalidTransition)
	}
	l.enter(id, InQuery)
	return nil
}

// ReserveBatch moves up to max IDs from ToProcess to InQueue in the order they
// entered ToProcess.
func (l *Ledger) ReserveBatch(max int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := min(max, len(l.toProcess))
	if n <= 0 {
		return nil
	}
	batch := make([]string, n)
	copy(batch, l.toProcess[:n])
	l.toProcess = l.toProcess[n:]
	for _, id := range batch {
		l.leave(id)
		l.enter(id, InQueue)
	}
	return batch
}

// ClaimNext moves the oldest InQueue member to UnderProcess.
func (l *Ledger) ClaimNext() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inQueue) == 0 {
		return "", false
	}
	id := l.inQueue[0]
	l.inQueue = l.inQueue[1:]
	l.leave(id)
	l.enter(id, UnderProcess)
	return id, true
}

// MarkProcessed moves id from UnderProcess to Processed.
func (l *Ledger) MarkProcessed(id string) error {
	return l.move(id, Processed, UnderProcess)
}

// MarkDiscarded moves id from InQuery or UnderProcess to Discarded.
func (l *Ledger) MarkDiscarded(id string) error {
	if err := l.supports(Discarded); err != nil {
		return err
	}
	return l.move(id, Discarded, InQuery, UnderProcess)
}

// Promote moves id from InQuery to ToProcess.
func (l *Ledger) Promote(id string) error {
	return l.move(id, ToProcess, InQuery)
}

// Release forgets an id held in UnderProcess or InQuery without marking it
// terminal. The id becomes new again.
func (l *Ledger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.states[id]
	if current != UnderProcess && current != InQuery {
		return fmt.Errorf("release %s from %q: %w", id, current, ErrInvalidTransition)
	}
	l.leave(id)
	delete(l.states, id)
	delete(l.attempts, id)
	return nil
}

// Requeue moves id from UnderProcess back to ToProcess and returns how many
// times it has been requeued so far.
func (l *Ledger) Requeue(id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current := l.states[id]; current != UnderProcess {
		return 0, fmt.Errorf("requeue %s from %q: %w", id, current, ErrInvalidTransition)
	}
	l.leave(id)
	l.enter(id, ToProcess)
	l.attempts[id]++
	return l.attempts[id], nil
}

// Attempts returns how many times id has been requeued.
func (l *Ledger) Attempts(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[id]
}

// Count returns the size of one state.
func (l *Ledger) Count(state State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[state]
}

// Counts returns a copy of every state size.
func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(Counts, len(States))
	for _, s := range States {
		out[s] = l.counts[s]
	}
	return out
}

func (l *Ledger) supports(state State) error {
	if l.kind == Games && (state == InQuery || state == Discarded) {
		return fmt.Errorf("%s cannot hold %s: %w", l.kind, state, ErrUnsupportedState)
	}
	return nil
}

func (l *Ledger) move(id string, to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.states[id]
	if current == to {
		return fmt.Errorf("move %s into %s: %w", id, to, ErrDuplicate)
	}
	for _, f := range from {
		if current == f {
			l.leave(id)
			l.enter(id, to)
			if to == Processed || to == Discarded {
				delete(l.attempts, id)
			}
			return nil
		}
	}
	return fmt.Errorf("move %s from %q to %s: %w", id, current, to, ErrInvalidTransition)
}

// enter and leave must be called with mu held. Queue slices are only popped
// by ReserveBatch and ClaimNext, which is the only way out of those states.
func (l *Ledger) enter(id string, state State) {
	l.states[id] = state
	l.counts[state]++
	switch state {
	case ToProcess:
		l.toProcess = append(l.toProcess, id)
	case InQueue:
		l.inQueue = append(l.inQueue, id)
	}
}

func (l *Ledger) leave(id string) {
	if state, ok := l.states[id]; ok {
		l.counts[state]--
	}
}
