package board

import (
	"context"
	"sync"

	"prism-dashboard/domain"
)

// Phase is the state of an optimistic mutation.
//
//	Applied -> Committing -> Committed
//	                      -> Reconciling -> Reconciled | ReconcileFailed
//	                      -> Discarded
//
// Discarded means the board was closed or switched project before the
// outcome could be applied.
type Phase int

const (
	PhaseApplied Phase = iota
	PhaseCommitting
	PhaseCommitted
	PhaseReconciling
	PhaseReconciled
	PhaseReconcileFailed
	PhaseDiscarded
)

var phaseNames = [...]string{"applied", "committing", "committed", "reconciling", "reconciled", "reconcile_failed", "discarded"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

func (p Phase) Terminal() bool {
	switch p {
	case PhaseCommitted, PhaseReconciled, PhaseReconcileFailed, PhaseDiscarded:
		return true
	}
	return false
}

var transitions = map[Phase][]Phase{
	PhaseApplied:     {PhaseCommitting},
	PhaseCommitting:  {PhaseCommitted, PhaseReconciling, PhaseDiscarded},
	PhaseReconciling: {PhaseReconciled, PhaseReconcileFailed, PhaseDiscarded},
}

// Mutation tracks one optimistic change from local apply to its outcome.
type Mutation struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	TaskID string            `json:"task_id"`
	From   domain.TaskStatus `json:"from"`
	To     domain.TaskStatus `json:"to"`
	Index  int               `json:"index"`

	mu      sync.Mutex
	phase   Phase
	history []Phase
	err     error
	done    chan struct{}

	// where the task sat before the optimistic apply
	fromIndex int
	prev      domain.TaskWithAssignee
}

func newMutation(id, kind string) *Mutation {
	return &Mutation{ID: id, Kind: kind, phase: PhaseApplied, history: []Phase{PhaseApplied}, done: make(chan struct{})}
}

func (m *Mutation) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// History lists every phase the mutation went through.
func (m *Mutation) History() []Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Phase(nil), m.history...)
}

// Err is the remote failure, if any.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the mutation reaches a terminal phase.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Wait blocks until the mutation settles or ctx ends.
func (m *Mutation) Wait(ctx context.Context) (Phase, error) {
	select {
	case <-m.done:
		return m.Phase(), m.Err()
	case <-ctx.Done():
		return m.Phase(), ctx.Err()
	}
}

// advance moves to next and reports whether the transition was allowed.
func (m *Mutation) advance(next Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := false
	for _, p := range transitions[m.phase] {
		if p == next {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	m.phase = next
	m.history = append(m.history, next)
	if next.Terminal() {
		close(m.done)
	}
	return true
}

func (m *Mutation) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
