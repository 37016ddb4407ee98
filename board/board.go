// Package board keeps the Kanban view of one project: tasks grouped into
// fixed status columns, reordered optimistically and reconciled with the
// gateway when a remote write fails.
package board

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-dashboard/domain"
)

const tracerName = "prism-dashboard/board"

var (
	ErrTaskNotFound  = errors.New("board: task not found")
	ErrClosed        = errors.New("board: closed")
	ErrInvalidStatus = errors.New("board: invalid status")
	// ErrStale is returned by Load when the project changed while loading.
	ErrStale = errors.New("board: project changed during load")
)

// Store is the slice of the repository the board needs.
type Store interface {
	TasksByProject(ctx context.Context, projectID string) ([]domain.TaskWithAssignee, error)
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, position *int) (domain.Task, error)
}

type EventType string

const (
	EventTaskUpdated     EventType = "task_updated"
	EventMutationFailed  EventType = "mutation_failed"
	EventReconciled      EventType = "reconciled"
	EventReconcileFailed EventType = "reconcile_failed"
)

// Event reports the outcome of a mutation.
type Event struct {
	Type       EventType
	ProjectID  string
	TaskID     string
	MutationID string
	Err        error
}

type Column struct {
	Status domain.TaskStatus         `json:"status"`
	Tasks  []domain.TaskWithAssignee `json:"tasks"`
}

// Snapshot is an immutable copy of the board.
type Snapshot struct {
	ProjectID string   `json:"project_id"`
	Columns   []Column `json:"columns"`
	Progress  Progress `json:"progress"`
}

// Column returns the tasks in status, or nil for an unknown status.
func (s Snapshot) Column(status domain.TaskStatus) []domain.TaskWithAssignee {
	for _, c := range s.Columns {
		if c.Status == status {
			return c.Tasks
		}
	}
	return nil
}

type Board struct {
	store   Store
	logger  *log.Logger
	tracer  trace.Tracer
	metrics *Metrics
	onEvent func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	projectID string
	gen       uint64
	closed    bool
	columns   map[domain.TaskStatus][]domain.TaskWithAssignee
	inflight  sync.WaitGroup
}

type Option func(*Board)

func WithLogger(l *log.Logger) Option { return func(b *Board) { b.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(b *Board) { b.tracer = t } }

func WithMetrics(m *Metrics) Option { return func(b *Board) { b.metrics = m } }

// OnEvent registers a callback for mutation outcomes. It is called without
// the board lock held, before the mutation settles.
func OnEvent(fn func(Event)) Option { return func(b *Board) { b.onEvent = fn } }

// New creates an empty board for projectID. Call Load to fill it.
func New(store Store, projectID string, opts ...Option) *Board {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Board{
		store:     store,
		projectID: projectID,
		columns:   emptyColumns(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = log.StandardLogger()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	return b
}

func emptyColumns() map[domain.TaskStatus][]domain.TaskWithAssignee {
	cols := make(map[domain.TaskStatus][]domain.TaskWithAssignee, len(domain.Statuses))
	for _, s := range domain.Statuses {
		cols[s] = []domain.TaskWithAssignee{}
	}
	return cols
}

// Group splits tasks into the fixed columns, each ordered by position then
// created_at. Tasks with an unknown status are dropped.
func Group(tasks []domain.TaskWithAssignee) map[domain.TaskStatus][]domain.TaskWithAssignee {
	cols := emptyColumns()
	for _, t := range tasks {
		if _, ok := cols[t.Status]; !ok {
			continue
		}
		cols[t.Status] = append(cols[t.Status], t)
	}
	for _, tasks := range cols {
		sort.SliceStable(tasks, func(i, j int) bool {
			if tasks[i].Position != tasks[j].Position {
				return tasks[i].Position < tasks[j].Position
			}
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	}
	return cols
}

// SnapshotOf builds a snapshot from already grouped columns.
func SnapshotOf(projectID string, cols map[domain.TaskStatus][]domain.TaskWithAssignee) Snapshot {
	s := Snapshot{ProjectID: projectID, Columns: make([]Column, len(domain.Statuses))}
	for i, st := range domain.Statuses {
		s.Columns[i] = Column{Status: st, Tasks: append([]domain.TaskWithAssignee{}, cols[st]...)}
	}
	s.Progress = progressOf(cols)
	return s
}

func (b *Board) ProjectID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.projectID
}

// Load fetches the project's tasks and replaces the board.
func (b *Board) Load(ctx context.Context) (Snapshot, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	gen, projectID := b.gen, b.projectID
	b.mu.Unlock()

	tasks, err := b.store.TasksByProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	cols := Group(tasks)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Snapshot{}, ErrClosed
	}
	if b.gen != gen {
		return Snapshot{}, ErrStale
	}
	b.columns = cols
	return SnapshotOf(projectID, b.columns), nil
}

// SetProject switches the board to another project. Responses still in
// flight for the previous project are discarded.
func (b *Board) SetProject(ctx context.Context, projectID string) (Snapshot, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	b.gen++
	b.projectID = projectID
	b.columns = emptyColumns()
	b.mu.Unlock()
	return b.Load(ctx)
}

// Snapshot returns the current local state.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return SnapshotOf(b.projectID, b.columns)
}

// Close discards the board. Mutations still in flight settle as discarded.
func (b *Board) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.gen++
	b.mu.Unlock()
	b.cancel()
}

// Wait blocks until every in-flight mutation has settled.
func (b *Board) Wait() { b.inflight.Wait() }

func (b *Board) findLocked(taskID string) (domain.TaskStatus, int, bool) {
	for _, s := range domain.Statuses {
		for i, t := range b.columns[s] {
			if t.ID == taskID {
				return s, i, true
			}
		}
	}
	return "", 0, false
}

func (b *Board) removeLocked(status domain.TaskStatus, i int) domain.TaskWithAssignee {
	col := b.columns[status]
	t := col[i]
	b.columns[status] = append(col[:i:i], col[i+1:]...)
	return t
}

func (b *Board) insertLocked(status domain.TaskStatus, i int, t domain.TaskWithAssignee) int {
	col := b.columns[status]
	if i < 0 {
		i = 0
	}
	if i > len(col) {
		i = len(col)
	}
	out := make([]domain.TaskWithAssignee, 0, len(col)+1)
	out = append(out, col[:i]...)
	out = append(out, t)
	out = append(out, col[i:]...)
	b.columns[status] = out
	return i
}

// MoveTask moves a task to toStatus at toIndex immediately and writes
// {status, position: toIndex} to the gateway in the background. If the write
// fails the board is reloaded from the gateway and the failure is reported.
// The task's current column wins over fromStatus when they disagree.
func (b *Board) MoveTask(ctx context.Context, taskID string, fromStatus, toStatus domain.TaskStatus, toIndex int) (*Mutation, error) {
	if !toStatus.Valid() {
		return nil, ErrInvalidStatus
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	cur, i, ok := b.findLocked(taskID)
	if !ok {
		b.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if cur != fromStatus {
		b.logger.WithFields(log.Fields{"task": taskID, "from": fromStatus, "actual": cur}).Debug("board.move.from_mismatch")
	}
	m := newMutation(uuid.NewString(), "move")
	m.TaskID, m.From, m.To = taskID, cur, toStatus
	m.fromIndex = i
	t := b.removeLocked(cur, i)
	m.prev = t
	t.Status = toStatus
	t.Position = toIndex
	m.Index = b.insertLocked(toStatus, toIndex, t)
	gen, projectID := b.gen, b.projectID
	b.mu.Unlock()

	pos := toIndex
	b.commit(ctx, m, gen, projectID, func(ctx context.Context) error {
		_, err := b.store.UpdateTaskStatus(ctx, taskID, toStatus, &pos)
		return err
	})
	return m, nil
}

// ToggleComplete marks a task Done, or back to To Do, with the same
// optimistic apply and reconcile-on-failure policy as MoveTask. The task
// keeps its position and is placed in position order within the column.
func (b *Board) ToggleComplete(ctx context.Context, taskID string, done bool) (*Mutation, error) {
	to := domain.StatusToDo
	if done {
		to = domain.StatusDone
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	cur, i, ok := b.findLocked(taskID)
	if !ok {
		b.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	m := newMutation(uuid.NewString(), "toggle")
	m.TaskID, m.From, m.To = taskID, cur, to
	m.fromIndex = i
	t := b.removeLocked(cur, i)
	m.prev = t
	t.Status = to
	idx := sort.Search(len(b.columns[to]), func(k int) bool { return b.columns[to][k].Position > t.Position })
	m.Index = b.insertLocked(to, idx, t)
	gen, projectID := b.gen, b.projectID
	b.mu.Unlock()

	b.commit(ctx, m, gen, projectID, func(ctx context.Context) error {
		_, err := b.store.UpdateTaskStatus(ctx, taskID, to, nil)
		return err
	})
	return m, nil
}

// commit runs the remote write and settles m. The caller's ctx only carries
// the trace; the write itself is bound to the board's lifetime.
func (b *Board) commit(ctx context.Context, m *Mutation, gen uint64, projectID string, write func(context.Context) error) {
	_, span := b.tracer.Start(ctx, "board."+m.Kind, trace.WithAttributes(
		attribute.String("board.project_id", projectID),
		attribute.String("board.task_id", m.TaskID),
		attribute.String("board.to_status", string(m.To)),
	))
	wctx := trace.ContextWithSpan(b.ctx, span)

	m.advance(PhaseCommitting)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer func() {
			span.SetAttributes(attribute.String("board.phase", m.Phase().String()))
			span.End()
			b.metrics.observe(m)
		}()

		err := write(wctx)
		if err == nil {
			if !b.current(gen) {
				m.advance(PhaseDiscarded)
				return
			}
			span.SetStatus(codes.Ok, "")
			b.emit(Event{Type: EventTaskUpdated, ProjectID: projectID, TaskID: m.TaskID, MutationID: m.ID})
			m.advance(PhaseCommitted)
			return
		}

		m.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.WithFields(log.Fields{
			"project":  projectID,
			"task":     m.TaskID,
			"mutation": m.ID,
			"kind":     m.Kind,
		}).Warnf("board.mutation.failed: %v", err)
		if !b.current(gen) {
			m.advance(PhaseDiscarded)
			return
		}
		m.advance(PhaseReconciling)
		b.emit(Event{Type: EventMutationFailed, ProjectID: projectID, TaskID: m.TaskID, MutationID: m.ID, Err: err})
		b.reconcile(wctx, m, gen, projectID)
	}()
}

func (b *Board) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.gen == gen
}

// reconcile replaces the board with the gateway's state. If that fails too
// the task is put back where it was before the mutation.
func (b *Board) reconcile(ctx context.Context, m *Mutation, gen uint64, projectID string) {
	tasks, err := b.store.TasksByProject(ctx, projectID)

	b.mu.Lock()
	if b.closed || b.gen != gen {
		b.mu.Unlock()
		m.advance(PhaseDiscarded)
		return
	}
	if err == nil {
		b.columns = Group(tasks)
		b.mu.Unlock()
		b.emit(Event{Type: EventReconciled, ProjectID: projectID, TaskID: m.TaskID, MutationID: m.ID})
		m.advance(PhaseReconciled)
		return
	}
	if s, i, ok := b.findLocked(m.TaskID); ok {
		b.removeLocked(s, i)
	}
	b.insertLocked(m.prev.Status, m.fromIndex, m.prev)
	b.mu.Unlock()

	b.logger.WithFields(log.Fields{"project": projectID, "mutation": m.ID}).Errorf("board.reconcile.failed: %v", err)
	b.emit(Event{Type: EventReconcileFailed, ProjectID: projectID, TaskID: m.TaskID, MutationID: m.ID, Err: err})
	m.advance(PhaseReconcileFailed)
}

func (b *Board) emit(e Event) {
	if b.onEvent != nil {
		b.onEvent(e)
	}
}
