package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stubStore struct {
	mu      sync.Mutex
	rows    map[string]Row
	err     error
	updates int
}

func newStubStore() *stubStore { return &stubStore{rows: map[string]Row{}} }

func (s *stubStore) Query(_ context.Context, _ Entity, q Query) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Row
	for _, r := range s.rows {
		if q.Filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	SortRows(out, q.Order)
	return out, nil
}

func (s *stubStore) Count(ctx context.Context, e Entity, f Filter) (int, error) {
	rows, err := s.Query(ctx, e, Query{Filter: f})
	return len(rows), err
}

func (s *stubStore) Insert(_ context.Context, _ Entity, row Row) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.rows[row.ID()] = row.Clone()
	return row.Clone(), nil
}

func (s *stubStore) InsertMany(ctx context.Context, e Entity, rows []Row) ([]Row, error) {
	var out []Row
	for _, r := range rows {
		ins, err := s.Insert(ctx, e, r)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

func (s *stubStore) Update(_ context.Context, e Entity, id string, patch Row) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.rows[id]
	if !ok {
		return nil, NewError("update", e, ErrNotFound, nil)
	}
	for k, v := range patch {
		r[k] = v
	}
	s.updates++
	return r.Clone(), nil
}

func (s *stubStore) UpdateWhere(ctx context.Context, e Entity, f Filter, patch Row) ([]Row, error) {
	rows, err := s.Query(ctx, e, Query{Filter: f})
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		u, err := s.Update(ctx, e, r.ID(), patch)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *stubStore) Upsert(ctx context.Context, e Entity, row Row) (Row, bool, error) {
	s.mu.Lock()
	_, exists := s.rows[row.ID()]
	s.mu.Unlock()
	if exists {
		r, err := s.Update(ctx, e, row.ID(), row)
		return r, false, err
	}
	r, err := s.Insert(ctx, e, row)
	return r, true, err
}

func recv(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case ch, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ch
	case <-time.After(time.Second):
		t.Fatalf("no change received")
	}
	return Change{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ch, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected change %+v", ch)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientPublishesWritesToMatchingSubscribers(t *testing.T) {
	broker := NewBroker()
	c := NewClient(newStubStore(), broker)
	ctx := context.Background()

	mine, err := c.Subscribe(ctx, Messages, Where(Eq("recipient_id", "me")), OnInsert)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer mine.Close()
	updates, err := c.Subscribe(ctx, Messages, Filter{}, OnUpdate)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer updates.Close()

	if _, err := c.Insert(ctx, Messages, Row{"id": "m1", "recipient_id": "other"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.Insert(ctx, Messages, Row{"id": "m2", "recipient_id": "me"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got := recv(t, mine); got.Row.ID() != "m2" || got.Type != EventInsert {
		t.Fatalf("unexpected change %+v", got)
	}
	expectNone(t, mine)

	if _, err := c.Update(ctx, Messages, "m1", Row{"read_at": time.Now()}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := recv(t, updates); got.Row.ID() != "m1" || got.Type != EventUpdate {
		t.Fatalf("unexpected change %+v", got)
	}
}

func TestClientUpsertPublishesInsertThenUpdate(t *testing.T) {
	broker := NewBroker()
	c := NewClient(newStubStore(), broker)
	ctx := context.Background()
	sub, err := c.Subscribe(ctx, Notifications, Filter{}, OnAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := c.Upsert(ctx, Notifications, Row{"id": "n1", "title": "a"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := c.Upsert(ctx, Notifications, Row{"id": "n1", "title": "b"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := recv(t, sub); got.Type != EventInsert {
		t.Fatalf("expected insert, got %s", got.Type)
	}
	if got := recv(t, sub); got.Type != EventUpdate || got.Row.String("title") != "b" {
		t.Fatalf("expected update to b, got %+v", got)
	}
}

func TestClientDeliversDeletesRegardlessOfFilter(t *testing.T) {
	broker := NewBroker()
	c := NewClient(newStubStore(), broker)
	ctx := context.Background()
	sub, err := c.Subscribe(ctx, Tasks, Where(Eq("project_id", "p1")), OnDelete)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	_ = broker.Publish(ctx, Change{Type: EventDelete, Entity: Tasks, Row: Row{"id": "t1"}})
	if got := recv(t, sub); got.Row.ID() != "t1" {
		t.Fatalf("unexpected change %+v", got)
	}
}

func TestSubscriptionCloseReleasesBroker(t *testing.T) {
	broker := NewBroker()
	c := NewClient(newStubStore(), broker)
	sub, err := c.Subscribe(context.Background(), Tasks, Filter{}, OnAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if broker.Subscribers(Tasks) != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if n := broker.Subscribers(Tasks); n != 0 {
		t.Fatalf("expected subscriber to be released, got %d", n)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestClientClassifiesErrors(t *testing.T) {
	store := newStubStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := NewClient(store, nil, WithMetrics(metrics))
	ctx := context.Background()

	_, err := c.Update(ctx, Tasks, "missing", Row{"title": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	store.err = errors.New("connection reset")
	_, err = c.Query(ctx, Tasks, Query{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network failure, got %v", err)
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Op != "query" || gerr.Entity != Tasks {
		t.Fatalf("unexpected error detail %#v", err)
	}

	store.err = NewError("insert", Tasks, ErrConstraint, errors.New("CHECK failed"))
	_, err = c.Insert(ctx, Tasks, Row{"id": "t"})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint violation, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("query", "tasks", "network")); got != 1 {
		t.Fatalf("expected one network failure recorded, got %v", got)
	}

	if _, err := c.Subscribe(ctx, Tasks, Filter{}, OnAll); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected subscribe without feed to fail, got %v", err)
	}
}

func TestClientRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store := newStubStore()
	c := NewClient(store, nil, WithTracer(tp.Tracer("test")))
	store.err = errors.New("boom")
	_, _ = c.Query(context.Background(), Projects, Query{})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name != "gateway.query" {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[0].Status.Code)
	}
}
