package gateway

import (
	"context"
	"sync"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// EventMask selects which change types a subscription receives.
type EventMask uint8

const (
	OnInsert EventMask = 1 << iota
	OnUpdate
	OnDelete

	OnAll = OnInsert | OnUpdate | OnDelete
)

func (m EventMask) Has(t EventType) bool {
	switch t {
	case EventInsert:
		return m&OnInsert != 0
	case EventUpdate:
		return m&OnUpdate != 0
	case EventDelete:
		return m&OnDelete != 0
	}
	return false
}

// Change is a single row mutation observed by subscribers.
type Change struct {
	Type   EventType `json:"type"`
	Entity Entity    `json:"entity"`
	Row    Row       `json:"row"`
}

// Store performs reads and writes against a backing store.
type Store interface {
	Query(ctx context.Context, entity Entity, q Query) ([]Row, error)
	Count(ctx context.Context, entity Entity, f Filter) (int, error)
	Insert(ctx context.Context, entity Entity, row Row) (Row, error)
	InsertMany(ctx context.Context, entity Entity, rows []Row) ([]Row, error)
	Update(ctx context.Context, entity Entity, id string, patch Row) (Row, error)
	UpdateWhere(ctx context.Context, entity Entity, f Filter, patch Row) ([]Row, error)
	// Upsert inserts row or merges it into the row with the same key. The
	// boolean reports whether a new row was created.
	Upsert(ctx context.Context, entity Entity, row Row) (Row, bool, error)
}

// Feed fans row changes out to subscribers.
type Feed interface {
	Publish(ctx context.Context, ch Change) error
	// Subscribe returns every change published for entity until release
	// is called or ctx ends.
	Subscribe(ctx context.Context, entity Entity) (changes <-chan Change, release func(), err error)
}

// Gateway is the data access contract used by repositories and the sync
// layer. Calls carry no ordering guarantee relative to each other.
type Gateway interface {
	Query(ctx context.Context, entity Entity, q Query) ([]Row, error)
	Count(ctx context.Context, entity Entity, f Filter) (int, error)
	Insert(ctx context.Context, entity Entity, row Row) (Row, error)
	InsertMany(ctx context.Context, entity Entity, rows []Row) ([]Row, error)
	Update(ctx context.Context, entity Entity, id string, patch Row) (Row, error)
	UpdateWhere(ctx context.Context, entity Entity, f Filter, patch Row) ([]Row, error)
	Upsert(ctx context.Context, entity Entity, row Row) (Row, error)
	Subscribe(ctx context.Context, entity Entity, f Filter, mask EventMask) (*Subscription, error)
}

// Subscription delivers filtered changes on C until Close is called. C is
// closed once the subscription has been released.
type Subscription struct {
	C <-chan Change

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Close releases the subscription and waits until no more changes will be
// delivered. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
