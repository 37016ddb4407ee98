// Package livesync keeps a local, deduplicated list of gateway rows in step
// with the gateway. A poll on a fixed interval replaces the list wholesale
// and pushed changes are applied in between, keyed by row id.
package livesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/gateway"
)

// DefaultInterval is how often an active session polls.
const DefaultInterval = 30 * time.Second

var errIncompleteSource = errors.New("livesync: source needs Fetch, Decode and ID")

// Source describes what a session tracks.
type Source[T any] struct {
	Entity gateway.Entity
	// Filter selects pushed changes; polling goes through Fetch.
	Filter gateway.Filter
	// Mask defaults to every change type.
	Mask   gateway.EventMask
	Fetch  func(ctx context.Context) ([]T, error)
	Decode func(gateway.Row) (T, error)
	ID     func(T) string
	// Accept drops pushed rows the gateway filter cannot express.
	Accept func(T) bool
	// Merge combines a pushed update with the tracked item it replaces.
	Merge func(old, pushed T) T
	// Prepend puts pushed inserts first, for newest-first lists.
	Prepend bool
}

type settings struct {
	clock    clockwork.Clock
	interval time.Duration
	logger   *log.Logger
}

type Option func(*settings)

func WithClock(c clockwork.Clock) Option { return func(s *settings) { s.clock = c } }

func WithInterval(d time.Duration) Option { return func(s *settings) { s.interval = d } }

func WithLogger(l *log.Logger) Option { return func(s *settings) { s.logger = l } }

// Session is one live view. Poll and push both feed apply; once Cancel is
// called neither touches the list or calls onChange again.
type Session[T any] struct {
	src      Source[T]
	set      settings
	onChange func([]T)

	mu      sync.Mutex
	items   []T
	ids     map[string]struct{}
	active  bool
	version uint64

	notifyMu  sync.Mutex
	delivered uint64

	cancel context.CancelFunc
	sub    *gateway.Subscription
	ticker clockwork.Ticker
	wg     sync.WaitGroup
	once   sync.Once
}

// Start subscribes to src, runs the first poll and keeps the session in sync
// until Cancel is called or ctx ends. onChange receives a copy of the list
// after every change; it must not call Cancel.
func Start[T any](ctx context.Context, gw gateway.Gateway, src Source[T], onChange func([]T), opts ...Option) (*Session[T], error) {
	if src.Fetch == nil || src.Decode == nil || src.ID == nil {
		return nil, errIncompleteSource
	}
	set := settings{clock: clockwork.NewRealClock(), interval: DefaultInterval, logger: log.StandardLogger()}
	for _, o := range opts {
		o(&set)
	}
	if src.Mask == 0 {
		src.Mask = gateway.OnAll
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := gw.Subscribe(ctx, src.Entity, src.Filter, src.Mask)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Session[T]{
		src:      src,
		set:      set,
		onChange: onChange,
		ids:      map[string]struct{}{},
		active:   true,
		cancel:   cancel,
		sub:      sub,
	}
	if err := s.Refresh(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, err
	}
	s.ticker = set.clock.NewTicker(set.interval)

	s.wg.Add(2)
	go s.pollLoop(ctx)
	go s.pushLoop()
	return s, nil
}

func (s *Session[T]) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ticker.Chan():
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.set.logger.WithField("entity", s.src.Entity).Warnf("livesync.poll: %v", err)
			}
		}
	}
}

func (s *Session[T]) pushLoop() {
	defer s.wg.Done()
	for ch := range s.sub.C {
		s.applyChange(ch)
	}
}

// Refresh polls now and replaces the list with the result.
func (s *Session[T]) Refresh(ctx context.Context) error {
	items, err := s.src.Fetch(ctx)
	if err != nil {
		return err
	}
	s.replace(items)
	return nil
}

func (s *Session[T]) replace(items []T) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	ids := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		id := s.src.ID(it)
		if _, dup := ids[id]; dup {
			continue
		}
		ids[id] = struct{}{}
		out = append(out, it)
	}
	s.items, s.ids = out, ids
	v, snap := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v, snap)
}

func (s *Session[T]) applyChange(ch gateway.Change) {
	if ch.Type == gateway.EventDelete {
		s.remove(ch.Row.ID())
		return
	}
	item, err := s.src.Decode(ch.Row)
	if err != nil {
		s.set.logger.WithFields(log.Fields{"entity": s.src.Entity, "id": ch.Row.ID()}).Warnf("livesync.decode: %v", err)
		return
	}
	if s.src.Accept != nil && !s.src.Accept(item) {
		return
	}
	switch ch.Type {
	case gateway.EventInsert:
		s.Track(item)
	case gateway.EventUpdate:
		id := s.src.ID(item)
		s.Update(func(cur T) (T, bool) {
			if s.src.ID(cur) != id {
				return cur, false
			}
			if s.src.Merge != nil {
				return s.src.Merge(cur, item), true
			}
			return item, true
		})
	}
}

// Track adds item unless its id is already tracked and reports whether it
// was added.
func (s *Session[T]) Track(item T) bool {
	id := s.src.ID(item)
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.ids[id]; ok {
		s.mu.Unlock()
		return false
	}
	s.ids[id] = struct{}{}
	if s.src.Prepend {
		s.items = append([]T{item}, s.items...)
	} else {
		s.items = append(s.items, item)
	}
	v, snap := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v, snap)
	return true
}

// Update rewrites the items for which fn reports a change and returns how
// many changed.
func (s *Session[T]) Update(fn func(T) (T, bool)) int {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for i, it := range s.items {
		if next, ok := fn(it); ok {
			s.items[i] = next
			n++
		}
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	v, snap := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v, snap)
	return n
}

func (s *Session[T]) remove(id string) {
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok || !s.active {
		s.mu.Unlock()
		return
	}
	delete(s.ids, id)
	out := s.items[:0:0]
	for _, it := range s.items {
		if s.src.ID(it) != id {
			out = append(out, it)
		}
	}
	s.items = out
	v, snap := s.bumpLocked()
	s.mu.Unlock()
	s.notify(v, snap)
}

func (s *Session[T]) bumpLocked() (uint64, []T) {
	s.version++
	return s.version, append([]T(nil), s.items...)
}

// notify delivers snapshots in version order and drops any that a newer
// delivery already superseded.
func (s *Session[T]) notify(v uint64, snap []T) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if v <= s.delivered || !s.Active() {
		return
	}
	s.delivered = v
	if s.onChange != nil {
		s.onChange(snap)
	}
}

// Items returns a copy of the current list.
func (s *Session[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

func (s *Session[T]) now() time.Time { return s.set.clock.Now() }

func (s *Session[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancel stops polling, releases the subscription and waits for both loops
// to exit. It is safe to call more than once.
func (s *Session[T]) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		s.cancel()
		s.ticker.Stop()
		s.sub.Close()
		s.wg.Wait()

		// wait out a delivery that started before active was cleared
		s.notifyMu.Lock()
		s.notifyMu.Unlock()
	})
}
