package gateway

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

const brokerBuffer = 64

// Broker is an in-process Feed. Slow subscribers drop changes instead of
// blocking writers; the sync layer's polling closes such gaps.
type Broker struct {
	mu   sync.Mutex
	subs map[Entity]map[chan Change]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[Entity]map[chan Change]struct{})}
}

func (b *Broker) Publish(_ context.Context, ch Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ch.Entity] {
		select {
		case sub <- ch:
		default:
			log.WithFields(log.Fields{"entity": ch.Entity, "id": ch.Row.ID()}).Warn("broker: subscriber full, dropping change")
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, entity Entity) (<-chan Change, func(), error) {
	ch := make(chan Change, brokerBuffer)
	b.mu.Lock()
	if b.subs[entity] == nil {
		b.subs[entity] = make(map[chan Change]struct{})
	}
	b.subs[entity][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[entity], ch)
			if len(b.subs[entity]) == 0 {
				delete(b.subs, entity)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, release, nil
}

// Subscribers returns the number of live subscriptions for entity.
func (b *Broker) Subscribers(entity Entity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[entity])
}
