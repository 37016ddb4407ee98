package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultChannelPrefix prefixes the redis pub/sub channel of every entity.
const DefaultChannelPrefix = "changes:"

// RedisFeed fans changes out through redis pub/sub so every API instance
// sees writes made by the others.
type RedisFeed struct {
	rc     *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedisFeed(rc *redis.Client, prefix string, logger *log.Logger) *RedisFeed {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisFeed{rc: rc, prefix: prefix, logger: logger}
}

func (f *RedisFeed) channel(e Entity) string {
	return f.prefix + string(e)
}

type wireChange struct {
	Type   EventType      `json:"type"`
	Entity Entity         `json:"entity"`
	Row    map[string]any `json:"row"`
}

func encodeChange(ch Change) ([]byte, error) {
	row := make(map[string]any, len(ch.Row))
	for k, v := range ch.Row {
		if t, ok := v.(time.Time); ok {
			row[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		row[k] = v
	}
	return sonic.Marshal(wireChange{Type: ch.Type, Entity: ch.Entity, Row: row})
}

func decodeChange(payload []byte) (Change, error) {
	var w wireChange
	if err := sonic.Unmarshal(payload, &w); err != nil {
		return Change{}, err
	}
	row := Row(w.Row)
	if s, ok := SchemaOf(w.Entity); ok {
		n, err := s.Normalize(row)
		if err != nil {
			return Change{}, err
		}
		row = n
	}
	return Change{Type: w.Type, Entity: w.Entity, Row: row}, nil
}

func (f *RedisFeed) Publish(ctx context.Context, ch Change) error {
	payload, err := encodeChange(ch)
	if err != nil {
		return NewError("publish", ch.Entity, ErrConstraint, err)
	}
	if err := f.rc.Publish(ctx, f.channel(ch.Entity), payload).Err(); err != nil {
		return NewError("publish", ch.Entity, ErrNetwork, err)
	}
	return nil
}

// Subscribe listens on the entity channel, re-subscribing when redis drops
// the connection.
func (f *RedisFeed) Subscribe(ctx context.Context, entity Entity) (<-chan Change, func(), error) {
	sub := f.rc.Subscribe(ctx, f.channel(entity))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, NewError("subscribe", entity, ErrNetwork, err)
	}

	out := make(chan Change, brokerBuffer)
	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		defer close(out)
		for {
			f.pump(ctx, sub, out, stop)
			_ = sub.Close()
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			f.logger.WithField("channel", f.channel(entity)).Error("pubsub channel closed, reconnecting")
			sub = f.rc.Subscribe(ctx, f.channel(entity))
		}
	}()
	return out, release, nil
}

func (f *RedisFeed) pump(ctx context.Context, sub *redis.PubSub, out chan<- Change, stop <-chan struct{}) {
	msgs := sub.Channel()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ch, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				f.logger.Errorf("unable to parse change: %v", err)
				continue
			}
			select {
			case out <- ch:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
