package gateway

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "prism-dashboard/gateway"

const subscriptionBuffer = 64

// Client implements Gateway on top of a Store and a Feed. Every successful
// write is published to the feed so live subscribers observe it.
type Client struct {
	store   Store
	feed    Feed
	metrics *Metrics
	tracer  trace.Tracer
	logger  *log.Logger
}

type Option func(*Client)

func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithLogger(l *log.Logger) Option { return func(c *Client) { c.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

// NewClient creates a gateway client. A nil feed disables subscriptions.
func NewClient(store Store, feed Feed, opts ...Option) *Client {
	if store == nil {
		panic("gateway.NewClient: store is nil")
	}
	c := &Client{store: store, feed: feed}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

var _ Gateway = (*Client)(nil)

func (c *Client) do(ctx context.Context, op string, entity Entity, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(
		attribute.String("gateway.entity", string(entity)),
	))
	defer span.End()

	start := time.Now()
	err := classify(op, entity, fn(ctx))
	c.metrics.observe(op, entity, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kindLabel(err))
		c.logger.WithFields(log.Fields{"op": op, "entity": entity, "kind": kindLabel(err)}).Debug(err)
	}
	return err
}

func (c *Client) Query(ctx context.Context, entity Entity, q Query) ([]Row, error) {
	var rows []Row
	err := c.do(ctx, "query", entity, func(ctx context.Context) (err error) {
		rows, err = c.store.Query(ctx, entity, q)
		return err
	})
	return rows, err
}

func (c *Client) Count(ctx context.Context, entity Entity, f Filter) (int, error) {
	var n int
	err := c.do(ctx, "count", entity, func(ctx context.Context) (err error) {
		n, err = c.store.Count(ctx, entity, f)
		return err
	})
	return n, err
}

func (c *Client) Insert(ctx context.Context, entity Entity, row Row) (Row, error) {
	var out Row
	err := c.do(ctx, "insert", entity, func(ctx context.Context) (err error) {
		out, err = c.store.Insert(ctx, entity, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, Change{Type: EventInsert, Entity: entity, Row: out})
	return out, nil
}

func (c *Client) InsertMany(ctx context.Context, entity Entity, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return []Row{}, nil
	}
	var out []Row
	err := c.do(ctx, "insert_many", entity, func(ctx context.Context) (err error) {
		out, err = c.store.InsertMany(ctx, entity, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		c.publish(ctx, Change{Type: EventInsert, Entity: entity, Row: r})
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, entity Entity, id string, patch Row) (Row, error) {
	var out Row
	err := c.do(ctx, "update", entity, func(ctx context.Context) (err error) {
		out, err = c.store.Update(ctx, entity, id, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, Change{Type: EventUpdate, Entity: entity, Row: out})
	return out, nil
}

func (c *Client) UpdateWhere(ctx context.Context, entity Entity, f Filter, patch Row) ([]Row, error) {
	var out []Row
	err := c.do(ctx, "update_where", entity, func(ctx context.Context) (err error) {
		out, err = c.store.UpdateWhere(ctx, entity, f, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		c.publish(ctx, Change{Type: EventUpdate, Entity: entity, Row: r})
	}
	return out, nil
}

func (c *Client) Upsert(ctx context.Context, entity Entity, row Row) (Row, error) {
	var (
		out     Row
		created bool
	)
	err := c.do(ctx, "upsert", entity, func(ctx context.Context) (err error) {
		out, created, err = c.store.Upsert(ctx, entity, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	typ := EventUpdate
	if created {
		typ = EventInsert
	}
	c.publish(ctx, Change{Type: typ, Entity: entity, Row: out})
	return out, nil
}

// publish never fails the write that triggered it: the row is committed and
// pollers will pick it up on their next cycle.
func (c *Client) publish(ctx context.Context, ch Change) {
	if c.feed == nil {
		return
	}
	if err := c.feed.Publish(context.WithoutCancel(ctx), ch); err != nil {
		c.logger.WithFields(log.Fields{"entity": ch.Entity, "type": ch.Type, "id": ch.Row.ID()}).Warnf("publish change: %v", err)
		return
	}
	c.metrics.published(ch)
}

// Subscribe streams changes to entity that match f and mask. Deletes are
// delivered regardless of f because deleted rows may only carry their key.
func (c *Client) Subscribe(ctx context.Context, entity Entity, f Filter, mask EventMask) (*Subscription, error) {
	if c.feed == nil {
		return nil, NewError("subscribe", entity, ErrNetwork, errNoFeed)
	}
	var (
		src     <-chan Change
		release func()
	)
	err := c.do(ctx, "subscribe", entity, func(ctx context.Context) (err error) {
		src, release, err = c.feed.Subscribe(ctx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Change, subscriptionBuffer)
	sub := &Subscription{C: out, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer close(out)
		defer release()
		for {
			select {
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			case ch, ok := <-src:
				if !ok {
					return
				}
				if !mask.Has(ch.Type) {
					continue
				}
				if ch.Type != EventDelete && !f.Match(ch.Row) {
					continue
				}
				select {
				case out <- ch:
				case <-sub.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}
