package storage

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"prism-dashboard/gateway"
)

// Option configures how a store fills in generated columns.
type Option func(*defaults)

// WithNow overrides the clock used for created_at and updated_at defaults.
func WithNow(now func() time.Time) Option {
	return func(d *defaults) { d.now = now }
}

// WithIDs overrides row id generation.
func WithIDs(newID func() string) Option {
	return func(d *defaults) { d.newID = newID }
}

type defaults struct {
	now   func() time.Time
	newID func() string
	last  int64
}

func newDefaults(opts []Option) defaults {
	d := defaults{now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// stamp returns a strictly increasing timestamp so rows written in the same
// instant still order by creation.
func (d *defaults) stamp() time.Time {
	for {
		now := d.now().UTC().UnixNano()
		last := atomic.LoadInt64(&d.last)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&d.last, last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

// apply normalizes r and fills in the generated key and timestamps.
func (d *defaults) apply(sch *gateway.Schema, r gateway.Row) (gateway.Row, error) {
	p, err := sch.Normalize(r)
	if err != nil {
		return nil, err
	}
	if sch.Key == "id" && p.String("id") == "" {
		p["id"] = d.newID()
	}
	for _, col := range []string{"created_at", "updated_at"} {
		if sch.HasColumn(col) && p[col] == nil {
			p[col] = d.stamp()
		}
	}
	return p, nil
}
