// Package repository exposes typed operations over the gateway. Every call
// hits the gateway; related rows are attached with one batched lookup.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"prism-dashboard/gateway"
)

// Repository is safe for concurrent use.
type Repository struct {
	gw  gateway.Gateway
	now func() time.Time
}

type Option func(*Repository)

// WithNow overrides the clock used for read_at and path stamps.
func WithNow(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func New(gw gateway.Gateway, opts ...Option) *Repository {
	r := &Repository{gw: gw, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Gateway returns the underlying gateway.
func (r *Repository) Gateway() gateway.Gateway { return r.gw }

func (r *Repository) stamp() time.Time { return r.now().UTC() }

func requireUser(op string, e gateway.Entity, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return gateway.NewError(op, e, gateway.ErrAuth, nil)
	}
	return nil
}

func invalid(op string, e gateway.Entity, format string, args ...any) error {
	return gateway.NewError(op, e, gateway.ErrConstraint, fmt.Errorf(format, args...))
}

// decodeRow maps a row onto a domain type through its json tags, which
// match the column names.
func decodeRow[T any](row gateway.Row) (T, error) {
	var out T
	data, err := sonic.Marshal(row)
	if err != nil {
		return out, err
	}
	if err := sonic.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

// Decode maps a gateway row onto T. Live views use it for pushed rows.
func Decode[T any](row gateway.Row) (T, error) { return decodeRow[T](row) }

func decodeRows[T any](rows []gateway.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decodeRow[T](row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Repository) list(ctx context.Context, e gateway.Entity, q gateway.Query) ([]gateway.Row, error) {
	return r.gw.Query(ctx, e, q)
}

// one returns the row with the given key or a not found error.
func (r *Repository) one(ctx context.Context, op string, e gateway.Entity, id string) (gateway.Row, error) {
	rows, err := r.gw.Query(ctx, e, gateway.Query{Filter: gateway.Where(gateway.Eq("id", id)), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gateway.NewError(op, e, gateway.ErrNotFound, fmt.Errorf("id %q", id))
	}
	return rows[0], nil
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// patchRow adds the non-nil fields of a patch to a row.
type patchRow gateway.Row

func (p patchRow) set(col string, v any) {
	if gateway.Value(v) != nil {
		p[col] = v
	}
}
