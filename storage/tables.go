package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-dashboard/gateway"
)

const updateAttempts = 3

// Tables stores every entity in its own Azure table. The partition key is the
// entity name and the row key is the entity key, so all reads are partition
// scans filtered server side where possible.
type Tables struct {
	svc     *aztables.ServiceClient
	prefix  string
	clients map[gateway.Entity]*aztables.Client
	defaults
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables creates a table-backed store from a storage connection string.
func NewTables(connStr, prefix string, opts ...Option) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	t := &Tables{svc: svc, prefix: prefix, clients: map[gateway.Entity]*aztables.Client{}, defaults: newDefaults(opts)}
	for _, e := range gateway.Entities() {
		t.clients[e] = svc.NewClient(TableName(prefix, e))
	}
	return t, nil
}

// TableName maps an entity to a valid table name.
func TableName(prefix string, e gateway.Entity) string {
	return prefix + strings.ReplaceAll(string(e), "_", "")
}

// Provision creates any missing tables.
func (t *Tables) Provision(ctx context.Context) error {
	for _, e := range gateway.Entities() {
		if _, err := t.svc.CreateTable(ctx, TableName(t.prefix, e), nil); err != nil {
			if statusOf(err) == http.StatusConflict {
				continue
			}
			return fmt.Errorf("create table %s: %w", TableName(t.prefix, e), err)
		}
	}
	return nil
}

var _ gateway.Store = (*Tables)(nil)

func (t *Tables) client(op string, e gateway.Entity) (*aztables.Client, *gateway.Schema, error) {
	sch, err := schemaFor(op, e)
	if err != nil {
		return nil, nil, err
	}
	return t.clients[e], sch, nil
}

func (t *Tables) Query(ctx context.Context, e gateway.Entity, q gateway.Query) ([]gateway.Row, error) {
	c, sch, err := t.client("query", e)
	if err != nil {
		return nil, err
	}
	rows, err := t.list(ctx, c, sch, q.Filter)
	if err != nil {
		return nil, classifyAzure("query", e, err)
	}
	gateway.SortRows(rows, q.Order)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (t *Tables) Count(ctx context.Context, e gateway.Entity, f gateway.Filter) (int, error) {
	rows, err := t.Query(ctx, e, gateway.Query{Filter: f})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (t *Tables) list(ctx context.Context, c *aztables.Client, sch *gateway.Schema, f gateway.Filter) ([]gateway.Row, error) {
	filter := odataFilter(sch, f)
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rows := []gateway.Row{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			r, err := decodeEntity(sch, raw)
			if err != nil {
				return nil, err
			}
			if f.Match(r) {
				rows = append(rows, r)
			}
		}
	}
	return rows, nil
}

func (t *Tables) Insert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, error) {
	c, sch, err := t.client("insert", e)
	if err != nil {
		return nil, err
	}
	r, err := t.apply(sch, row)
	if err != nil {
		return nil, gateway.NewError("insert", e, gateway.ErrConstraint, err)
	}
	payload, err := encodeEntity(sch, r)
	if err != nil {
		return nil, gateway.NewError("insert", e, gateway.ErrConstraint, err)
	}
	if _, err := c.AddEntity(ctx, payload, nil); err != nil {
		return nil, classifyAzure("insert", e, err)
	}
	return dropNulls(r), nil
}

// InsertMany is not atomic: rows inserted before a failure stay.
func (t *Tables) InsertMany(ctx context.Context, e gateway.Entity, rows []gateway.Row) ([]gateway.Row, error) {
	out := make([]gateway.Row, 0, len(rows))
	for _, r := range rows {
		ins, err := t.Insert(ctx, e, r)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

func (t *Tables) Update(ctx context.Context, e gateway.Entity, id string, patch gateway.Row) (gateway.Row, error) {
	c, sch, err := t.client("update", e)
	if err != nil {
		return nil, err
	}
	p, err := sch.Normalize(patch)
	if err != nil {
		return nil, gateway.NewError("update", e, gateway.ErrConstraint, err)
	}
	delete(p, sch.Key)

	for attempt := 1; ; attempt++ {
		resp, err := c.GetEntity(ctx, string(e), id, nil)
		if err != nil {
			return nil, classifyAzure("update", e, err)
		}
		cur, err := decodeEntity(sch, resp.Value)
		if err != nil {
			return nil, classifyAzure("update", e, err)
		}
		for k, v := range p {
			cur[k] = v
		}
		payload, err := encodeEntity(sch, cur)
		if err != nil {
			return nil, gateway.NewError("update", e, gateway.ErrConstraint, err)
		}
		etag := resp.ETag
		_, err = c.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return dropNulls(cur), nil
		}
		if statusOf(err) != http.StatusPreconditionFailed || attempt == updateAttempts {
			return nil, classifyAzure("update", e, err)
		}
	}
}

// UpdateWhere applies patch row by row; it is not atomic.
func (t *Tables) UpdateWhere(ctx context.Context, e gateway.Entity, f gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	if f.Empty() {
		return nil, gateway.NewError("update_where", e, gateway.ErrConstraint, errors.New("refusing unfiltered update"))
	}
	rows, err := t.Query(ctx, e, gateway.Query{Filter: f})
	if err != nil {
		return nil, err
	}
	sch, _ := gateway.SchemaOf(e)
	out := make([]gateway.Row, 0, len(rows))
	for _, r := range rows {
		u, err := t.Update(ctx, e, r.String(sch.Key), patch)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (t *Tables) Upsert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, bool, error) {
	c, sch, err := t.client("upsert", e)
	if err != nil {
		return nil, false, err
	}
	key := gateway.Value(row[sch.Key])
	if key == nil {
		r, err := t.Insert(ctx, e, row)
		return r, err == nil, err
	}
	if _, err := c.GetEntity(ctx, string(e), row.String(sch.Key), nil); err != nil {
		if statusOf(err) != http.StatusNotFound {
			return nil, false, classifyAzure("upsert", e, err)
		}
		r, err := t.Insert(ctx, e, row)
		return r, err == nil, err
	}
	r, err := t.Update(ctx, e, row.String(sch.Key), row)
	return r, false, err
}

// odataFilter pushes the equality conditions of f down to the service; the
// rest of f is evaluated in memory.
func odataFilter(sch *gateway.Schema, f gateway.Filter) string {
	parts := []string{"PartitionKey eq " + odataString(string(sch.Entity))}
	for _, c := range f.All {
		if c.Op != gateway.OpEq {
			continue
		}
		col, ok := sch.Column(c.Column)
		if !ok {
			continue
		}
		switch v := c.Value.(type) {
		case string:
			name := col.Name
			if col.Name == sch.Key {
				name = "RowKey"
			}
			if col.Kind == gateway.KindText || col.Kind == gateway.KindDate || name == "RowKey" {
				parts = append(parts, name+" eq "+odataString(v))
			}
		case bool:
			if col.Kind == gateway.KindBool {
				parts = append(parts, col.Name+" eq "+strconv.FormatBool(v))
			}
		}
	}
	return strings.Join(parts, " and ")
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func encodeEntity(sch *gateway.Schema, r gateway.Row) ([]byte, error) {
	out := map[string]any{
		"PartitionKey": string(sch.Entity),
		"RowKey":       r.String(sch.Key),
	}
	for _, c := range sch.Columns {
		v := gateway.Value(r[c.Name])
		if v == nil || c.Name == sch.Key {
			continue
		}
		switch c.Kind {
		case gateway.KindInt:
			out[c.Name] = strconv.FormatInt(r.Int64(c.Name), 10)
			out[c.Name+"@odata.type"] = "Edm.Int64"
		default:
			a, err := argFor(c, v)
			if err != nil {
				return nil, err
			}
			out[c.Name] = a
		}
	}
	return sonic.Marshal(out)
}

func decodeEntity(sch *gateway.Schema, raw []byte) (gateway.Row, error) {
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	r := gateway.Row{}
	for k, v := range m {
		if sch.HasColumn(k) {
			r[k] = v
		}
	}
	if rk, ok := m["RowKey"].(string); ok {
		r[sch.Key] = rk
	}
	return sch.Normalize(r)
}

func dropNulls(r gateway.Row) gateway.Row {
	out := make(gateway.Row, len(r))
	for k, v := range r {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func classifyAzure(op string, e gateway.Entity, err error) error {
	if err == nil {
		return nil
	}
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return err
	}
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gateway.NewError(op, e, gateway.ErrAuth, err)
	case http.StatusNotFound:
		return gateway.NewError(op, e, gateway.ErrNotFound, err)
	case http.StatusBadRequest, http.StatusConflict, http.StatusPreconditionFailed:
		return gateway.NewError(op, e, gateway.ErrConstraint, err)
	}
	return gateway.NewError(op, e, gateway.ErrNetwork, err)
}
