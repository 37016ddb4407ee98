package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"prism-dashboard/gateway"
)

// sqlFalse matches no row, like a comparison with NULL.
var sqlFalse = sq.Expr("1 = 0")

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func table(sch *gateway.Schema) string { return quote(string(sch.Entity)) }

func columnNames(sch *gateway.Schema) []string {
	names := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		names[i] = quote(c.Name)
	}
	return names
}

func returning(sch *gateway.Schema) string {
	return "RETURNING " + strings.Join(columnNames(sch), ", ")
}

// argFor converts a row value into its stored representation.
func argFor(col gateway.Column, v any) (any, error) {
	v = gateway.Value(v)
	switch x := v.(type) {
	case time.Time:
		if col.Kind == gateway.KindDate {
			return x.Format(time.DateOnly), nil
		}
		return x.UTC().Format(timeLayout), nil
	case string:
		if col.Kind == gateway.KindTime {
			t, err := gateway.ParseTime(x)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", col.Name, err)
			}
			return t.Format(timeLayout), nil
		}
	}
	return v, nil
}

// buildWhere returns nil for an empty filter.
func buildWhere(sch *gateway.Schema, f gateway.Filter) (sq.Sqlizer, error) {
	var where sq.And
	for _, c := range f.All {
		expr, err := condExpr(sch, c)
		if err != nil {
			return nil, err
		}
		where = append(where, expr)
	}
	if len(f.Any) > 0 {
		var groups sq.Or
		for _, g := range f.Any {
			group := sq.And{}
			for _, c := range g {
				expr, err := condExpr(sch, c)
				if err != nil {
					return nil, err
				}
				group = append(group, expr)
			}
			groups = append(groups, group)
		}
		where = append(where, groups)
	}
	if len(where) == 0 {
		return nil, nil
	}
	return where, nil
}

func condExpr(sch *gateway.Schema, c gateway.Cond) (sq.Sqlizer, error) {
	col, ok := sch.Column(c.Column)
	if !ok {
		return nil, fmt.Errorf("%s: unknown column %q", sch.Entity, c.Column)
	}
	name := quote(col.Name)
	switch c.Op {
	case gateway.OpIsNull:
		return sq.Eq{name: nil}, nil
	case gateway.OpNotNull:
		return sq.NotEq{name: nil}, nil
	case gateway.OpIn:
		if len(c.Values) == 0 {
			return sqlFalse, nil
		}
		args := make([]any, len(c.Values))
		for i, v := range c.Values {
			a, err := argFor(col, v)
			if err != nil {
				return nil, err
			}
			args[i] = a
		}
		return sq.Eq{name: args}, nil
	case gateway.OpEq, gateway.OpNeq, gateway.OpGte, gateway.OpLt:
	default:
		return nil, fmt.Errorf("unsupported operator %q", c.Op)
	}

	a, err := argFor(col, c.Value)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return sqlFalse, nil
	}
	switch c.Op {
	case gateway.OpEq:
		return sq.Eq{name: a}, nil
	case gateway.OpNeq:
		return sq.NotEq{name: a}, nil
	case gateway.OpGte:
		return sq.GtOrEq{name: a}, nil
	default:
		return sq.Lt{name: a}, nil
	}
}

func buildSelect(sch *gateway.Schema, q gateway.Query) (string, []any, error) {
	b := sq.Select(columnNames(sch)...).From(table(sch))
	where, err := buildWhere(sch, q.Filter)
	if err != nil {
		return "", nil, err
	}
	if where != nil {
		b = b.Where(where)
	}
	for _, o := range q.Order {
		if !sch.HasColumn(o.Column) {
			return "", nil, fmt.Errorf("%s: unknown order column %q", sch.Entity, o.Column)
		}
		term := quote(o.Column)
		if o.Desc {
			term += " DESC"
		}
		b = b.OrderBy(term)
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b.ToSql()
}

func buildCount(sch *gateway.Schema, f gateway.Filter) (string, []any, error) {
	b := sq.Select("COUNT(*)").From(table(sch))
	where, err := buildWhere(sch, f)
	if err != nil {
		return "", nil, err
	}
	if where != nil {
		b = b.Where(where)
	}
	return b.ToSql()
}

// sortedColumns returns the keys of r in a stable order.
func sortedColumns(r gateway.Row) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// buildInsert expects r to be normalized against sch. NULL values are left
// out so column defaults apply.
func buildInsert(sch *gateway.Schema, r gateway.Row) (string, []any, error) {
	var (
		names []string
		args  []any
	)
	for _, c := range sortedColumns(r) {
		if r[c] == nil {
			continue
		}
		col, ok := sch.Column(c)
		if !ok {
			return "", nil, fmt.Errorf("%s: unknown column %q", sch.Entity, c)
		}
		a, err := argFor(col, r[c])
		if err != nil {
			return "", nil, err
		}
		names = append(names, quote(c))
		args = append(args, a)
	}
	return sq.Insert(table(sch)).
		Columns(names...).
		Values(args...).
		Suffix(returning(sch)).
		ToSql()
}

func buildUpdate(sch *gateway.Schema, f gateway.Filter, patch gateway.Row) (string, []any, error) {
	b := sq.Update(table(sch))
	for _, c := range sortedColumns(patch) {
		col, ok := sch.Column(c)
		if !ok {
			return "", nil, fmt.Errorf("%s: unknown column %q", sch.Entity, c)
		}
		a, err := argFor(col, patch[c])
		if err != nil {
			return "", nil, err
		}
		b = b.Set(quote(c), a)
	}
	where, err := buildWhere(sch, f)
	if err != nil {
		return "", nil, err
	}
	if where != nil {
		b = b.Where(where)
	}
	return b.Suffix(returning(sch)).ToSql()
}
