package gateway

import (
	"sort"
	"strings"
	"time"
)

type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpIn      Op = "in"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
)

// Cond is a single column predicate.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Values []any
}

func Eq(col string, v any) Cond { return Cond{Column: col, Op: OpEq, Value: Value(v)} }
func Neq(col string, v any) Cond { return Cond{Column: col, Op: OpNeq, Value: Value(v)} }
func Gte(col string, v any) Cond { return Cond{Column: col, Op: OpGte, Value: Value(v)} }
func Lt(col string, v any) Cond { return Cond{Column: col, Op: OpLt, Value: Value(v)} }
func IsNull(col string) Cond { return Cond{Column: col, Op: OpIsNull} }
func NotNull(col string) Cond { return Cond{Column: col, Op: OpNotNull} }

// In matches any of vals. An empty list matches nothing.
func In[T any](col string, vals ...T) Cond {
	vs := make([]any, len(vals))
	for i, v := range vals {
		vs[i] = Value(v)
	}
	return Cond{Column: col, Op: OpIn, Values: vs}
}

func (c Cond) match(r Row) bool {
	v := Value(r[c.Column])
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	case OpEq:
		return v != nil && Compare(v, c.Value) == 0
	case OpNeq:
		return v != nil && Compare(v, c.Value) != 0
	case OpGte:
		return v != nil && Compare(v, c.Value) >= 0
	case OpLt:
		return v != nil && Compare(v, c.Value) < 0
	case OpIn:
		for _, want := range c.Values {
			if v != nil && Compare(v, want) == 0 {
				return true
			}
		}
	}
	return false
}

// Filter selects rows. Every condition in All must hold; when Any is not
// empty at least one of its groups must hold entirely.
type Filter struct {
	All []Cond
	Any [][]Cond
}

// Where builds a conjunctive filter.
func Where(conds ...Cond) Filter {
	return Filter{All: conds}
}

// Or adds an alternative group of conditions.
func (f Filter) Or(group ...Cond) Filter {
	f.Any = append(append([][]Cond(nil), f.Any...), group)
	return f
}

func (f Filter) Empty() bool {
	return len(f.All) == 0 && len(f.Any) == 0
}

// Match evaluates f against r in memory.
func (f Filter) Match(r Row) bool {
	for _, c := range f.All {
		if !c.match(r) {
			return false
		}
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, group := range f.Any {
		ok := true
		for _, c := range group {
			if !c.match(r) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Columns returns every column referenced by f.
func (f Filter) Columns() []string {
	var cols []string
	for _, c := range f.All {
		cols = append(cols, c.Column)
	}
	for _, g := range f.Any {
		for _, c := range g {
			cols = append(cols, c.Column)
		}
	}
	return cols
}

type Order struct {
	Column string
	Desc   bool
}

func Asc(col string) Order { return Order{Column: col} }
func Desc(col string) Order { return Order{Column: col, Desc: true} }

// Query bundles the read parameters of a gateway call. Limit <= 0 means no
// limit.
type Query struct {
	Filter Filter
	Order  []Order
	Limit  int
}

// SortRows orders rows in place. NULLs sort first ascending, matching the
// SQL stores.
func SortRows(rows []Row, order []Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := Compare(Value(rows[i][o.Column]), Value(rows[j][o.Column]))
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Compare orders two canonical values. nil sorts before everything else;
// values of different kinds compare by their string form.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y)
		case float64:
			return cmpOrdered(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y)
		case int64:
			return cmpOrdered(x, float64(y))
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y)
		case string:
			if t, err := ParseTime(y); err == nil {
				return x.Compare(t)
			}
		}
	case string:
		if y, ok := b.(time.Time); ok {
			if t, err := ParseTime(x); err == nil {
				return t.Compare(y)
			}
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
