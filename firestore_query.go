package db

import (
	"fmt"
	"reflect"

	"cloud.google.com/go/firestore"
)

// Firestore filter operators.
const (
	OpEqual            = "=="
	OpNotEqual         = "!="
	OpLess             = "<"
	OpLessOrEqual      = "<="
	OpGreater          = ">"
	OpGreaterOrEqual   = ">="
	OpIn               = "in"
	OpNotIn            = "not-in"
	OpArrayContains    = "array-contains"
	OpArrayContainsAny = "array-contains-any"
)

var validOps = map[string]bool{
	OpEqual: true, OpNotEqual: true,
	OpLess: true, OpLessOrEqual: true,
	OpGreater: true, OpGreaterOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpArrayContains: true, OpArrayContainsAny: true,
}

// listOps take a slice operand.
var listOps = map[string]bool{OpIn: true, OpNotIn: true, OpArrayContainsAny: true}

// Filter is one where clause.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Order is one order-by clause.
type Order struct {
	Field string
	Desc  bool
}

// QuerySpec is a backend-neutral description of a Firestore query. The zero
// value selects every document of a collection.
type QuerySpec struct {
	Where      []Filter
	OrderBy    []Order
	Limit      int
	Offset     int
	StartAfter []any
	Select     []string
}

// QueryBuilder assembles a QuerySpec by chaining.
//
//	spec := db.NewQuery().Where("age", ">=", 18).OrderBy("age", true).Limit(10).Spec()
type QueryBuilder struct {
	spec QuerySpec
}

// NewQuery starts an empty query.
func NewQuery() *QueryBuilder {
	return &QueryBuilder{}
}

// Where adds a filter.
func (b *QueryBuilder) Where(field, op string, value any) *QueryBuilder {
	b.spec.Where = append(b.spec.Where, Filter{Field: field, Op: op, Value: value})
	return b
}

// OrderBy adds an ordering. desc selects descending order.
func (b *QueryBuilder) OrderBy(field string, desc bool) *QueryBuilder {
	b.spec.OrderBy = append(b.spec.OrderBy, Order{Field: field, Desc: desc})
	return b
}

// Limit caps the number of results. Zero means no limit.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.spec.Limit = n
	return b
}

// Offset skips the first n results.
func (b *QueryBuilder) Offset(n int) *QueryBuilder {
	b.spec.Offset = n
	return b
}

// StartAfter starts results after the given order-by field values.
func (b *QueryBuilder) StartAfter(values ...any) *QueryBuilder {
	b.spec.StartAfter = values
	return b
}

// Select restricts returned fields.
func (b *QueryBuilder) Select(fields ...string) *QueryBuilder {
	b.spec.Select = fields
	return b
}

// Spec returns a copy of the assembled spec.
func (b *QueryBuilder) Spec() QuerySpec {
	out := b.spec
	out.Where = append([]Filter(nil), b.spec.Where...)
	out.OrderBy = append([]Order(nil), b.spec.OrderBy...)
	return out
}

// isListValue reports whether v is a slice or array the SDK will send as an
// array value. []byte is stored as bytes, not as a list.
func isListValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv.Type().Elem().Kind() != reflect.Uint8
	default:
		return false
	}
}

// Validate checks the spec without touching the SDK.
func (q QuerySpec) Validate() error {
	for i, f := range q.Where {
		if f.Field == "" {
			return fmt.Errorf("where[%d]: field must not be empty", i)
		}
		if !validOps[f.Op] {
			return fmt.Errorf("where[%d]: unsupported operator %q", i, f.Op)
		}
		if listOps[f.Op] && !isListValue(f.Value) {
			return fmt.Errorf("where[%d]: operator %q needs a list value", i, f.Op)
		}
	}
	for i, o := range q.OrderBy {
		if o.Field == "" {
			return fmt.Errorf("orderBy[%d]: field must not be empty", i)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must be non-negative, got %d", q.Limit)
	}
	if q.Offset < 0 {
		return fmt.Errorf("offset must be non-negative, got %d", q.Offset)
	}
	if len(q.StartAfter) > 0 && len(q.StartAfter) > len(q.OrderBy) {
		return fmt.Errorf("startAfter has %d values but only %d orderBy clauses", len(q.StartAfter), len(q.OrderBy))
	}
	return nil
}

// apply translates the spec onto a Firestore query.
func (q QuerySpec) apply(base firestore.Query) firestore.Query {
	out := base
	if len(q.Select) > 0 {
		out = out.Select(q.Select...)
	}
	for _, f := range q.Where {
		out = out.Where(f.Field, f.Op, f.Value)
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		out = out.OrderBy(o.Field, dir)
	}
	if len(q.StartAfter) > 0 {
		out = out.StartAfter(q.StartAfter...)
	}
	if q.Offset > 0 {
		out = out.Offset(q.Offset)
	}
	if q.Limit > 0 {
		out = out.Limit(q.Limit)
	}
	return out
}

// String renders the spec for log lines.
func (q QuerySpec) String() string {
	return fmt.Sprintf("where=%v orderBy=%v limit=%d offset=%d", q.Where, q.OrderBy, q.Limit, q.Offset)
}
