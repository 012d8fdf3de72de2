package store

import (
	"sort"
	"strings"
	"time"
)

// FilterOp is a query comparison operator.
type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpIn            FilterOp = "in"
	OpArrayContains FilterOp = "array-contains"
)

// Filter is one query predicate.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Order is one sort key.
type Order struct {
	Field      string
	Descending bool
}

// Query describes a filtered, ordered read over one topic.
type Query struct {
	Topic   Topic
	Filters []Filter
	OrderBy []Order
	Limit   int
}

// Where appends an equality-style filter.
func (q Query) Where(field string, op FilterOp, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// SortBy appends a sort key.
func (q Query) SortBy(field string, descending bool) Query {
	q.OrderBy = append(q.OrderBy, Order{Field: field, Descending: descending})
	return q
}

// NewQuery starts a query on a topic.
func NewQuery(topic Topic) Query {
	return Query{Topic: topic}
}

// Matches reports whether a document satisfies every filter.
func (q Query) Matches(d *Doc) bool {
	for _, f := range q.Filters {
		if !matchFilter(d, f) {
			return false
		}
	}
	return true
}

// FieldDocID is the pseudo-field addressing the document id in filters.
const FieldDocID = "_id"

func matchFilter(d *Doc, f Filter) bool {
	var value any
	if f.Field == FieldDocID {
		value = d.ID
	} else {
		value = FieldAt(d.Fields, f.Field)
	}
	switch f.Op {
	case OpEqual:
		return valueEqual(value, f.Value)
	case OpIn:
		choices, ok := f.Value.([]any)
		if !ok {
			return false
		}
		return containsValue(choices, value)
	case OpArrayContains:
		arr, ok := value.([]any)
		if !ok {
			return false
		}
		return containsValue(arr, f.Value)
	default:
		return false
	}
}

// Apply filters, orders and limits docs according to the query. It never
// mutates the input slice.
func (q Query) Apply(docs []Doc) []Doc {
	out := make([]Doc, 0, len(docs))
	for i := range docs {
		if q.Matches(&docs[i]) {
			out = append(out, docs[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			c := compareValues(FieldAt(out[i].Fields, o.Field), FieldAt(out[j].Fields, o.Field))
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		// Deterministic fallback so identical inputs produce identical order.
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// FieldAt resolves a dotted field path against nested maps.
func FieldAt(fields map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = fields
	for _, p := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[p]
	}
	return current
}

func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb)
	}
	ba, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ba == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	}
	return 0
}
