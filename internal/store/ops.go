package store

import (
	"reflect"
	"strings"
	"time"
)

// FieldOp is an operation sentinel usable as a field value in SetDoc,
// UpdateDoc, Tx and Batch writes. The store resolves it at apply time.
type FieldOp struct {
	kind  opKind
	delta int64
	elems []any
}

type opKind int

const (
	opIncrement opKind = iota
	opArrayAdd
	opArrayRemove
	opServerTimestamp
	opDeleteField
)

// Increment atomically adds delta to a numeric field, treating a missing
// field as zero.
func Increment(delta int64) FieldOp {
	return FieldOp{kind: opIncrement, delta: delta}
}

// ArrayAdd appends elements to an array field, skipping ones already present.
func ArrayAdd(elems ...any) FieldOp {
	return FieldOp{kind: opArrayAdd, elems: elems}
}

// ArrayRemove removes all occurrences of the elements from an array field.
func ArrayRemove(elems ...any) FieldOp {
	return FieldOp{kind: opArrayRemove, elems: elems}
}

// ServerTimestamp resolves to the store's clock at apply time. Every
// time-ordering field must be written through this sentinel, never the
// client clock.
func ServerTimestamp() FieldOp {
	return FieldOp{kind: opServerTimestamp}
}

// DeleteField removes the field from the document.
func DeleteField() FieldOp {
	return FieldOp{kind: opDeleteField}
}

// ApplyFields merges a partial update into dst, resolving operation
// sentinels against now. Dotted keys traverse nested maps, creating them
// as needed.
func ApplyFields(dst map[string]any, fields map[string]any, now time.Time) {
	for key, value := range fields {
		applyField(dst, strings.Split(key, "."), value, now)
	}
}

func applyField(dst map[string]any, path []string, value any, now time.Time) {
	if len(path) > 1 {
		child, ok := dst[path[0]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			dst[path[0]] = child
		}
		applyField(child, path[1:], value, now)
		return
	}

	key := path[0]
	op, isOp := value.(FieldOp)
	if !isOp {
		dst[key] = cloneValue(value)
		return
	}

	switch op.kind {
	case opIncrement:
		dst[key] = toInt64(dst[key]) + op.delta
	case opArrayAdd:
		arr, _ := dst[key].([]any)
		for _, e := range op.elems {
			if !containsValue(arr, e) {
				arr = append(arr, cloneValue(e))
			}
		}
		dst[key] = arr
	case opArrayRemove:
		arr, _ := dst[key].([]any)
		kept := arr[:0]
		for _, existing := range arr {
			if !containsAny(op.elems, existing) {
				kept = append(kept, existing)
			}
		}
		dst[key] = append([]any{}, kept...)
	case opServerTimestamp:
		dst[key] = now
	case opDeleteField:
		delete(dst, key)
	}
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if valueEqual(e, v) {
			return true
		}
	}
	return false
}

func containsAny(elems []any, v any) bool {
	for _, e := range elems {
		if valueEqual(e, v) {
			return true
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	if na, ok := numeric(a); ok {
		if nb, ok := numeric(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toInt64(v any) int64 {
	n, _ := numeric(v)
	return int64(n)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
