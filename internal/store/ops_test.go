package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyFields(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("plain values overwrite", func(t *testing.T) {
		dst := map[string]any{"a": "old"}
		ApplyFields(dst, map[string]any{"a": "new", "b": int64(2)}, now)
		assert.Equal(t, "new", dst["a"])
		assert.Equal(t, int64(2), dst["b"])
	})

	t.Run("increment treats missing as zero", func(t *testing.T) {
		dst := map[string]any{}
		ApplyFields(dst, map[string]any{"n": Increment(3)}, now)
		ApplyFields(dst, map[string]any{"n": Increment(2)}, now)
		assert.Equal(t, int64(5), dst["n"])
	})

	t.Run("array add skips duplicates", func(t *testing.T) {
		dst := map[string]any{}
		ApplyFields(dst, map[string]any{"arr": ArrayAdd("x")}, now)
		ApplyFields(dst, map[string]any{"arr": ArrayAdd("x", "y")}, now)
		assert.Equal(t, []any{"x", "y"}, dst["arr"])
	})

	t.Run("array remove drops all occurrences", func(t *testing.T) {
		dst := map[string]any{"arr": []any{"x", "y", "x"}}
		ApplyFields(dst, map[string]any{"arr": ArrayRemove("x")}, now)
		assert.Equal(t, []any{"y"}, dst["arr"])
	})

	t.Run("server timestamp resolves to the store clock", func(t *testing.T) {
		dst := map[string]any{}
		ApplyFields(dst, map[string]any{"at": ServerTimestamp()}, now)
		assert.Equal(t, now, dst["at"])
	})

	t.Run("delete field removes the key", func(t *testing.T) {
		dst := map[string]any{"a": 1}
		ApplyFields(dst, map[string]any{"a": DeleteField()}, now)
		_, ok := dst["a"]
		assert.False(t, ok)
	})

	t.Run("dotted path traverses nested maps", func(t *testing.T) {
		dst := map[string]any{}
		ApplyFields(dst, map[string]any{"unreadCount.bob": Increment(1)}, now)
		nested := dst["unreadCount"].(map[string]any)
		assert.Equal(t, int64(1), nested["bob"])
	})
}

func TestFieldAt(t *testing.T) {
	fields := map[string]any{"a": map[string]any{"b": "deep"}}
	assert.Equal(t, "deep", FieldAt(fields, "a.b"))
	assert.Nil(t, FieldAt(fields, "a.b.c"))
	assert.Nil(t, FieldAt(fields, "missing"))
}
