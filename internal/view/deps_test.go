package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type window struct {
	Days int
	Tags []string
}

func TestSame(t *testing.T) {
	tags := []string{"a"}
	m := map[string]int{"a": 1}
	p := &window{}

	assert.True(t, same(nil, nil))
	assert.False(t, same(nil, 1))
	assert.True(t, same(7, 7))
	assert.False(t, same(7, int64(7)))
	assert.True(t, same("7d", "7d"))
	assert.True(t, same(tags, tags))
	assert.False(t, same(tags, []string{"a"}))
	assert.True(t, same(m, m))
	assert.True(t, same(p, p))
	assert.False(t, same(p, &window{}))
	assert.False(t, same(window{Days: 1}, window{Days: 1}), "non-comparable structs count as changed")
	assert.True(t, same(struct{ A int }{1}, struct{ A int }{1}))
}

func TestSameDeps(t *testing.T) {
	assert.True(t, sameDeps(nil, nil))
	assert.True(t, sameDeps([]any{1, "x"}, []any{1, "x"}))
	assert.False(t, sameDeps([]any{1}, []any{1, 2}))
	assert.False(t, sameDeps([]any{1, "x"}, []any{1, "y"}))
}
