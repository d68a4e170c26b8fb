package containers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.mdraid.dev/mdassemble-ng/internal/containers"
)

func TestLRUCacheAddGetContains(t *testing.T) {
	c := containers.NewLRUCache[string, int](8)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Contains("a"))

	c.Add("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, c.Contains("a"))
	assert.Equal(t, 1, c.Len())
}

func TestLRUCacheRemove(t *testing.T) {
	c := containers.NewLRUCache[string, int](8)
	c.Add("a", 1)
	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestZeroValueLRUCacheIsUsable(t *testing.T) {
	var c containers.LRUCache[string, int]
	c.Add("x", 42)
	v, ok := c.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}
