package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CreateAndRelease_ReturnsToFreeList(t *testing.T) {
	p := NewPool(2)
	require.Equal(t, 2, p.Available())

	m := p.Create(Origin{URI: "/a"})
	assert.Equal(t, 1, p.Available())
	assert.NotZero(t, m.ID())

	m.Release()
	assert.Equal(t, 2, p.Available(), "last handle dropping must return the body to free")
}

func TestPool_RetainKeepsBodyAlive(t *testing.T) {
	p := NewPool(1)
	m := p.Create(Origin{URI: "/a"})
	second := m.Retain()

	m.Release()
	assert.Equal(t, 0, p.Available(), "one retained handle remains outstanding")

	second.Release()
	assert.Equal(t, 1, p.Available())
}

// TestPool_HeapFallback_WhenExhausted exercises the heap-fallback invariant:
// total live messages never exceeds pool size + heap fallbacks, because a
// Create past capacity falls back to the heap instead of failing.
func TestPool_HeapFallback_WhenExhausted(t *testing.T) {
	p := NewPool(1)
	a := p.Create(Origin{URI: "/a"})
	b := p.Create(Origin{URI: "/b"})

	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, uint32(1), p.Fallbacks())
	assert.Equal(t, 0, p.Available())

	// Releasing the fallback message must not corrupt the pooled free list.
	b.Release()
	assert.Equal(t, 0, p.Available(), "a heap fallback never joins the pooled free list")

	a.Release()
	assert.Equal(t, 1, p.Available())
}

func TestMessage_SetGetProperties(t *testing.T) {
	p := NewPool(1)
	m := p.Create(Origin{URI: "/a"})
	defer m.Release()

	m.Set("count", IntValue(42))
	v, ok := m.Get("count")
	require.True(t, ok)
	n, ok := v.Int()
	require.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestPool_Create_ClearsPropsOnReuse(t *testing.T) {
	p := NewPool(1)
	m := p.Create(Origin{URI: "/a"})
	m.Set("leftover", StringValue("stale"))
	m.Release()

	m2 := p.Create(Origin{URI: "/b"})
	_, ok := m2.Get("leftover")
	assert.False(t, ok, "a reused pooled body must not carry a prior holder's properties")
}

func TestPool_IDsAreMonotonic(t *testing.T) {
	p := NewPool(4)
	a := p.Create(Origin{})
	b := p.Create(Origin{})
	assert.Less(t, a.ID(), b.ID())
}
