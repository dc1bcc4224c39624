package delivery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type poolItem struct {
	initialized bool
	cleaned     bool
}

func TestPoolAcquireReleaseReusesSlot(t *testing.T) {
	var created int
	p := NewPool(PoolOptions[poolItem]{
		New: func() *poolItem { created++; return &poolItem{} },
		Init: func(v *poolItem) {
			v.initialized = true
			v.cleaned = false
		},
		Cleanup: func(v *poolItem) { v.cleaned = true },
	})

	a := p.Acquire()
	require.True(t, a.initialized)
	require.Equal(t, 1, created)
	require.Equal(t, 1, p.InUse())

	p.Release(a)
	require.True(t, a.cleaned)
	require.Equal(t, 0, p.InUse())

	b := p.Acquire()
	require.Same(t, a, b) // reused from the free list, not reallocated
	require.Equal(t, 1, created)
}

func TestPoolGenerationDistinguishesReacquire(t *testing.T) {
	p := NewPool(PoolOptions[poolItem]{New: func() *poolItem { return &poolItem{} }})

	a := p.Acquire()
	g1 := p.Generation(a)
	p.Release(a)

	b := p.Acquire()
	g2 := p.Generation(b)

	require.Same(t, a, b)
	require.Greater(t, g2, g1)
}

func TestPoolSynchronizedAllowsConcurrentAcquire(t *testing.T) {
	p := NewPool(PoolOptions[poolItem]{
		New:          func() *poolItem { return &poolItem{} },
		Synchronized: true,
	})

	done := make(chan *poolItem, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- p.Acquire() }()
	}
	seen := make(map[*poolItem]bool)
	for i := 0; i < 8; i++ {
		v := <-done
		require.False(t, seen[v], "same slot handed out twice concurrently")
		seen[v] = true
	}
	require.Equal(t, 8, p.InUse())
}
