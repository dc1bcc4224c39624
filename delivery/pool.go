package delivery

import "sync"

// Pool is a generation-checked object pool: Acquire hands out a pointer
// and bumps that pointer's generation counter; Release runs cleanup and
// returns it to the free list. Generation lets a test assert
// that a released-and-reacquired object is a distinct logical instance even
// though its address was recycled.
type Pool[T any] struct {
	mu           sync.Mutex
	synchronized bool
	newFn        func() *T
	initFn       func(*T)
	cleanupFn    func(*T)
	free         []*T
	generation   map[*T]uint64
	inUse        int
}

// PoolOptions configures a Pool.
type PoolOptions[T any] struct {
	New          func() *T // required
	Init         func(*T)  // optional, run on every Acquire
	Cleanup      func(*T)  // optional, run on every Release
	Synchronized bool      // guard Acquire/Release with a mutex
}

// NewPool creates a Pool. Synchronized controls whether Acquire/Release take
// a lock; the root Context's "synchronized" config flows
// straight into this flag.
func NewPool[T any](opts PoolOptions[T]) *Pool[T] {
	return &Pool[T]{
		synchronized: opts.Synchronized,
		newFn:        opts.New,
		initFn:       opts.Init,
		cleanupFn:    opts.Cleanup,
		generation:   make(map[*T]uint64),
	}
}

func (p *Pool[T]) lock() {
	if p.synchronized {
		p.mu.Lock()
	}
}

func (p *Pool[T]) unlock() {
	if p.synchronized {
		p.mu.Unlock()
	}
}

// Acquire returns a value from the free list, or a freshly allocated one.
func (p *Pool[T]) Acquire() *T {
	p.lock()
	defer p.unlock()

	var v *T
	if n := len(p.free); n > 0 {
		v = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		v = p.newFn()
	}
	p.generation[v]++
	p.inUse++
	if p.initFn != nil {
		p.initFn(v)
	}
	return v
}

// Release runs cleanup and returns v to the free list.
func (p *Pool[T]) Release(v *T) {
	p.lock()
	defer p.unlock()

	if p.cleanupFn != nil {
		p.cleanupFn(v)
	}
	p.free = append(p.free, v)
	p.inUse--
}

// InUse reports how many values are currently checked out.
func (p *Pool[T]) InUse() int {
	p.lock()
	defer p.unlock()
	return p.inUse
}

// Generation reports how many times v has been acquired, for tests that
// need to distinguish a freshly reacquired slot from its previous tenant.
func (p *Pool[T]) Generation(v *T) uint64 {
	p.lock()
	defer p.unlock()
	return p.generation[v]
}
