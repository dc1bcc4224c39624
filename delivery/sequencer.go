package delivery

import "sync"

// Sequencer serializes deferred callbacks onto a single owning goroutine,
// guaranteeing FIFO, non-overlapping execution. Timer callbacks,
// worker-goroutine completions, and pipeline task dispatches are all
// posted through it rather than run inline, so that
// Bus/Endpoint/Receiver/Dispatcher/Sender state is only ever touched from
// one goroutine at a time.
//
// Post never runs its argument synchronously, even when called from the
// owning goroutine itself: submission returns immediately and the task
// runs later, which also avoids unbounded call-stack growth on long
// pipelines.
type Sequencer struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed chan struct{}
}

// NewSequencer creates a Sequencer and starts its owning goroutine.
func NewSequencer() *Sequencer {
	s := &Sequencer{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Post enqueues fn to run on the sequencer's owning goroutine.
func (s *Sequencer) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the owning goroutine after draining any queued tasks.
func (s *Sequencer) Close() {
	close(s.closed)
}

func (s *Sequencer) loop() {
	for {
		fn, ok := s.pop()
		if ok {
			fn()
			continue
		}
		select {
		case <-s.wake:
		case <-s.closed:
			s.drain()
			return
		}
	}
}

func (s *Sequencer) pop() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue = s.queue[1:]
	return fn, true
}

func (s *Sequencer) drain() {
	for {
		fn, ok := s.pop()
		if !ok {
			return
		}
		fn()
	}
}
