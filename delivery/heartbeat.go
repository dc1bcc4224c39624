package delivery

import (
	"sync"
	"time"
)

// Heartbeat is a single shared timer at HeartbeatPeriod (10 Hz) fanning out
// to every registered Endpoint. Its
// subscriber set is guarded by a mutex rather than a sequencer: unlike
// Bus/Endpoint/Receiver/Dispatcher/Sender state, it is registered against
// and torn down from arbitrary endpoints' own goroutines, not a single
// owning one.
type Heartbeat struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
	ticker    *time.Ticker
	stop      chan struct{}
}

// NewHeartbeat creates an idle Heartbeat. Its timer starts on the first
// Register call and stops once the last endpoint unregisters.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{endpoints: make(map[*Endpoint]struct{})}
}

// Register subscribes e to heartbeat ticks.
func (h *Heartbeat) Register(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoints[e] = struct{}{}
	if h.ticker == nil {
		h.ticker = time.NewTicker(HeartbeatPeriod)
		h.stop = make(chan struct{})
		go h.run(h.ticker, h.stop)
	}
}

// Unregister unsubscribes e. The shared timer stops once no endpoints
// remain.
func (h *Heartbeat) Unregister(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, e)
	if len(h.endpoints) == 0 && h.ticker != nil {
		close(h.stop)
		h.ticker.Stop()
		h.ticker = nil
		h.stop = nil
	}
}

func (h *Heartbeat) run(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-stop:
			return
		}
	}
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		targets = append(targets, e)
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.sendPing()
	}
}
