package delivery

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/localrivet/godelivery/delivery/sysbus"
)

// Transport is the outbound datagram collaborator: a gather-write of
// buffer views sent as one datagram. Inbound delivery runs the other way,
// through Endpoint.Recv.
type Transport interface {
	Send(views [][]byte) error
}

// Endpoint owns N user buses plus one system bus, and drives RTT
// measurement, clock sync, and readiness over the system bus's ping/pong
// protocol.
type Endpoint struct {
	ID uuid.UUID

	context   *Context
	transport Transport
	seq       *Sequencer

	buses     []*Bus
	systemBus *Bus

	rtt          *RTTCalculator
	clock        Clock
	timeSync     bool
	ready        atomic.Bool // written only from the sequencer, read from any goroutine via Ready()
	pingSeq      uint64
	pendingPings map[uint64]time.Time

	heartbeat *Heartbeat
	onParcel  func(bus *Bus, parcel *Parcel)
}

// EndpointOption configures an Endpoint; options are applied when the
// endpoint is acquired through Context.AcquireEndpoint.
type EndpointOption func(*Endpoint)

// WithTimeSync enables clock synchronization over the system bus.
func WithTimeSync(enabled bool) EndpointOption {
	return func(e *Endpoint) { e.timeSync = enabled }
}

// WithOnParcel installs the upward delivery callback invoked once per
// completed user-bus parcel. The callback takes ownership of the parcel's
// reference and must call Release when done with it.
func WithOnParcel(fn func(bus *Bus, parcel *Parcel)) EndpointOption {
	return func(e *Endpoint) { e.onParcel = fn }
}

func (e *Endpoint) start(ctx *Context, transport Transport, nbuses int, hb *Heartbeat, opts ...EndpointOption) {
	e.ID = uuid.New()
	e.context = ctx
	e.transport = transport
	e.seq = NewSequencer()
	e.rtt = NewRTTCalculator()
	e.clock = Clock{}
	e.timeSync = false
	e.ready.Store(false)
	e.pingSeq = 0
	e.pendingPings = make(map[uint64]time.Time)
	e.heartbeat = hb
	e.onParcel = nil

	e.systemBus = ctx.buses.Acquire()
	e.systemBus.reset(SystemBusID, e)

	e.buses = make([]*Bus, nbuses)
	for i := 0; i < nbuses; i++ {
		b := ctx.buses.Acquire()
		b.reset(UserBusWireID(i), e)
		e.buses[i] = b
	}

	for _, opt := range opts {
		opt(e)
	}
}

// Bus returns the i'th user bus (0-based).
func (e *Endpoint) Bus(i int) *Bus { return e.buses[i] }

// NumBuses reports the number of user buses.
func (e *Endpoint) NumBuses() int { return len(e.buses) }

// SystemBus returns the reserved system (ping/pong) bus.
func (e *Endpoint) SystemBus() *Bus { return e.systemBus }

// Ready reports whether a ping or pong has been observed on the system bus.
func (e *Endpoint) Ready() bool { return e.ready.Load() }

// RTT returns the endpoint's RTT calculator.
func (e *Endpoint) RTT() *RTTCalculator { return e.rtt }

// ClockOffset returns the endpoint's current clock offset.
func (e *Endpoint) ClockOffset() time.Duration { return e.clock.Offset() }

// Start registers the endpoint with the shared Heartbeat.
func (e *Endpoint) Start() {
	e.seq.Post(func() {
		if e.heartbeat != nil {
			e.heartbeat.Register(e)
		}
	})
}

// Stop unregisters from the heartbeat and stops every bus. Queued rather
// than run inline since it may race with a pipeline callback already
// executing on the sequencer.
func (e *Endpoint) Stop() {
	e.seq.Post(func() {
		if e.heartbeat != nil {
			e.heartbeat.Unregister(e)
		}
		e.systemBus.Stop()
		for _, b := range e.buses {
			b.Stop()
		}
	})
}

// Destroy releases the endpoint and its buses back to their pools and
// closes the endpoint's sequencer.
func (e *Endpoint) Destroy() {
	e.seq.Post(func() {
		e.context.buses.Release(e.systemBus)
		for _, b := range e.buses {
			e.context.buses.Release(b)
		}
		e.context.endpoints.Release(e)
		e.seq.Close()
	})
}

// Recv hands a freshly received datagram view to the endpoint for decode
// and routing. The datagram is copied into a pooled reception record before
// posting, since the transport's read buffer is typically reused
// immediately.
func (e *Endpoint) Recv(view []byte) {
	rc := e.context.receptions.Acquire()
	rc.view = append(rc.view[:0], view...)
	e.seq.Post(func() {
		e.receive(rc.view)
		e.context.receptions.Release(rc)
	})
}

func (e *Endpoint) receive(view []byte) {
	meta, n, err := DecodeMeta(view)
	if err != nil {
		e.context.logger.Debug("endpoint %s: dropping undecodable fragment: %v", e.ID, err)
		return
	}
	if int(meta.LastIndex) >= e.context.MaxFragments() {
		e.context.logger.Warn("endpoint %s: dropping fragment with last_index=%d exceeding max_fragments=%d", e.ID, meta.LastIndex, e.context.MaxFragments())
		return
	}
	content := view[n:]

	if meta.BusID == SystemBusID {
		e.systemBus.HandleFragment(meta, content)
		return
	}
	if !e.ready.Load() {
		e.context.logger.Debug("endpoint %s: dropping fragment for bus %d, not yet ready", e.ID, meta.BusID)
		return
	}
	idx := UserBusIndex(meta.BusID)
	if idx < 0 || idx >= len(e.buses) {
		e.context.logger.Warn("endpoint %s: dropping fragment for unknown bus id %d", e.ID, meta.BusID)
		return
	}
	e.buses[idx].HandleFragment(meta, content)
}

func (e *Endpoint) deliver(bus *Bus, parcel *Parcel) {
	if e.onParcel != nil {
		e.onParcel(bus, parcel)
		return
	}
	parcel.Release()
}

func (e *Endpoint) handleSystemParcel(parcel *Parcel) {
	data := make([]byte, parcel.ByteLength())
	r := NewReader(parcel)
	if _, err := r.Read(data); err != nil {
		return
	}
	if len(data) == 0 {
		return
	}

	switch sysbus.Opcode(data[0] >> 5) {
	case sysbus.OpPing:
		e.handlePing(data)
	case sysbus.OpPong:
		e.handlePong(data)
	}
}

func (e *Endpoint) handlePing(data []byte) {
	seq, timeSync, _, err := sysbus.DecodePing(data)
	if err != nil {
		return
	}
	now := e.clock.Now()
	e.sendPong(seq, timeSync && e.timeSync, now)
	e.markReady()
}

func (e *Endpoint) sendPong(seq uint64, timeSync bool, t time.Time) {
	var tval uint64
	if timeSync {
		tval = uint64(t.UnixNano())
	}
	buf := make([]byte, 1+2+8)
	n, err := sysbus.EncodePong(buf, seq, timeSync, tval)
	if err != nil {
		return
	}
	e.sendSystemParcel(buf[:n])
}

func (e *Endpoint) handlePong(data []byte) {
	seq, timeSync, tval, _, err := sysbus.DecodePong(data)
	if err != nil {
		return
	}
	sendTime, ok := e.pendingPings[seq]
	if !ok {
		return
	}
	delete(e.pendingPings, seq)

	recvTime := e.clock.Now()
	e.rtt.Submit(recvTime.Sub(sendTime))

	if e.timeSync && timeSync {
		resTime := time.Unix(0, int64(tval))
		e.clock.Sync(sendTime, resTime, resTime, recvTime)
	}
	e.markReady()
}

func (e *Endpoint) markReady() {
	e.ready.Store(true)
}

// sendPing is invoked once per Heartbeat tick.
func (e *Endpoint) sendPing() {
	e.seq.Post(func() {
		seq := e.pingSeq
		e.pingSeq++
		now := e.clock.Now()
		e.pendingPings[seq] = now

		buf := make([]byte, 1+2)
		n, err := sysbus.EncodePing(buf, seq, e.timeSync)
		if err != nil {
			return
		}
		e.sendSystemParcel(buf[:n])
	})
}

func (e *Endpoint) sendSystemParcel(content []byte) {
	p := e.context.AcquireParcel()
	w := NewWriter(p)
	if _, err := w.Write(content); err != nil {
		p.Release()
		return
	}

	s := e.context.senders.Acquire()
	s.start(e.context, e.seq, p, true, nil)
	s.AddTransmission(e.systemBus, ModeUnreliable)
	s.Submit()
	p.Release()
}

// SendTarget pairs a destination bus with a delivery mode for Endpoint.Send.
type SendTarget struct {
	Bus  *Bus
	Mode Mode
}

// Send fans parcel out to the given (bus, mode) targets and reports the
// number of successful dispatches through result, once every target has
// completed. Send takes its own reference on parcel before returning, so
// the caller may release its reference right away.
func (e *Endpoint) Send(parcel *Parcel, targets []SendTarget, result func(successCount int)) {
	parcel.Ref()
	e.seq.Post(func() {
		s := e.context.senders.Acquire()
		s.start(e.context, e.seq, parcel, false, result)
		for _, t := range targets {
			s.AddTransmission(t.Bus, t.Mode)
		}
		s.Submit()
		parcel.Release()
	})
}
