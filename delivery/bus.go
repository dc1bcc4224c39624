package delivery

import "time"

// Bus is one logical channel on an Endpoint: bus id 0 is the system bus,
// user bus index i (0-based) carries wire id i+1.
type Bus struct {
	id       uint16
	context  *Context
	endpoint *Endpoint

	pendingDispatchers           []*Dispatcher
	incompleteReliableDispatcher *Dispatcher

	receiversBySeq             map[uint64]*Receiver
	receiverHeap               receiverHeap
	incompleteReliableReceiver *Receiver

	lastRecvReliableSequence  uint64
	lastRecvSequencedSequence uint64
	sequenceGenerator         uint64

	processing  bool
	stop        bool
	stopPending bool
}

func (b *Bus) reset(id uint16, endpoint *Endpoint) {
	b.id = id
	b.context = endpoint.context
	b.endpoint = endpoint
	b.pendingDispatchers = nil
	b.incompleteReliableDispatcher = nil
	b.receiversBySeq = make(map[uint64]*Receiver)
	b.receiverHeap = nil
	b.incompleteReliableReceiver = nil
	b.lastRecvReliableSequence = 0
	b.lastRecvSequencedSequence = 0
	b.sequenceGenerator = 0
	b.processing = false
	b.stop = false
	b.stopPending = false
}

// ID returns the bus's wire id.
func (b *Bus) ID() uint16 { return b.id }

func (b *Bus) wireID() uint16 { return b.id }

func (b *Bus) nextSequence() uint64 {
	b.sequenceGenerator++
	return b.sequenceGenerator
}

// HandleFragment is the receive-side entry point for decoded fragments.
func (b *Bus) HandleFragment(meta FragmentMeta, content []byte) {
	b.cleanupExpiredReceivers()

	if meta.Type == FragmentTypeAck {
		b.handleAck(meta)
		return
	}

	if meta.Type == FragmentTypeReliable {
		if b.incompleteReliableReceiver != nil && meta.Sequence != b.lastRecvReliableSequence {
			b.context.logger.Debug("bus %d: dropping reliable fragment seq=%d, reassembly in progress for seq=%d", b.id, meta.Sequence, b.lastRecvReliableSequence)
			return
		}
		if b.incompleteReliableReceiver == nil && meta.Sequence == b.lastRecvReliableSequence {
			b.replyAck(meta)
			return
		}
	}

	if meta.Type == FragmentTypeSequenced && meta.Sequence < b.lastRecvSequencedSequence {
		b.context.logger.Debug("bus %d: dropping stale sequenced fragment seq=%d, last=%d", b.id, meta.Sequence, b.lastRecvSequencedSequence)
		return
	}

	r, existing := b.receiversBySeq[meta.Sequence]
	if existing {
		if !r.matches(meta) {
			b.context.logger.Warn("bus %d: fragment seq=%d meta mismatch against in-flight receiver, dropping", b.id, meta.Sequence)
			return
		}
	} else {
		r = b.context.receivers.Acquire()
		r.start(b, meta)
		b.receiversBySeq[meta.Sequence] = r
		if meta.Type == FragmentTypeReliable {
			b.incompleteReliableReceiver = r
			b.lastRecvReliableSequence = meta.Sequence
		}
	}

	if meta.Type == FragmentTypeReliable {
		b.replyAck(meta)
	}

	r.addFragment(meta, content)
}

func (b *Bus) cleanupExpiredReceivers() {
	now := time.Now()
	for {
		top := b.receiverHeap.peek()
		if top == nil || top.expiresAt.After(now) {
			return
		}
		top.Cancel()
	}
}

func (b *Bus) replyAck(meta FragmentMeta) {
	ack := meta
	ack.Type = FragmentTypeAck
	buf := make([]byte, EncodedSize(ack))
	if _, err := EncodeMeta(ack, buf); err != nil {
		return
	}
	_ = b.endpoint.transport.Send([][]byte{buf})
}

func (b *Bus) removeReceiver(r *Receiver) {
	if b.receiversBySeq[r.sequence] == r {
		delete(b.receiversBySeq, r.sequence)
	}
	b.receiverHeap.remove(r)
	if b.incompleteReliableReceiver == r {
		b.incompleteReliableReceiver = nil
	}
}

// handleReceiverComplete delivers a finished receiver's parcel upward.
// Ownership of parcel's reference passes to Endpoint.deliver on the
// successful user-bus path; every other path releases it here.
func (b *Bus) handleReceiverComplete(r *Receiver) {
	if r.Failed() {
		b.context.logger.Warn("bus %d: receiver seq=%d failed checksum verification, dropping", b.id, r.sequence)
		return
	}
	parcel := r.buildParcel()

	if b.id == SystemBusID {
		b.endpoint.handleSystemParcel(parcel)
		parcel.Release()
		return
	}

	if r.Mode() == ModeSequenced {
		if r.Sequence() < b.lastRecvSequencedSequence {
			parcel.Release()
			return
		}
		b.lastRecvSequencedSequence = r.Sequence()
	}

	b.endpoint.deliver(b, parcel)
}

// submitDispatcher enqueues d in FIFO order and drives the send-side
// admission loop.
func (b *Bus) submitDispatcher(d *Dispatcher) {
	b.pendingDispatchers = append(b.pendingDispatchers, d)
	b.processSending()
}

func (b *Bus) processSending() {
	b.processing = true
	for b.incompleteReliableDispatcher == nil && !b.stop && len(b.pendingDispatchers) > 0 {
		d := b.pendingDispatchers[0]
		b.pendingDispatchers = b.pendingDispatchers[1:]
		if d.mode == ModeReliable {
			b.incompleteReliableDispatcher = d
			d.pipeline.Start()
			break
		}
		d.pipeline.Start()
	}
	b.processing = false
	if b.stopPending {
		b.stopPending = false
		b.doStop()
	}
}

func (b *Bus) onDispatcherCompleted(d *Dispatcher) {
	if b.incompleteReliableDispatcher == d {
		b.incompleteReliableDispatcher = nil
	}
	b.processSending()
}

// handleAck accepts an ACK only when it matches the bus's current
// incomplete reliable dispatcher.
func (b *Bus) handleAck(meta FragmentMeta) {
	d := b.incompleteReliableDispatcher
	if d == nil || d.sequence != meta.Sequence {
		return
	}
	d.handleAck(meta)
}

// Stop tears down every pending/in-flight dispatcher and receiver. It
// defers to the end of an in-progress
// processSending loop rather than run reentrantly.
func (b *Bus) Stop() {
	if b.processing {
		b.stopPending = true
		return
	}
	b.doStop()
}

func (b *Bus) doStop() {
	b.stop = true
	pending := b.pendingDispatchers
	b.pendingDispatchers = nil
	for _, d := range pending {
		d.Cancel()
	}
	if b.incompleteReliableDispatcher != nil {
		d := b.incompleteReliableDispatcher
		b.incompleteReliableDispatcher = nil
		d.Cancel()
	}
	receivers := b.receiversBySeq
	b.receiversBySeq = make(map[uint64]*Receiver)
	b.receiverHeap = nil
	b.incompleteReliableReceiver = nil
	for _, r := range receivers {
		r.Cancel()
	}
	b.lastRecvReliableSequence = 0
	b.lastRecvSequencedSequence = 0
	b.sequenceGenerator = 0
	// Clear every flag so a stopped bus accepts work again.
	b.stop = false
}
