package delivery

import "time"

// Receiver reassembles one incoming parcel on one bus. Its pipeline is
// wait_fragments -> verify_checksum -> complete.
type Receiver struct {
	context *Context
	bus     *Bus
	seq     *Sequencer

	mode      Mode
	sequence  uint64
	fragments [][]byte
	recvCount int

	expiresAt time.Time
	heapIndex int

	canceled bool
	failed   bool

	pipeline       *Pipeline
	checksumCancel func()

	embeddedChecksum    uint32
	hasEmbeddedChecksum bool
}

func (r *Receiver) start(bus *Bus, meta FragmentMeta) {
	r.context = bus.context
	r.bus = bus
	r.seq = bus.endpoint.seq
	r.mode = Mode(meta.Type)
	r.sequence = meta.Sequence
	r.fragments = make([][]byte, int(meta.LastIndex)+1)
	r.recvCount = 0
	r.canceled = false
	r.failed = false
	r.heapIndex = -1
	r.hasEmbeddedChecksum = false

	r.pipeline = NewPipeline([]Task{r.waitFragments, r.verifyChecksum, r.complete}, r.seq)
	r.pipeline.Start()
}

// matches reports whether an already-existing receiver's meta (mode,
// fragment count) is consistent with a newly arrived fragment claiming the
// same sequence.
func (r *Receiver) matches(meta FragmentMeta) bool {
	return r.mode == Mode(meta.Type) && len(r.fragments) == int(meta.LastIndex)+1
}

func (r *Receiver) waitFragments() {
	if r.mode != ModeReliable {
		r.expiresAt = time.Now().Add(ExpiryPeriod(r.bus.endpoint.rtt.Mean()))
		r.bus.receiverHeap.push(r)
	}
	// No explicit advance here; addFragment calls Next once all fragments
	// have arrived.
}

// addFragment attaches one fragment's content at meta.FragmentIndex.
// Duplicate fragment_index values are ignored.
func (r *Receiver) addFragment(meta FragmentMeta, content []byte) {
	idx := int(meta.FragmentIndex)
	if idx >= len(r.fragments) || r.fragments[idx] != nil {
		return
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	r.fragments[idx] = cp
	r.recvCount++
	if r.recvCount == len(r.fragments) {
		r.pipeline.Next()
	}
}

// verifyChecksum is skipped for single-fragment parcels; otherwise the
// last fragment's trailing ChecksumBytes are treated as the embedded
// checksum and a worker task computes the checksum over the (shrunk)
// fragment contents.
func (r *Receiver) verifyChecksum() {
	if len(r.fragments) < 2 {
		r.pipeline.Next()
		return
	}

	last := r.fragments[len(r.fragments)-1]
	if len(last) < ChecksumBytes {
		r.failed = true
		r.pipeline.Finish()
		return
	}
	split := len(last) - ChecksumBytes
	r.embeddedChecksum = GetChecksum(last[split:])
	r.hasEmbeddedChecksum = true
	r.fragments[len(r.fragments)-1] = last[:split]

	chunks := make([][]byte, len(r.fragments))
	copy(chunks, r.fragments)
	expected := r.embeddedChecksum

	r.checksumCancel = r.context.checksum.Verify(chunks, expected, func(result ChecksumResult) {
		r.seq.Post(func() {
			r.checksumCancel = nil
			if r.canceled || r.failed {
				return
			}
			if !result.Matched {
				r.failed = true
				r.pipeline.Finish()
				return
			}
			r.pipeline.Next()
		})
	})
}

func (r *Receiver) complete() {
	if r.canceled {
		r.context.receivers.Release(r)
		return
	}
	r.bus.removeReceiver(r)
	r.bus.handleReceiverComplete(r)
	r.context.receivers.Release(r)
}

// Cancel is idempotent.
func (r *Receiver) Cancel() {
	if r.canceled {
		return
	}
	r.canceled = true
	r.bus.removeReceiver(r)
	if r.checksumCancel != nil {
		r.checksumCancel()
		r.checksumCancel = nil
	}
	r.pipeline.Finish()
}

// Failed reports whether checksum verification marked this receiver as
// failed, either on a checksum mismatch or because the last fragment was
// too short to carry the checksum.
func (r *Receiver) Failed() bool { return r.failed }

// Sequence is the parcel sequence this receiver is reassembling.
func (r *Receiver) Sequence() uint64 { return r.sequence }

// Mode is the delivery mode this receiver is reassembling under.
func (r *Receiver) Mode() Mode { return r.mode }

// buildParcel materializes the reassembled fragments into a Parcel,
// copying each fragment's content into its own Buffer and adopting those
// buffers as the parcel's chunks.
func (r *Receiver) buildParcel() *Parcel {
	p := r.context.AcquireParcel()
	bufs := make([]*Buffer, len(r.fragments))
	lens := make([]int, len(r.fragments))
	for i, content := range r.fragments {
		b := NewBuffer(len(content))
		copy(b.Data, content)
		bufs[i] = b
		lens[i] = len(content)
	}
	p.setFragments(bufs, lens)
	for _, b := range bufs {
		b.Unref() // setFragments took its own ref; drop the constructor's
	}
	return p
}
