package delivery

import "time"

// Dispatcher is the send-side controller for one outgoing parcel on one
// bus. Its pipeline is dispatch -> complete.
type Dispatcher struct {
	context  *Context
	bus      *Bus
	endpoint *Endpoint
	seq      *Sequencer
	sender   *Sender

	mode     Mode
	parcel   *Parcel
	sequence uint64

	fragments  []Fragment
	ackedCount int

	checksumMode ChecksumMode
	checksumSum  uint32

	canceled bool
	failed   bool

	resendTicker *time.Ticker
	resendStop   chan struct{}

	pipeline *Pipeline
}

func (d *Dispatcher) start(bus *Bus, sender *Sender, mode Mode, parcel *Parcel, sequence uint64) {
	d.context = bus.context
	d.bus = bus
	d.endpoint = bus.endpoint
	d.seq = bus.endpoint.seq
	d.sender = sender
	d.mode = mode
	d.parcel = parcel.Ref()
	d.sequence = sequence
	d.canceled = false
	d.failed = false
	d.ackedCount = 0
	d.resendTicker = nil
	d.resendStop = nil

	chunks := parcel.Chunks()
	n := len(chunks)
	switch {
	case n < 2:
		d.checksumMode = ChecksumNone
	case chunks[n-1].Remaining() >= ChecksumBytes:
		d.checksumMode = ChecksumEmbedded
	default:
		d.checksumMode = ChecksumExtra
	}
	d.checksumSum = sender.checksumSum

	total := n
	if d.checksumMode == ChecksumExtra {
		total = n + 1
	}
	d.fragments = make([]Fragment, total)
	for i, c := range chunks {
		d.fragments[i] = Fragment{Content: c.Bytes()}
	}
	if d.checksumMode == ChecksumExtra {
		sumBuf := make([]byte, ChecksumBytes)
		PutChecksum(sumBuf, d.checksumSum)
		d.fragments[n] = Fragment{Content: sumBuf}
	}

	d.pipeline = NewPipeline([]Task{d.dispatch, d.complete}, d.seq)
}

func (d *Dispatcher) dispatch() {
	if !d.sendAll() {
		return
	}
	if d.mode != ModeReliable {
		d.pipeline.Next()
		return
	}
	d.armResendTimer()
}

func (d *Dispatcher) sendAll() bool {
	for i, f := range d.fragments {
		if f.Acked {
			continue
		}
		if !d.sendFragment(i) {
			d.failed = true
			d.pipeline.Finish()
			return false
		}
	}
	return true
}

func (d *Dispatcher) sendFragment(i int) bool {
	last := len(d.fragments) - 1
	meta := FragmentMeta{
		Type:          d.mode.DataType(),
		BusID:         d.bus.wireID(),
		FragmentIndex: uint16(i),
		LastIndex:     uint16(last),
		Sequence:      d.sequence,
	}
	metaBuf := make([]byte, EncodedSize(meta))
	if _, err := EncodeMeta(meta, metaBuf); err != nil {
		return false
	}

	views := make([][]byte, 0, 3)
	views = append(views, metaBuf, d.fragments[i].Content)
	if i == last && d.checksumMode == ChecksumEmbedded {
		sumBuf := make([]byte, ChecksumBytes)
		PutChecksum(sumBuf, d.checksumSum)
		views = append(views, sumBuf)
	}
	return d.endpoint.transport.Send(views) == nil
}

func (d *Dispatcher) armResendTimer() {
	period := ResendPeriod(d.bus.endpoint.rtt.Mean())
	d.resendTicker = time.NewTicker(period)
	d.resendStop = make(chan struct{})
	ticker := d.resendTicker
	stop := d.resendStop
	go func() {
		for {
			select {
			case <-ticker.C:
				d.seq.Post(d.resend)
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
}

func (d *Dispatcher) stopResendTimer() {
	if d.resendStop != nil {
		close(d.resendStop)
		d.resendStop = nil
	}
	d.resendTicker = nil
}

// resend reruns the send of every non-ACKed fragment on resend-timer tick.
func (d *Dispatcher) resend() {
	if d.canceled || d.failed || d.mode != ModeReliable {
		return
	}
	d.sendAll()
}

// handleAck marks the fragment at meta.FragmentIndex ACKed, advancing the
// pipeline once every fragment is ACKed.
func (d *Dispatcher) handleAck(meta FragmentMeta) {
	idx := int(meta.FragmentIndex)
	if idx < 0 || idx >= len(d.fragments) || d.fragments[idx].Acked {
		return
	}
	d.fragments[idx].Acked = true
	d.ackedCount++
	if d.ackedCount == len(d.fragments) {
		d.stopResendTimer()
		d.pipeline.Next()
	}
}

func (d *Dispatcher) complete() {
	d.stopResendTimer()
	d.sender.onDispatcherResult(d)
	if !d.canceled {
		d.bus.onDispatcherCompleted(d)
	}
	d.parcel.Release()
	d.context.dispatchers.Release(d)
}

// Cancel is idempotent.
func (d *Dispatcher) Cancel() {
	if d.canceled {
		return
	}
	d.canceled = true
	d.stopResendTimer()
	d.pipeline.Finish()
}
