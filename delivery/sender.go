package delivery

// Transmission records one (bus, mode) fan-out target for a Sender.
type Transmission struct {
	bus        *Bus
	mode       Mode
	dispatcher *Dispatcher
	completed  bool
	success    bool
}

// Sender fans one outgoing parcel out to several (bus, mode) pairs. Its
// pipeline is update_checksum -> dispatch -> complete.
type Sender struct {
	context *Context
	seq     *Sequencer

	parcel        *Parcel
	transmissions []*Transmission

	checksumSum    uint32
	checksumCancel func()

	completedCount int
	successCount   int

	canceled bool
	failed   bool
	system   bool

	resultFn func(successCount int)
	pipeline *Pipeline
}

func (s *Sender) start(ctx *Context, seq *Sequencer, parcel *Parcel, system bool, resultFn func(int)) {
	s.context = ctx
	s.seq = seq
	s.parcel = parcel.Ref()
	s.transmissions = s.transmissions[:0]
	s.checksumSum = 0
	s.checksumCancel = nil
	s.completedCount = 0
	s.successCount = 0
	s.canceled = false
	s.failed = false
	s.system = system
	s.resultFn = resultFn

	s.pipeline = NewPipeline([]Task{s.updateChecksum, s.dispatch, s.complete}, s.seq)
}

// AddTransmission queues one (bus, mode) fan-out target, to be dispatched
// once Submit is called.
func (s *Sender) AddTransmission(bus *Bus, mode Mode) {
	t := s.context.transmissions.Acquire()
	t.bus = bus
	t.mode = mode
	t.dispatcher = nil
	t.completed = false
	t.success = false
	s.transmissions = append(s.transmissions, t)
}

// Submit starts the sender's pipeline.
func (s *Sender) Submit() {
	s.pipeline.Start()
}

func (s *Sender) updateChecksum() {
	if len(s.parcel.Chunks()) < 2 {
		s.pipeline.Next()
		return
	}
	chunks := s.parcel.Chunks()
	views := make([][]byte, len(chunks))
	for i, c := range chunks {
		views[i] = c.Bytes()
	}

	s.checksumCancel = s.context.checksum.Compute(views, func(result ChecksumResult) {
		s.seq.Post(func() {
			s.checksumCancel = nil
			if s.canceled || s.failed {
				return
			}
			s.checksumSum = result.Sum
			s.pipeline.Next()
		})
	})
}

// dispatch allocates one Dispatcher per transmission record and submits it
// to its bus.
func (s *Sender) dispatch() {
	if len(s.transmissions) == 0 {
		s.pipeline.Next()
		return
	}
	for _, t := range s.transmissions {
		d := s.context.dispatchers.Acquire()
		seq := t.bus.nextSequence()
		d.start(t.bus, s, t.mode, s.parcel, seq)
		t.dispatcher = d
		t.bus.submitDispatcher(d)
	}
}

// onDispatcherResult is called once per dispatcher as it finishes, whether
// it succeeded, failed, or was canceled.
func (s *Sender) onDispatcherResult(d *Dispatcher) {
	var t *Transmission
	for _, tt := range s.transmissions {
		if tt.dispatcher == d {
			t = tt
			break
		}
	}
	if t == nil || t.completed {
		return
	}
	t.completed = true
	s.completedCount++
	if !d.failed && !d.canceled {
		t.success = true
		s.successCount++
	}
	if s.completedCount == len(s.transmissions) {
		s.pipeline.Next()
	}
}

func (s *Sender) complete() {
	if !s.canceled && !s.system && s.resultFn != nil {
		s.resultFn(s.successCount)
	}
	s.release()
}

func (s *Sender) release() {
	for _, t := range s.transmissions {
		s.context.transmissions.Release(t)
	}
	s.transmissions = s.transmissions[:0]
	s.parcel.Release()
	s.context.senders.Release(s)
}

// Cancel cancels the in-flight checksum worker task (if any) and every
// owned dispatcher, then drives the pipeline to complete.
func (s *Sender) Cancel() {
	if s.canceled {
		return
	}
	s.canceled = true
	if s.checksumCancel != nil {
		s.checksumCancel()
		s.checksumCancel = nil
	}
	for _, t := range s.transmissions {
		if t.dispatcher != nil && !t.completed {
			t.dispatcher.Cancel()
		}
	}
	s.pipeline.Finish()
}
