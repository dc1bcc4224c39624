package delivery

import "github.com/localrivet/godelivery/logx"

// Statistic is a snapshot of the number of in-use instances of every
// pooled entity class.
type Statistic struct {
	Dispatchers   int
	Senders       int
	Receivers     int
	Endpoints     int
	Buses         int
	Receptions    int
	Transmissions int
	Parcels       int
	// Heartbeats is always 0: Heartbeat instances come from NewHeartbeat,
	// not from a Context pool.
	Heartbeats int
}

// Context is the pool owner for every entity class. One Context, guarded
// by a mutex when Config.Synchronized is set, serves all goroutines;
// callers that want full isolation can instead run one Context per
// goroutine and share nothing.
type Context struct {
	cfg                     Config
	fragmentContentCapacity int
	logger                  logx.Logger
	checksum                interface {
		Computer
		Verifier
	}

	parcels       *Pool[Parcel]
	dispatchers   *Pool[Dispatcher]
	senders       *Pool[Sender]
	receivers     *Pool[Receiver]
	endpoints     *Pool[Endpoint]
	buses         *Pool[Bus]
	receptions    *Pool[reception]
	transmissions *Pool[Transmission]
}

// reception is a pooled deferred-receive record, the counterpart of
// Transmission on the send side: Endpoint.Recv copies each inbound datagram
// into one and posts it to the sequencer, releasing it after decode and
// routing. Pooling the record reuses its buffer across datagrams instead of
// allocating a fresh copy per receive.
type reception struct {
	view []byte
}

// ContextOption configures a Context.
type ContextOption func(*Context)

func WithFragmentCapacity(n int) ContextOption {
	return func(c *Context) { c.cfg.FragmentCapacity = n }
}

func WithMaxFragments(n int) ContextOption {
	return func(c *Context) { c.cfg.MaxFragments = n }
}

func WithSynchronized(synchronized bool) ContextOption {
	return func(c *Context) { c.cfg.Synchronized = synchronized }
}

func WithLogger(l logx.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

func WithChecksum(cs interface {
	Computer
	Verifier
}) ContextOption {
	return func(c *Context) { c.checksum = cs }
}

// NewContext validates options and builds every pool.
func NewContext(opts ...ContextOption) (*Context, error) {
	c := &Context{
		cfg:      Config{FragmentCapacity: MaxHeaderBytes + 1, MaxFragments: DefaultMaxFragments},
		logger:   logx.Noop(),
		checksum: AsyncChecksum{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.FragmentCapacity <= MaxHeaderBytes {
		return nil, newError(ErrResourceExhaustion, "fragment_capacity %d must exceed max header size %d", c.cfg.FragmentCapacity, MaxHeaderBytes)
	}
	if c.cfg.MaxFragments > HardMaxFragments {
		return nil, newError(ErrResourceExhaustion, "max_fragments %d exceeds hard cap %d", c.cfg.MaxFragments, HardMaxFragments)
	}
	applyConfigDefaults(&c.cfg)
	c.fragmentContentCapacity = c.cfg.FragmentCapacity - MaxHeaderBytes

	c.parcels = NewPool(PoolOptions[Parcel]{
		New:          newParcel,
		Synchronized: c.cfg.Synchronized,
		Init: func(p *Parcel) {
			p.context = c
			p.init()
		},
		Cleanup: func(p *Parcel) { p.cleanup() },
	})
	c.dispatchers = NewPool(PoolOptions[Dispatcher]{
		New:          func() *Dispatcher { return &Dispatcher{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.senders = NewPool(PoolOptions[Sender]{
		New:          func() *Sender { return &Sender{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.receivers = NewPool(PoolOptions[Receiver]{
		New:          func() *Receiver { return &Receiver{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.endpoints = NewPool(PoolOptions[Endpoint]{
		New:          func() *Endpoint { return &Endpoint{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.buses = NewPool(PoolOptions[Bus]{
		New:          func() *Bus { return &Bus{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.receptions = NewPool(PoolOptions[reception]{
		New:          func() *reception { return &reception{} },
		Synchronized: c.cfg.Synchronized,
	})
	c.transmissions = NewPool(PoolOptions[Transmission]{
		New:          func() *Transmission { return &Transmission{} },
		Synchronized: c.cfg.Synchronized,
	})

	return c, nil
}

// AcquireParcel returns a fresh parcel bound to this context.
func (c *Context) AcquireParcel() *Parcel {
	return c.parcels.Acquire()
}

// AcquireEndpoint creates an Endpoint with nbuses user buses, sending
// through transport and pinging via hb.
func (c *Context) AcquireEndpoint(transport Transport, nbuses int, hb *Heartbeat, opts ...EndpointOption) *Endpoint {
	e := c.endpoints.Acquire()
	e.start(c, transport, nbuses, hb, opts...)
	return e
}

// AcquireSender creates a Sender bound to parcel, to be configured with
// AddTransmission and started with Submit.
// resultFn, if non-nil, is invoked on completion with the count of
// successful dispatches.
func (c *Context) AcquireSender(e *Endpoint, parcel *Parcel, resultFn func(successCount int)) *Sender {
	s := c.senders.Acquire()
	s.start(c, e.seq, parcel, false, resultFn)
	return s
}

func (c *Context) releaseParcel(p *Parcel) {
	c.parcels.Release(p)
}

// FragmentContentCapacity is the per-chunk payload capacity (MTU minus the
// maximum fragment header size).
func (c *Context) FragmentContentCapacity() int { return c.fragmentContentCapacity }

// MaxFragments is the configured cap on parcel chunks.
func (c *Context) MaxFragments() int { return c.cfg.MaxFragments }

// Logger returns the context's logger.
func (c *Context) Logger() logx.Logger { return c.logger }

// Statistic snapshots in-use counts across every pool.
func (c *Context) Statistic() Statistic {
	return Statistic{
		Dispatchers:   c.dispatchers.InUse(),
		Senders:       c.senders.InUse(),
		Receivers:     c.receivers.InUse(),
		Endpoints:     c.endpoints.InUse(),
		Buses:         c.buses.InUse(),
		Receptions:    c.receptions.InUse(),
		Transmissions: c.transmissions.InUse(),
		Parcels:       c.parcels.InUse(),
		Heartbeats:    0,
	}
}
