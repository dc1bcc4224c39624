// Package udp provides the concrete UDP socket collaborator the delivery
// layer sends through and receives from. Fragmentation, retransmission,
// sequencing and checksums all live one layer up in package delivery;
// this package owns only the datagram socket itself.
package udp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/localrivet/godelivery/delivery"
)

const (
	// DefaultMaxDatagramSize is the largest single UDP payload this
	// transport will hand to the kernel, conservative enough to avoid IP
	// fragmentation on typical paths.
	DefaultMaxDatagramSize = 1400

	// DefaultReadBufferSize sizes the per-Recv scratch buffer.
	DefaultReadBufferSize = 2048
)

// Option configures a Transport.
type Option func(*Transport)

// WithMaxDatagramSize overrides DefaultMaxDatagramSize.
func WithMaxDatagramSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxDatagramSize = n
		}
	}
}

// WithReadBufferSize overrides DefaultReadBufferSize.
func WithReadBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readBufferSize = n
		}
	}
}

// Transport is a delivery.Transport backed by a single bound/connected
// net.UDPConn. A gather-write ([][]byte) is concatenated into one
// datagram, since UDP has no native scatter-gather send; a receive loop
// decodes nothing itself, handing each complete datagram straight to the
// bound Endpoint.Recv. A listen-mode socket replies to the most recent
// peer the receive loop saw, so ACKs and pongs flow back without a
// second dial.
type Transport struct {
	conn            *net.UDPConn
	connected       bool
	maxDatagramSize int
	readBufferSize  int

	mu       sync.Mutex
	writeBuf []byte
	peer     *net.UDPAddr

	endpoint *delivery.Endpoint
	done     chan struct{}
	wg       sync.WaitGroup
}

// ListenUDP opens a UDP socket bound to laddr (server/peer side); pass
// ":0" to let the kernel pick an ephemeral port.
func ListenUDP(laddr string, opts ...Option) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %q: %w", laddr, err)
	}
	return newTransport(conn, false, opts...), nil
}

// DialUDP opens a UDP socket connected to raddr (client side): every Send
// targets raddr implicitly and the Serve loop only receives datagrams from
// it.
func DialUDP(raddr string, opts ...Option) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %w", raddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %q: %w", raddr, err)
	}
	return newTransport(conn, true, opts...), nil
}

func newTransport(conn *net.UDPConn, connected bool, opts ...Option) *Transport {
	t := &Transport{
		conn:            conn,
		connected:       connected,
		maxDatagramSize: DefaultMaxDatagramSize,
		readBufferSize:  DefaultReadBufferSize,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.writeBuf = make([]byte, t.maxDatagramSize)
	return t
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Bind attaches the Endpoint that Serve feeds received datagrams to. Must
// be called before Serve.
func (t *Transport) Bind(e *delivery.Endpoint) { t.endpoint = e }

// Send implements delivery.Transport: it concatenates views into one
// datagram and writes it in a single syscall.
func (t *Transport) Send(views [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, v := range views {
		n += len(v)
	}
	if n > t.maxDatagramSize {
		return fmt.Errorf("udp: datagram of %d bytes exceeds max %d", n, t.maxDatagramSize)
	}
	if cap(t.writeBuf) < n {
		t.writeBuf = make([]byte, n)
	}
	buf := t.writeBuf[:0]
	for _, v := range views {
		buf = append(buf, v...)
	}
	if t.connected {
		_, err := t.conn.Write(buf)
		return err
	}
	if t.peer == nil {
		return fmt.Errorf("udp: no peer known yet; nothing received on listen socket")
	}
	_, err := t.conn.WriteToUDP(buf, t.peer)
	return err
}

// Serve runs the receive loop on the calling goroutine until Close is
// called, handing each datagram to the bound Endpoint.
func (t *Transport) Serve() error {
	if t.endpoint == nil {
		return fmt.Errorf("udp: Serve called before Bind")
	}
	buf := make([]byte, t.readBufferSize)
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var n int
		var addr *net.UDPAddr
		var err error
		if t.connected {
			n, err = t.conn.Read(buf)
		} else {
			n, addr, err = t.conn.ReadFromUDP(buf)
		}
		select {
		case <-t.done:
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if addr != nil {
			t.mu.Lock()
			t.peer = addr
			t.mu.Unlock()
		}
		t.endpoint.Recv(buf[:n])
	}
}

// ServeAsync runs Serve on a new goroutine and returns immediately.
func (t *Transport) ServeAsync() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_ = t.Serve()
	}()
}

// Close stops Serve and closes the underlying socket.
func (t *Transport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
