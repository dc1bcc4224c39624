// Package websocket provides a second concrete delivery.Transport,
// framing one gather-write as one binary WebSocket message over
// github.com/gorilla/websocket.
package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/localrivet/godelivery/delivery"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Transport is a delivery.Transport backed by one gorilla/websocket
// connection. Every Send writes exactly one binary message built by
// streaming each view through the connection's NextWriter, avoiding a
// concatenation copy; every complete inbound binary message is handed to
// the bound Endpoint's Recv unmodified.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	endpoint *delivery.Endpoint
	done     chan struct{}
	wg       sync.WaitGroup
}

// Upgrade upgrades an inbound HTTP request to a WebSocket connection
// (server side).
func Upgrade(w http.ResponseWriter, r *http.Request) (*Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: upgrade: %w", err)
	}
	return newTransport(conn), nil
}

// Dial opens a client-side WebSocket connection to url.
func Dial(url string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %q: %w", url, err)
	}
	return newTransport(conn), nil
}

func newTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn, done: make(chan struct{})}
}

// Bind attaches the Endpoint that Serve feeds received messages to. Must
// be called before Serve.
func (t *Transport) Bind(e *delivery.Endpoint) { t.endpoint = e }

// Send implements delivery.Transport: one call is one binary WebSocket
// message, its frames written straight from each view with no
// intermediate concatenation.
func (t *Transport) Send(views [][]byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	for _, v := range views {
		if _, err := w.Write(v); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// Serve runs the receive loop on the calling goroutine until Close,
// handing each complete binary message to the bound Endpoint.
func (t *Transport) Serve() error {
	if t.endpoint == nil {
		return fmt.Errorf("websocket: Serve called before Bind")
	}
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		msgType, data, err := t.conn.ReadMessage()
		select {
		case <-t.done:
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.endpoint.Recv(data)
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

// Close stops Serve and closes the underlying connection.
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
