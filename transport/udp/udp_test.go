package udp

import (
	"testing"
	"time"

	"github.com/localrivet/godelivery/delivery"
)

func newTestEndpoint(t *testing.T, tr delivery.Transport, onParcel func(bus *delivery.Bus, p *delivery.Parcel)) (*delivery.Context, *delivery.Endpoint) {
	t.Helper()
	ctx, err := delivery.NewContext(delivery.WithFragmentCapacity(256))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	hb := delivery.NewHeartbeat()
	return ctx, ctx.AcquireEndpoint(tr, 1, hb, delivery.WithOnParcel(onParcel))
}

// TestUDPTransportSendRecv drives two real UDP sockets end to end: a
// client endpoint reliably sends one parcel, the server endpoint
// reassembles and delivers it upward with the exact bytes intact.
func TestUDPTransportSendRecv(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP server: %v", err)
	}
	defer server.Close()

	client, err := DialUDP(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP client: %v", err)
	}
	defer client.Close()

	done := make(chan []byte, 1)
	_, serverEndpoint := newTestEndpoint(t, server, func(bus *delivery.Bus, p *delivery.Parcel) {
		data := make([]byte, p.ByteLength())
		r := delivery.NewReader(p)
		_, _ = r.Read(data)
		p.Release()
		done <- data
	})
	server.Bind(serverEndpoint)
	server.ServeAsync()
	serverEndpoint.Start()

	clientCtx, clientEndpoint := newTestEndpoint(t, client, func(bus *delivery.Bus, p *delivery.Parcel) { p.Release() })
	client.Bind(clientEndpoint)
	client.ServeAsync()
	clientEndpoint.Start()

	time.Sleep(250 * time.Millisecond) // let a heartbeat ping/pong round trip mark both sides ready

	payload := []byte("hello over udp")
	parcel := clientCtx.AcquireParcel()
	w := delivery.NewWriter(parcel)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clientEndpoint.Send(parcel, []delivery.SendTarget{{Bus: clientEndpoint.Bus(0), Mode: delivery.ModeReliable}}, func(n int) {})
	parcel.Release()

	select {
	case got := <-done:
		if string(got) != string(payload) {
			t.Fatalf("got %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSendRejectsOversizedDatagram(t *testing.T) {
	tr, err := ListenUDP("127.0.0.1:0", WithMaxDatagramSize(8))
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer tr.Close()

	err = tr.Send([][]byte{make([]byte, 9)})
	if err == nil {
		t.Fatal("expected an error for an oversized datagram")
	}
}
