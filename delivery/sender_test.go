package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSenderFanOutToMultipleBuses: one parcel fanned out to several
// (bus, mode) pairs yields one dispatch per target and a result callback
// counting every success.
func TestSenderFanOutToMultipleBuses(t *testing.T) {
	ctx, ep, tr := newCaptureEndpoint(t, 2)

	result := make(chan int, 1)
	p := ctx.AcquireParcel()
	_, err := NewWriter(p).Write([]byte("fan out"))
	require.NoError(t, err)
	ep.Send(p, []SendTarget{
		{Bus: ep.Bus(0), Mode: ModeUnreliable},
		{Bus: ep.Bus(1), Mode: ModeUnreliable},
	}, func(n int) { result <- n })
	p.Release()

	select {
	case n := <-result:
		require.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("fan-out sender never reported a result")
	}

	seen := map[uint16]bool{}
	for _, v := range tr.datagrams() {
		meta, _, err := DecodeMeta(v)
		require.NoError(t, err)
		require.Equal(t, uint64(1), meta.Sequence, "each bus numbers its parcels independently from 1")
		seen[meta.BusID] = true
	}
	require.True(t, seen[UserBusWireID(0)])
	require.True(t, seen[UserBusWireID(1)])

	require.Eventually(t, func() bool {
		stat := ctx.Statistic()
		return stat.Senders == 0 && stat.Dispatchers == 0 && stat.Transmissions == 0 && stat.Parcels == 0
	}, time.Second, 5*time.Millisecond)
}

// TestSenderAllTargetsFailing: a dead transport fails every transmission and
// the result callback reports zero successes rather than hanging.
func TestSenderAllTargetsFailing(t *testing.T) {
	ctx, ep, tr := newCaptureEndpoint(t, 2)
	tr.setFail(true)

	result := make(chan int, 1)
	p := ctx.AcquireParcel()
	_, err := NewWriter(p).Write([]byte("no luck"))
	require.NoError(t, err)
	ep.Send(p, []SendTarget{
		{Bus: ep.Bus(0), Mode: ModeUnreliable},
		{Bus: ep.Bus(1), Mode: ModeUnreliable},
	}, func(n int) { result <- n })
	p.Release()

	select {
	case n := <-result:
		require.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("failing sender never reported a result")
	}
}

// TestSenderCancelSkipsResultCallback: a canceled sender tears down its
// dispatchers and never invokes the user result callback.
func TestSenderCancelSkipsResultCallback(t *testing.T) {
	ctx, ep, _ := newCaptureEndpoint(t, 1)
	bus := ep.Bus(0)

	result := make(chan int, 1)
	p := ctx.AcquireParcel()
	_, err := NewWriter(p).Write([]byte("canceled before acked"))
	require.NoError(t, err)
	s := ctx.AcquireSender(ep, p, func(n int) { result <- n })
	s.AddTransmission(bus, ModeReliable)
	s.Submit()
	p.Release()

	require.Eventually(t, func() bool {
		var incomplete bool
		runOnSeq(ep, func() { incomplete = bus.incompleteReliableDispatcher != nil })
		return incomplete
	}, time.Second, 5*time.Millisecond)

	runOnSeq(ep, func() { s.Cancel() })

	select {
	case <-result:
		t.Fatal("canceled sender must not invoke the result callback")
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		stat := ctx.Statistic()
		return stat.Senders == 0 && stat.Dispatchers == 0 && stat.Parcels == 0
	}, time.Second, 5*time.Millisecond)
}

// TestSenderChecksumComputedOffThread: a multi-chunk parcel routes through
// the async checksum computer before dispatch, and the wire trailer carries
// the computed sum.
func TestSenderChecksumComputedOffThread(t *testing.T) {
	ctx, ep, tr := newCaptureEndpoint(t, 1)
	contentCap := ctx.FragmentContentCapacity()
	payload := make([]byte, contentCap+5)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	result := make(chan int, 1)
	p := ctx.AcquireParcel()
	_, err := NewWriter(p).Write(payload)
	require.NoError(t, err)
	ep.Send(p, []SendTarget{{Bus: ep.Bus(0), Mode: ModeUnreliable}}, func(n int) { result <- n })
	p.Release()

	select {
	case n := <-result:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("sender never completed")
	}

	views := tr.datagrams()
	require.Len(t, views, 2)
	_, n1, err := DecodeMeta(views[1])
	require.NoError(t, err)
	content := views[1][n1:]
	require.GreaterOrEqual(t, len(content), ChecksumBytes)
	require.Equal(t, ComputeChecksum(payload), GetChecksum(content[len(content)-ChecksumBytes:]))
}
