package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// craftFragments splits payload into two fragment contents with the
// checksum trailer appended to the second, matching what a dispatcher in
// embedded checksum mode puts on the wire.
func craftFragments(payload []byte, split int) (frag0, frag1 []byte) {
	frag0 = payload[:split]
	rest := payload[split:]
	sum := ComputeChecksum(frag0, rest)
	frag1 = make([]byte, len(rest)+ChecksumBytes)
	copy(frag1, rest)
	PutChecksum(frag1[len(rest):], sum)
	return frag0, frag1
}

// TestReceiverChecksumVerifySuccess: a multi-fragment parcel with a
// matching embedded checksum is delivered with the trailer stripped.
func TestReceiverChecksumVerifySuccess(t *testing.T) {
	delivered := make(chan []byte, 1)
	_, ep, _ := newCaptureEndpoint(t, 1, WithOnParcel(func(bus *Bus, p *Parcel) {
		delivered <- readParcel(p)
	}))
	bus := ep.Bus(0)

	payload := []byte("a payload large enough to span two fragments")
	frag0, frag1 := craftFragments(payload, 30)

	meta := FragmentMeta{Type: FragmentTypeUnreliable, BusID: bus.ID(), FragmentIndex: 0, LastIndex: 1, Sequence: 1}
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag0) })
	meta.FragmentIndex = 1
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag1) })

	select {
	case got := <-delivered:
		require.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("checksum-valid parcel never delivered")
	}
}

// TestReceiverChecksumMismatchDropsParcel: on a checksum mismatch the
// receiver fails, nothing is delivered upward, and the receiver still
// drains back to its pool.
func TestReceiverChecksumMismatchDropsParcel(t *testing.T) {
	delivered := make(chan []byte, 1)
	ctx, ep, _ := newCaptureEndpoint(t, 1, WithOnParcel(func(bus *Bus, p *Parcel) {
		delivered <- readParcel(p)
	}))
	bus := ep.Bus(0)

	payload := []byte("this parcel arrives with a corrupted trailer")
	frag0, frag1 := craftFragments(payload, 30)
	frag1[len(frag1)-1] ^= 0xFF

	meta := FragmentMeta{Type: FragmentTypeUnreliable, BusID: bus.ID(), FragmentIndex: 0, LastIndex: 1, Sequence: 1}
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag0) })
	meta.FragmentIndex = 1
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag1) })

	select {
	case <-delivered:
		t.Fatal("checksum-mismatched parcel must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		return ctx.Statistic().Receivers == 0
	}, time.Second, 5*time.Millisecond)
}

// TestReceiverDuplicateFragmentIgnored: a repeated fragment_index neither
// corrupts reassembly nor double-counts.
func TestReceiverDuplicateFragmentIgnored(t *testing.T) {
	delivered := make(chan []byte, 2)
	_, ep, _ := newCaptureEndpoint(t, 1, WithOnParcel(func(bus *Bus, p *Parcel) {
		delivered <- readParcel(p)
	}))
	bus := ep.Bus(0)

	payload := []byte("duplicated first fragment should still reassemble")
	frag0, frag1 := craftFragments(payload, 25)

	meta := FragmentMeta{Type: FragmentTypeUnreliable, BusID: bus.ID(), FragmentIndex: 0, LastIndex: 1, Sequence: 1}
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag0) })
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag0) })
	meta.FragmentIndex = 1
	runOnSeq(ep, func() { bus.HandleFragment(meta, frag1) })

	select {
	case got := <-delivered:
		require.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("parcel never delivered")
	}
	select {
	case <-delivered:
		t.Fatal("parcel delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestReceiverExpiry: an unreliable receiver whose remaining fragments
// never arrive is expired and canceled, with no upward delivery, and its
// pool drains back to zero.
func TestReceiverExpiry(t *testing.T) {
	delivered := make(chan []byte, 2)
	ctx, ep, _ := newCaptureEndpoint(t, 1, WithOnParcel(func(bus *Bus, p *Parcel) {
		delivered <- readParcel(p)
	}))
	bus := ep.Bus(0)

	// Pin RTT low so the expiry clamp bottoms out at 100ms.
	ep.RTT().Submit(time.Millisecond)

	partial := FragmentMeta{Type: FragmentTypeUnreliable, BusID: bus.ID(), FragmentIndex: 0, LastIndex: 1, Sequence: 1}
	runOnSeq(ep, func() { bus.HandleFragment(partial, []byte("half")) })

	time.Sleep(150 * time.Millisecond)

	// Expiry is reaped at the head of fragment handling; any later fragment
	// triggers the sweep.
	other := FragmentMeta{Type: FragmentTypeUnreliable, BusID: bus.ID(), FragmentIndex: 0, LastIndex: 0, Sequence: 9}
	runOnSeq(ep, func() { bus.HandleFragment(other, []byte("whole")) })

	select {
	case got := <-delivered:
		require.Equal(t, []byte("whole"), got)
	case <-time.After(time.Second):
		t.Fatal("unrelated parcel never delivered")
	}
	select {
	case <-delivered:
		t.Fatal("expired partial parcel must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		return ctx.Statistic().Receivers == 0
	}, time.Second, 5*time.Millisecond)
}
