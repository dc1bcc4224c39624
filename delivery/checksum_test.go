package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeChecksumMatchesAcrossSplit(t *testing.T) {
	whole := ComputeChecksum([]byte("hello world"))
	split := ComputeChecksum([]byte("hello "), []byte("world"))
	require.Equal(t, whole, split)
}

func TestPutGetChecksumRoundTrip(t *testing.T) {
	buf := make([]byte, ChecksumBytes)
	PutChecksum(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), GetChecksum(buf))
}

func TestAsyncChecksumComputeAndVerify(t *testing.T) {
	cs := AsyncChecksum{}
	chunks := [][]byte{[]byte("abc"), []byte("def")}
	want := ComputeChecksum(chunks...)

	done := make(chan ChecksumResult, 1)
	cs.Compute(chunks, func(r ChecksumResult) { done <- r })
	select {
	case r := <-done:
		require.Equal(t, want, r.Sum)
	case <-time.After(time.Second):
		t.Fatal("Compute never called done")
	}

	matched := make(chan ChecksumResult, 1)
	cs.Verify(chunks, want, func(r ChecksumResult) { matched <- r })
	select {
	case r := <-matched:
		require.True(t, r.Matched)
	case <-time.After(time.Second):
		t.Fatal("Verify never called done")
	}

	mismatched := make(chan ChecksumResult, 1)
	cs.Verify(chunks, want+1, func(r ChecksumResult) { mismatched <- r })
	select {
	case r := <-mismatched:
		require.False(t, r.Matched)
	case <-time.After(time.Second):
		t.Fatal("Verify never called done")
	}
}

func TestAsyncChecksumCancelSuppressesDone(t *testing.T) {
	cs := AsyncChecksum{}
	done := make(chan ChecksumResult, 1)
	cancel := cs.Compute([][]byte{make([]byte, 1<<22)}, func(r ChecksumResult) { done <- r })
	cancel()

	select {
	case <-done:
		t.Fatal("done fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
