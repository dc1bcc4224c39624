package delivery

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
)

// ChecksumBytes is the width of the crc32 checksum trailer.
const ChecksumBytes = 4

// ChecksumMode records where the checksum for an outgoing parcel lives on
// the wire, decided once at dispatch time.
type ChecksumMode uint8

const (
	ChecksumNone ChecksumMode = iota
	ChecksumEmbedded
	ChecksumExtra
)

// ComputeChecksum runs crc32.ChecksumIEEE across the given byte slices in
// order, without concatenating them.
func ComputeChecksum(chunks ...[]byte) uint32 {
	h := crc32.NewIEEE()
	for _, c := range chunks {
		h.Write(c) //nolint:errcheck // hash.Hash.Write never errors
	}
	return h.Sum32()
}

// PutChecksum writes sum as 4 big-endian bytes into dst.
func PutChecksum(dst []byte, sum uint32) {
	binary.BigEndian.PutUint32(dst, sum)
}

// GetChecksum reads 4 big-endian bytes from src.
func GetChecksum(src []byte) uint32 {
	return binary.BigEndian.Uint32(src)
}

// ChecksumResult is delivered to a Computer/Verifier's completion callback.
type ChecksumResult struct {
	Sum     uint32
	Matched bool // only meaningful for Verify
}

// Computer offloads checksum computation to a worker goroutine. The caller
// is responsible for posting done onto its own Sequencer; Computer only
// guarantees done runs on a goroutine other than the caller's.
type Computer interface {
	// Compute runs crc32 over chunks asynchronously and calls done with the
	// result. It returns a cancel function; calling it after done has
	// already fired is a no-op, and calling it before suppresses done.
	Compute(chunks [][]byte, done func(ChecksumResult)) (cancel func())
}

// Verifier is the receive-side counterpart: it compares freshly computed
// checksum against an expected one carried on the wire.
type Verifier interface {
	Verify(chunks [][]byte, expected uint32, done func(ChecksumResult)) (cancel func())
}

// AsyncChecksum is the default Computer/Verifier: one goroutine per call.
type AsyncChecksum struct{}

func (AsyncChecksum) Compute(chunks [][]byte, done func(ChecksumResult)) func() {
	var once sync.Once
	cancelled := make(chan struct{})
	go func() {
		sum := ComputeChecksum(chunks...)
		select {
		case <-cancelled:
		default:
			done(ChecksumResult{Sum: sum})
		}
	}()
	return func() { once.Do(func() { close(cancelled) }) }
}

func (AsyncChecksum) Verify(chunks [][]byte, expected uint32, done func(ChecksumResult)) func() {
	var once sync.Once
	cancelled := make(chan struct{})
	go func() {
		sum := ComputeChecksum(chunks...)
		select {
		case <-cancelled:
		default:
			done(ChecksumResult{Sum: sum, Matched: sum == expected})
		}
	}()
	return func() { once.Do(func() { close(cancelled) }) }
}
