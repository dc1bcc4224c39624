// Package sysbus implements the system-bus (bus id 0) ping/pong wire
// protocol used for RTT measurement and optional clock synchronization.
// It is kept separate from package delivery, where Endpoint lives, so the
// bit-level codec is independently testable.
package sysbus

import "fmt"

// Opcode is the system-bus message kind, packed into the top 3 bits of the
// first content byte.
type Opcode uint8

const (
	OpPing Opcode = 0
	OpPong Opcode = 1
)

// ErrShortBuffer is returned when a buffer is too small to hold, or does
// not contain, a complete system-bus message.
var ErrShortBuffer = fmt.Errorf("sysbus: short buffer")

// byteWidth returns the minimal number of bytes (at least 1, at most
// maxBytes) needed to hold v.
func byteWidth(v uint64, maxBytes int) int {
	n := 1
	for n < maxBytes && v >= (uint64(1)<<(8*uint(n))) {
		n++
	}
	return n
}

func putUintBE(dst []byte, off, n int, v uint64) int {
	for i := n - 1; i >= 0; i-- {
		dst[off+i] = byte(v)
		v >>= 8
	}
	return off + n
}

func getUintBE(src []byte, off, n int) (uint64, int) {
	var v uint64
	for i := 0; i < n; i++ {
		v = (v << 8) | uint64(src[off+i])
	}
	return v, off + n
}

// EncodePing writes a PING message: meta byte
// [7:5]=opcode(0), [4]=sequence_bytes-1, [3]=time_sync, followed by the
// packed sequence (1-2 bytes).
func EncodePing(dst []byte, seq uint64, timeSync bool) (int, error) {
	seqBytes := byteWidth(seq, 2)
	total := 1 + seqBytes
	if len(dst) < total {
		return 0, ErrShortBuffer
	}
	b := byte(OpPing) << 5
	if seqBytes == 2 {
		b |= 1 << 4
	}
	if timeSync {
		b |= 1 << 3
	}
	dst[0] = b
	putUintBE(dst, 1, seqBytes, seq)
	return total, nil
}

// DecodePing reads a PING message.
func DecodePing(src []byte) (seq uint64, timeSync bool, n int, err error) {
	if len(src) < 1 {
		return 0, false, 0, ErrShortBuffer
	}
	b := src[0]
	seqBytes := 1
	if b&(1<<4) != 0 {
		seqBytes = 2
	}
	timeSync = b&(1<<3) != 0
	total := 1 + seqBytes
	if len(src) < total {
		return 0, false, 0, ErrShortBuffer
	}
	seq, _ = getUintBE(src, 1, seqBytes)
	return seq, timeSync, total, nil
}

// EncodePong writes a PONG message: meta byte
// [7:5]=opcode(1), [4]=sequence_bytes-1, [3]=time_sync, [2:0]=time_bytes-1,
// followed by the packed sequence, then (only when timeSync) the packed
// time value.
func EncodePong(dst []byte, seq uint64, timeSync bool, t uint64) (int, error) {
	seqBytes := byteWidth(seq, 2)
	timeBytes := 0
	if timeSync {
		timeBytes = byteWidth(t, 8)
	}
	total := 1 + seqBytes + timeBytes
	if len(dst) < total {
		return 0, ErrShortBuffer
	}
	b := byte(OpPong) << 5
	if seqBytes == 2 {
		b |= 1 << 4
	}
	if timeSync {
		b |= 1 << 3
		b |= byte(timeBytes-1) & 0x7
	}
	dst[0] = b
	off := putUintBE(dst, 1, seqBytes, seq)
	if timeSync {
		putUintBE(dst, off, timeBytes, t)
	}
	return total, nil
}

// DecodePong reads a PONG message. timeSync reports whether a time value was
// present (the sender set the time_sync bit); t is zero when it is not.
func DecodePong(src []byte) (seq uint64, timeSync bool, t uint64, n int, err error) {
	if len(src) < 1 {
		return 0, false, 0, 0, ErrShortBuffer
	}
	b := src[0]
	seqBytes := 1
	if b&(1<<4) != 0 {
		seqBytes = 2
	}
	timeSync = b&(1<<3) != 0
	timeBytes := 0
	if timeSync {
		timeBytes = int(b&0x7) + 1
	}
	total := 1 + seqBytes + timeBytes
	if len(src) < total {
		return 0, false, 0, 0, ErrShortBuffer
	}
	off := 1
	seq, off = getUintBE(src, off, seqBytes)
	if timeSync {
		t, off = getUintBE(src, off, timeBytes)
	}
	return seq, timeSync, t, off, nil
}
