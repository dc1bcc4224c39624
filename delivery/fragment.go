package delivery

import "fmt"

// Mode is the delivery mode requested for an outgoing parcel. Its numeric
// values are deliberately identical to the corresponding FragmentType
// values, so a
// Mode converts directly to the FragmentType stamped on the wire.
type Mode uint8

const (
	ModeUnreliable Mode = 0
	ModeSequenced  Mode = 1
	ModeReliable   Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeUnreliable:
		return "unreliable"
	case ModeSequenced:
		return "sequenced"
	case ModeReliable:
		return "reliable"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// FragmentType is the wire-level tag in a fragment's meta byte.
type FragmentType uint8

const (
	FragmentTypeUnreliable FragmentType = 0
	FragmentTypeSequenced  FragmentType = 1
	FragmentTypeReliable   FragmentType = 2
	FragmentTypeAck        FragmentType = 3
)

func (t FragmentType) String() string {
	switch t {
	case FragmentTypeUnreliable:
		return "unreliable"
	case FragmentTypeSequenced:
		return "sequenced"
	case FragmentTypeReliable:
		return "reliable"
	case FragmentTypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// DataType converts a data Mode to its matching FragmentType.
func (m Mode) DataType() FragmentType { return FragmentType(m) }

// MinHeaderBytes and MaxHeaderBytes bound the encoded fragment header
// size.
const (
	MinHeaderBytes = 5
	MaxHeaderBytes = 15
)

// FragmentMeta is the decoded form of a fragment header.
type FragmentMeta struct {
	Type          FragmentType
	BusID         uint16
	FragmentIndex uint16
	LastIndex     uint16
	Sequence      uint64
}

// ErrShortBuffer is returned when a buffer is too small to hold, or does
// not contain, a full fragment header.
var ErrShortBuffer = fmt.Errorf("delivery: short buffer")

func byteWidth16(v uint16) int {
	if v <= 0xFF {
		return 1
	}
	return 2
}

func byteWidthSeq(v uint64) int {
	n := 1
	for n < 8 && v >= (uint64(1)<<(8*uint(n))) {
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

// EncodedSize reports how many bytes EncodeMeta will need for meta, without
// writing anything.
func EncodedSize(meta FragmentMeta) int {
	return 1 + byteWidth16(meta.BusID) + byteWidth16(meta.FragmentIndex) +
		byteWidth16(meta.LastIndex) + byteWidthSeq(meta.Sequence)
}

// EncodeMeta writes meta's wire encoding to the front of dst and returns the
// number of bytes written. dst must be at least EncodedSize(meta) long.
func EncodeMeta(meta FragmentMeta, dst []byte) (int, error) {
	busBytes := byteWidth16(meta.BusID)
	idxBytes := byteWidth16(meta.FragmentIndex)
	lastBytes := byteWidth16(meta.LastIndex)
	seqBytes := byteWidthSeq(meta.Sequence)
	total := 1 + busBytes + idxBytes + lastBytes + seqBytes
	if len(dst) < total {
		return 0, ErrShortBuffer
	}

	b := byte(meta.Type) << 6
	if busBytes == 2 {
		b |= 1 << 5
	}
	if idxBytes == 2 {
		b |= 1 << 4
	}
	if lastBytes == 2 {
		b |= 1 << 3
	}
	b |= byte(seqBytes-1) & 0x7
	dst[0] = b

	off := 1
	off = putUintBE(dst, off, busBytes, uint64(meta.BusID))
	off = putUintBE(dst, off, idxBytes, uint64(meta.FragmentIndex))
	off = putUintBE(dst, off, lastBytes, uint64(meta.LastIndex))
	off = putUintBE(dst, off, seqBytes, meta.Sequence)
	return off, nil
}

// DecodeMeta reads a fragment header from the front of src and returns the
// decoded meta plus the number of bytes consumed.
func DecodeMeta(src []byte) (FragmentMeta, int, error) {
	if len(src) < 1 {
		return FragmentMeta{}, 0, ErrShortBuffer
	}
	b := src[0]
	typ := FragmentType(b >> 6)
	busBytes := 1
	if b&(1<<5) != 0 {
		busBytes = 2
	}
	idxBytes := 1
	if b&(1<<4) != 0 {
		idxBytes = 2
	}
	lastBytes := 1
	if b&(1<<3) != 0 {
		lastBytes = 2
	}
	seqBytes := int(b&0x7) + 1

	total := 1 + busBytes + idxBytes + lastBytes + seqBytes
	if len(src) < total {
		return FragmentMeta{}, 0, ErrShortBuffer
	}

	off := 1
	var busID, idx, last, seq uint64
	busID, off = getUintBE(src, off, busBytes)
	idx, off = getUintBE(src, off, idxBytes)
	last, off = getUintBE(src, off, lastBytes)
	seq, off = getUintBE(src, off, seqBytes)

	return FragmentMeta{
		Type:          typ,
		BusID:         uint16(busID),
		FragmentIndex: uint16(idx),
		LastIndex:     uint16(last),
		Sequence:      seq,
	}, off, nil
}

// SystemBusID is the reserved wire id for the system (ping/pong) bus.
const SystemBusID = 0

// UserBusWireID converts a 0-based user bus index to its wire id.
func UserBusWireID(index int) uint16 { return uint16(index + 1) }

// UserBusIndex converts a wire bus id (known not to be the system bus) to
// its 0-based user bus index.
func UserBusIndex(wireID uint16) int { return int(wireID) - 1 }

// Fragment is one in-flight buffer view plus its ack state, held by a
// Dispatcher.
type Fragment struct {
	Content []byte
	Acked   bool
}
