package delivery

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Buffer is an independently ref-counted byte slice backing one or more
// Chunks. A negative refcount is a programming error and panics.
type Buffer struct {
	Data []byte
	refs atomic.Int32
}

// NewBuffer allocates a Buffer of the given capacity with one reference
// already held by the caller.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{Data: make([]byte, capacity)}
	b.refs.Store(1)
	return b
}

// Ref increments the reference count and returns b for chaining.
func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// Unref decrements the reference count. It panics if the count goes
// negative.
func (b *Buffer) Unref() {
	if b.refs.Add(-1) < 0 {
		panic("delivery: buffer refcount went negative")
	}
}

// RefCount reports the current reference count, for tests.
func (b *Buffer) RefCount() int32 { return b.refs.Load() }

// Chunk is a view into a Buffer: an owning-buffer reference plus a byte
// range.
type Chunk struct {
	Buf    *Buffer
	Offset int
	Length int
}

// Bytes returns the chunk's content.
func (c Chunk) Bytes() []byte {
	return c.Buf.Data[c.Offset : c.Offset+c.Length]
}

// Remaining reports how much room is left in the chunk's backing buffer
// past this chunk's content, used by the Writer to decide whether it can
// keep appending to the current chunk.
func (c Chunk) Remaining() int {
	return len(c.Buf.Data) - c.Offset - c.Length
}

// Parcel is a ref-counted, ordered sequence of Chunks: the
// application-level unit of the delivery layer.
type Parcel struct {
	DebugID uuid.UUID

	context *Context
	chunks  []Chunk
	refs    atomic.Int32
	extra   any
}

func newParcel() *Parcel {
	return &Parcel{}
}

func (p *Parcel) init() {
	p.DebugID = uuid.New()
	p.chunks = p.chunks[:0]
	p.extra = nil
	p.refs.Store(1)
}

func (p *Parcel) cleanup() {
	p.reset()
	p.context = nil
}

// Chunks returns the parcel's chunks in order.
func (p *Parcel) Chunks() []Chunk { return p.chunks }

// SetExtra attaches user-defined data to the parcel.
func (p *Parcel) SetExtra(v any) { p.extra = v }

// Extra returns the user-defined data previously attached with SetExtra.
func (p *Parcel) Extra() any { return p.extra }

// ByteLength returns the sum of all chunk lengths.
func (p *Parcel) ByteLength() int {
	n := 0
	for _, c := range p.chunks {
		n += c.Length
	}
	return n
}

// Ref increments the parcel's reference count. A parcel may be held
// simultaneously by a writer, a Sender, several Dispatchers, and the user.
func (p *Parcel) Ref() *Parcel {
	p.refs.Add(1)
	return p
}

// Release drops one reference; at zero it finalizes back to the owning
// Context's pool.
func (p *Parcel) Release() {
	if p.refs.Add(-1) < 0 {
		panic("delivery: parcel refcount went negative")
	}
	if p.refs.Load() == 0 {
		p.context.releaseParcel(p)
	}
}

// RefCount reports the current reference count, for tests.
func (p *Parcel) RefCount() int32 { return p.refs.Load() }

// reset drops all chunk buffer references and clears the chunk list.
func (p *Parcel) reset() {
	for _, c := range p.chunks {
		c.Buf.Unref()
	}
	p.chunks = p.chunks[:0]
}

// appendChunk acquires a fresh buffer sized to the context's fragment
// content capacity and appends an empty chunk view into it.
func (p *Parcel) appendChunk() {
	cap := p.context.fragmentContentCapacity
	buf := NewBuffer(cap)
	p.chunks = append(p.chunks, Chunk{Buf: buf, Offset: 0, Length: 0})
}

// setFragments adopts a receiver's fragment content views as this parcel's
// chunks, incrementing each buffer's refcount, and drops a trailing
// zero-length fragment if present.
func (p *Parcel) setFragments(fragments []*Buffer, lengths []int) {
	p.reset()
	n := len(fragments)
	if n > 0 && lengths[n-1] == 0 {
		n--
	}
	for i := 0; i < n; i++ {
		p.chunks = append(p.chunks, Chunk{Buf: fragments[i].Ref(), Offset: 0, Length: lengths[i]})
	}
}

// Writer appends bytes across a parcel's chunks, acquiring new chunks from
// the parcel's context as needed, and failing once the parcel would exceed
// max_fragments.
type Writer struct {
	parcel       *Parcel
	maxFragments int
	written      int
}

// NewWriter creates a Writer over parcel, using its context's configured
// capacity and max_fragments.
func NewWriter(parcel *Parcel) *Writer {
	return &Writer{parcel: parcel, maxFragments: parcel.context.cfg.MaxFragments}
}

// Write appends buf to the parcel, spilling into additional chunks as
// needed. It returns the number of bytes written (which is always len(buf)
// on success) and an error if the parcel would exceed max_fragments.
func (w *Writer) Write(buf []byte) (int, error) {
	remainingInput := len(buf)
	for remainingInput > 0 {
		if len(w.parcel.chunks) == 0 || w.parcel.chunks[len(w.parcel.chunks)-1].Remaining() == 0 {
			if len(w.parcel.chunks) >= w.maxFragments {
				return len(buf) - remainingInput, fmt.Errorf("delivery: parcel exceeds max_fragments (%d)", w.maxFragments)
			}
			w.parcel.appendChunk()
		}

		last := len(w.parcel.chunks) - 1
		chunk := &w.parcel.chunks[last]
		room := chunk.Remaining()
		n := room
		if n > remainingInput {
			n = remainingInput
		}
		start := len(buf) - remainingInput
		copy(chunk.Buf.Data[chunk.Offset+chunk.Length:], buf[start:start+n])
		chunk.Length += n
		w.written += n
		remainingInput -= n
	}
	return len(buf), nil
}

// WrittenBytes reports the total bytes written so far.
func (w *Writer) WrittenBytes() int { return w.written }

// Reader streams bytes out of a parcel's chunks in order.
type Reader struct {
	parcel      *Parcel
	chunkIndex  int
	chunkOffset int
	remain      int
}

// NewReader creates a Reader over parcel.
func NewReader(parcel *Parcel) *Reader {
	return &Reader{parcel: parcel, remain: parcel.ByteLength()}
}

// RemainBytes reports how many bytes are left to read.
func (r *Reader) RemainBytes() int { return r.remain }

// Read copies up to len(dst) bytes into dst and returns how many were
// copied. It returns 0, nil once exhausted (callers check RemainBytes).
func (r *Reader) Read(dst []byte) (int, error) {
	copied := 0
	for copied < len(dst) && r.remain > 0 {
		chunk := r.parcel.chunks[r.chunkIndex]
		available := chunk.Length - r.chunkOffset
		n := available
		if want := len(dst) - copied; n > want {
			n = want
		}
		copy(dst[copied:], chunk.Bytes()[r.chunkOffset:r.chunkOffset+n])
		copied += n
		r.chunkOffset += n
		r.remain -= n
		if r.chunkOffset == chunk.Length {
			r.chunkIndex++
			r.chunkOffset = 0
		}
	}
	return copied, nil
}
