package ring

import (
	"encoding/binary"
	"fmt"
)

// Buffer wraps a MappedRing with wrap-free read/write cursors. It tracks
// four offsets: filledStart, filledSize, nonFilledStart, nonFilledSize,
// with the invariants:
//
//	filledSize + nonFilledSize == N
//	nonFilledStart == (filledStart + filledSize) mod N
//	filledStart == (nonFilledStart + nonFilledSize) mod N
//
// Because the backing MappedRing is double-mapped, any contiguous range of
// length <= N starting in [0, N) is always a single linear slice — Buffer
// never needs to special-case a wrap.
//
// Buffer is not safe for concurrent use by multiple producers or multiple
// consumers; a single producer and a single consumer may use it
// concurrently only under the cursor-only locking discipline built on top
// by channel.Channel, which adds that discipline for the cross-thread case.
type Buffer struct {
	mapped *MappedRing

	size uintptr

	filledStart    uintptr
	filledSize     uintptr
	nonFilledStart uintptr
	nonFilledSize  uintptr
}

// NewBuffer allocates a MappedRing of at least size bytes and returns an
// empty Buffer over it.
func NewBuffer(size int) (*Buffer, error) {
	m, err := newMappedRing(size)
	if err != nil {
		return nil, err
	}
	b := &Buffer{mapped: m, size: uintptr(m.Len())}
	b.reset()
	return b, nil
}

// Close releases the underlying MappedRing.
func (b *Buffer) Close() error {
	return b.mapped.Close()
}

// Cap returns N, the buffer's total capacity in bytes.
func (b *Buffer) Cap() int { return int(b.size) }

// FilledSize returns the number of bytes currently filled (readable).
func (b *Buffer) FilledSize() int { return int(b.filledSize) }

// NonFilledSize returns the number of bytes currently non-filled (writable).
func (b *Buffer) NonFilledSize() int { return int(b.nonFilledSize) }

// Writable returns a linear slice of exactly NonFilledSize() bytes, the
// region the producer may write into before calling Consume. The slice is
// valid until the next Consume/Commit/Reset on this Buffer.
func (b *Buffer) Writable() []byte {
	return b.mapped.data[b.nonFilledStart : b.nonFilledStart+b.nonFilledSize]
}

// WritableUpto returns Writable(), capped at max bytes.
func (b *Buffer) WritableUpto(max int) []byte {
	n := b.nonFilledSize
	if uintptr(max) < n {
		n = uintptr(max)
	}
	return b.mapped.data[b.nonFilledStart : b.nonFilledStart+n]
}

// Readable returns a linear slice of exactly FilledSize() bytes, the region
// the consumer may read from before calling Commit. The slice is valid
// until the next Consume/Commit/Reset on this Buffer.
func (b *Buffer) Readable() []byte {
	return b.mapped.data[b.filledStart : b.filledStart+b.filledSize]
}

// ReadableUpto returns Readable(), capped at max bytes.
func (b *Buffer) ReadableUpto(max int) []byte {
	n := b.filledSize
	if uintptr(max) < n {
		n = uintptr(max)
	}
	return b.mapped.data[b.filledStart : b.filledStart+n]
}

// Consume marks k previously non-filled bytes as filled: the producer's
// post-write bookkeeping. It moves no bytes. k must not exceed
// NonFilledSize(); violating that is a programming fault and panics.
func (b *Buffer) Consume(k int) {
	kk := uintptr(k)
	if kk > b.nonFilledSize {
		panic(fmt.Sprintf("ring: Consume(%d) exceeds non-filled size %d", k, b.nonFilledSize))
	}
	b.nonFilledStart = (b.nonFilledStart + kk) % b.size
	b.nonFilledSize -= kk
	b.filledSize += kk
}

// Commit marks k previously filled bytes as non-filled: the consumer's
// post-read bookkeeping. It moves no bytes. k must not exceed
// FilledSize(); violating that is a programming fault and panics.
func (b *Buffer) Commit(k int) {
	kk := uintptr(k)
	if kk > b.filledSize {
		panic(fmt.Sprintf("ring: Commit(%d) exceeds filled size %d", k, b.filledSize))
	}
	b.filledStart = (b.filledStart + kk) % b.size
	b.filledSize -= kk
	b.nonFilledSize += kk
}

// MemcpyIn copies src into the writable region and consumes that many
// bytes. It panics if src does not fit.
func (b *Buffer) MemcpyIn(src []byte) {
	if uintptr(len(src)) > b.nonFilledSize {
		panic(fmt.Sprintf("ring: MemcpyIn(%d bytes) exceeds non-filled size %d", len(src), b.nonFilledSize))
	}
	n := copy(b.Writable(), src)
	b.Consume(n)
}

// MemcpyOut copies len(dst) bytes out of the readable region into dst and
// commits that many bytes. It panics if the buffer is under-filled.
func (b *Buffer) MemcpyOut(dst []byte) {
	if uintptr(len(dst)) > b.filledSize {
		panic(fmt.Sprintf("ring: MemcpyOut(%d bytes) exceeds filled size %d", len(dst), b.filledSize))
	}
	n := copy(dst, b.Readable())
	b.Commit(n)
}

// PeekU32LE reads four bytes at filledStart as a little-endian uint32
// without committing them. Precondition: FilledSize() >= 4; violating it is
// a programming fault and panics.
func (b *Buffer) PeekU32LE() uint32 {
	if b.filledSize < 4 {
		panic(fmt.Sprintf("ring: PeekU32LE requires 4 filled bytes, have %d", b.filledSize))
	}
	return binary.LittleEndian.Uint32(b.mapped.data[b.filledStart : b.filledStart+4])
}

// Reset returns the buffer to its empty state, discarding any filled data.
func (b *Buffer) Reset() {
	b.reset()
}

func (b *Buffer) reset() {
	b.filledStart = 0
	b.filledSize = 0
	b.nonFilledStart = 0
	b.nonFilledSize = b.size
}
