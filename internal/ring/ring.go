// Package ring implements the lock-free single-producer/single-consumer
// byte ring described in spec §4.1: a power-of-two buffer where a record
// that would span the wrap point is instead placed at offset 0, with the
// truncated trailing space recorded as a "hole" the consumer skips over.
//
// The producer and consumer indices are unbounded-growing counters
// masked on access, matching the original. sync/atomic's Load/Store give
// the acquire/release publication spec §5 requires ("shared resources...
// its discipline is index-based with release/acquire publication of
// indices") without hand-rolled memory fences.
package ring

import (
	"fmt"
	"sync/atomic"
)

// recordHeaderSize is the fixed header every record (including hole
// markers) carries: total record size, then payload size. A hole marker
// has payloadSize == holeMarker and totalSize == the number of bytes to
// skip, so a real record with an empty payload is never mistaken for one.
const recordHeaderSize = 8

const holeMarker = ^uint32(0)

// Ring is a single-producer/single-consumer byte ring buffer.
type Ring struct {
	buf  []byte
	mask uint64

	producer atomic.Uint64 // written only by the producer
	consumer atomic.Uint64 // written only by the consumer
}

// New creates a ring of the given size, which must be a power of two.
func New(size uint32) (*Ring, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: size %d is not a power of two", size)
	}
	return &Ring{
		buf:  make([]byte, size),
		mask: uint64(size - 1),
	}, nil
}

// Size returns the ring's total capacity in bytes.
func (r *Ring) Size() int { return len(r.buf) }

// align rounds n up to the nearest multiple of recordHeaderSize so every
// record starts on a header-aligned boundary.
func align(n int) int {
	rem := n % recordHeaderSize
	if rem == 0 {
		return n
	}
	return n + (recordHeaderSize - rem)
}

// Write reserves space for payload and copies it in. It returns
// ErrPayloadTooLarge if payload alone exceeds half the ring (spec §4.1),
// or ErrQueueFull if the ring does not currently have room. Only one
// goroutine may call Write at a time.
func (r *Ring) Write(payload []byte) error {
	if len(payload) > len(r.buf)/2 {
		return ErrPayloadTooLarge
	}

	dataSize := align(len(payload))
	required := recordHeaderSize + dataSize

	prod := r.producer.Load()
	cons := r.consumer.Load()
	available := len(r.buf) - int(prod-cons)
	if available < 0 {
		available = 0
	}

	index := int(prod & r.mask)
	tailSpace := len(r.buf) - index

	total := required
	if tailSpace < required {
		// Doesn't fit before the physical end: the hole consumes
		// tailSpace bytes, the real record restarts at offset 0.
		total = tailSpace + required
	}
	if total > available {
		return ErrQueueFull
	}

	if tailSpace < required {
		r.putHeader(index, uint32(tailSpace), holeMarker)
		index = 0
	}

	r.putHeader(index, uint32(required), uint32(len(payload)))
	copy(r.buf[index+recordHeaderSize:], payload)

	r.producer.Store(prod + uint64(total))
	return nil
}

// Read returns the next record's payload, or ok=false if the ring is
// empty. The returned slice aliases the ring's internal buffer and is
// only valid until the next Read. Only one goroutine may call Read at a
// time.
func (r *Ring) Read() (payload []byte, ok bool) {
	cons := r.consumer.Load()
	prod := r.producer.Load()
	if cons == prod {
		return nil, false
	}

	index := int(cons & r.mask)
	total, size := r.getHeader(index)

	if size == holeMarker {
		// Hole marker: skip it and read the record now at offset 0.
		cons += uint64(total)
		index = int(cons & r.mask)
		total, size = r.getHeader(index)
	}

	payload = append([]byte(nil), r.buf[index+recordHeaderSize:index+recordHeaderSize+int(size)]...)
	r.consumer.Store(cons + uint64(total))
	return payload, true
}

// Pending reports how many bytes of unread records remain.
func (r *Ring) Pending() int {
	return int(r.producer.Load() - r.consumer.Load())
}

func (r *Ring) putHeader(index int, total, size uint32) {
	putUint32(r.buf[index:], total)
	putUint32(r.buf[index+4:], size)
}

func (r *Ring) getHeader(index int) (total, size uint32) {
	return getUint32(r.buf[index:]), getUint32(r.buf[index+4:])
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
