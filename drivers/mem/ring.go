// Package mem provides a RAM-backed Node driver pair — Generator and
// Sink — useful for demos and tests that need a working producer/
// consumer without a real audio or video source.
package mem

import "sync"

// shardSize is the size of each ring shard (4KB), chosen to keep lock
// overhead low relative to the buffer sizes a Generator/Sink typically
// exchange.
const shardSize = 4096

// Ring is a fixed-size, sharded-lock byte ring buffer. Reads and writes
// address it by absolute byte offset modulo its length, so a Generator
// can treat it as an infinite source and a Sink can treat it as a
// wraparound capture log.
//
// Adapted from a sharded-lock RAM block device: the same "lock only the
// shards a request touches" scheme, generalized from a flat
// offset-addressed store to a wraparound ring so a streaming driver can
// read and write past the end without an explicit seek.
type Ring struct {
	data   []byte
	shards []sync.RWMutex
}

// NewRing creates a Ring of the given size (rounded up to a whole number
// of shards) filled with zeroes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = shardSize
	}
	numShards := (size + shardSize - 1) / shardSize
	return &Ring{
		data:   make([]byte, numShards*shardSize),
		shards: make([]sync.RWMutex, numShards),
	}
}

func (r *Ring) Len() int { return len(r.data) }

func (r *Ring) shardRange(off, length int) (start, end int) {
	start = (off % len(r.data)) / shardSize
	end = ((off + length - 1) % len(r.data)) / shardSize
	return start, end
}

// ReadAt copies len(p) bytes starting at absolute offset off (wrapping
// around the ring as needed) into p.
func (r *Ring) ReadAt(p []byte, off int) {
	n := len(r.data)
	start := off % n
	for written := 0; written < len(p); {
		chunk := n - start
		if chunk > len(p)-written {
			chunk = len(p) - written
		}
		first, last := start/shardSize, (start+chunk-1)/shardSize
		for s := first; s <= last; s++ {
			r.shards[s].RLock()
		}
		copy(p[written:written+chunk], r.data[start:start+chunk])
		for s := first; s <= last; s++ {
			r.shards[s].RUnlock()
		}
		written += chunk
		start = (start + chunk) % n
	}
}

// WriteAt copies p into the ring starting at absolute offset off,
// wrapping around as needed.
func (r *Ring) WriteAt(p []byte, off int) {
	n := len(r.data)
	start := off % n
	for read := 0; read < len(p); {
		chunk := n - start
		if chunk > len(p)-read {
			chunk = len(p) - read
		}
		first, last := start/shardSize, (start+chunk-1)/shardSize
		for s := first; s <= last; s++ {
			r.shards[s].Lock()
		}
		copy(r.data[start:start+chunk], p[read:read+chunk])
		for s := first; s <= last; s++ {
			r.shards[s].Unlock()
		}
		read += chunk
		start = (start + chunk) % n
	}
}
