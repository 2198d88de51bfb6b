package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingRoundTripsWithinOneShard(t *testing.T) {
	r := NewRing(shardSize)
	want := []byte("hello ring")
	r.WriteAt(want, 0)

	got := make([]byte, len(want))
	r.ReadAt(got, 0)
	require.Equal(t, want, got)
}

func TestRingWrapsAroundAtLength(t *testing.T) {
	// NewRing rounds 16 up to one whole shard, so wrap at r.Len().
	r := NewRing(16)
	n := r.Len()
	r.WriteAt([]byte("0123456789ABCDEF"), n-16)
	r.WriteAt([]byte("0123456789ABCDEF"), n)

	got := make([]byte, 16)
	r.ReadAt(got, n-4)
	require.Equal(t, []byte("CDEF01234567"), got[:12])
}

func TestRingWriteSpanningMultipleShards(t *testing.T) {
	r := NewRing(shardSize * 3)
	data := make([]byte, shardSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	r.WriteAt(data, shardSize/2)

	got := make([]byte, len(data))
	r.ReadAt(got, shardSize/2)
	require.Equal(t, data, got)
}
