package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

func TestGeneratorAdvertisesOneFormat(t *testing.T) {
	g := NewGenerator(NewRing(shardSize))
	f, ok := g.PortEnumFormats(wire.DirectionOutput, 0, 0, nil)
	require.True(t, ok)
	require.Equal(t, Format(), f)

	_, ok = g.PortEnumFormats(wire.DirectionOutput, 0, 1, nil)
	require.False(t, ok)
}

func TestGeneratorProcessOutputReadsFromRing(t *testing.T) {
	ring := NewRing(frameSize * 2)
	want := make([]byte, frameSize)
	for i := range want {
		want[i] = byte(i)
	}
	ring.WriteAt(want, 0)

	g := NewGenerator(ring)
	require.NoError(t, g.AddPort(wire.DirectionOutput, 0))
	require.NoError(t, g.PortSetFormat(wire.DirectionOutput, 0, 0, &wire.Format{}))

	bufs, err := g.PortAllocBuffers(wire.DirectionOutput, 0, wire.AllocParams{Count: 1})
	require.NoError(t, err)
	require.Len(t, bufs, 1)
	require.NoError(t, g.PortSetIO(wire.DirectionOutput, 0, &iface.IOSlot{BufferID: bufs[0].ID}))

	require.NoError(t, g.ProcessOutput())
	require.NoError(t, g.ProcessInput())

	got := g.slots[bufs[0].ID].data
	require.Equal(t, want, got)
}

func TestSinkProcessInputWritesToRing(t *testing.T) {
	ring := NewRing(frameSize * 2)
	s := NewSink(ring)
	require.NoError(t, s.AddPort(wire.DirectionInput, 0))
	require.NoError(t, s.PortSetFormat(wire.DirectionInput, 0, 0, &wire.Format{}))

	bufs, err := s.PortAllocBuffers(wire.DirectionInput, 0, wire.AllocParams{Count: 1})
	require.NoError(t, err)
	require.NoError(t, s.PortSetIO(wire.DirectionInput, 0, &iface.IOSlot{BufferID: bufs[0].ID}))

	slot := s.slots[bufs[0].ID]
	for i := range slot.data {
		slot.data[i] = 0xAB
	}

	require.NoError(t, s.ProcessInput())
	require.NoError(t, s.ProcessOutput())

	got := make([]byte, frameSize)
	ring.ReadAt(got, 0)
	for _, b := range got {
		require.Equal(t, byte(0xAB), b)
	}
}

func TestDriverRejectsWrongDirectionPort(t *testing.T) {
	g := NewGenerator(NewRing(shardSize))
	require.Error(t, g.AddPort(wire.DirectionInput, 0))
}

func TestDriverOnlySupportsOnePort(t *testing.T) {
	g := NewGenerator(NewRing(shardSize))
	require.NoError(t, g.AddPort(wire.DirectionOutput, 0))
	require.Error(t, g.AddPort(wire.DirectionOutput, 1))
}

var _ iface.NodeImpl = (*Generator)(nil)
