package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Happy-Ferret/pwcore/internal/wire"
)

func TestAddAssignsMonotonicIDsStartingAt1(t *testing.T) {
	r := New()
	id1 := r.Add(KindNode, nil)
	id2 := r.Add(KindNode, nil)
	require.Equal(t, uint32(1), id1)
	require.Equal(t, uint32(2), id2)
}

func TestAddBroadcastsGlobalAdded(t *testing.T) {
	r := New()
	var added []Global
	r.AddListener(Listeners{GlobalAdded: func(g Global) { added = append(added, g) }})

	id := r.Add(KindPort, &PortProps{NodeID: 1, PortID: 0})
	require.Len(t, added, 1)
	require.Equal(t, id, added[0].ID)
}

func TestRemoveBroadcastsGlobalRemovedAndDeletes(t *testing.T) {
	r := New()
	var removed []Global
	r.AddListener(Listeners{GlobalRemoved: func(g Global) { removed = append(removed, g) }})

	id := r.Add(KindNode, nil)
	r.Remove(id)
	require.Len(t, removed, 1)
	_, ok := r.Get(id)
	require.False(t, ok)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.Remove(999) })
}

func TestFindPortExcludesOwnNodeAndSaturatedPorts(t *testing.T) {
	r := New()
	r.Add(KindPort, &PortProps{NodeID: 1, PortID: 0, Direction: wire.DirectionOutput, MediaType: wire.MediaTypeAudio})
	r.Add(KindPort, &PortProps{NodeID: 1, PortID: 1, Direction: wire.DirectionInput, MediaType: wire.MediaTypeAudio, Saturated: true})
	id3 := r.Add(KindPort, &PortProps{NodeID: 2, PortID: 0, Direction: wire.DirectionInput, MediaType: wire.MediaTypeAudio})

	pp, ok := r.FindPort(wire.DirectionInput, wire.MediaTypeAudio, 1, 0)
	require.True(t, ok)
	require.Equal(t, uint32(2), pp.NodeID)
	_ = id3
}

func TestFindPortHonorsPathNodeID(t *testing.T) {
	r := New()
	r.Add(KindPort, &PortProps{NodeID: 2, PortID: 0, Direction: wire.DirectionInput, MediaType: wire.MediaTypeAudio})
	r.Add(KindPort, &PortProps{NodeID: 3, PortID: 0, Direction: wire.DirectionInput, MediaType: wire.MediaTypeAudio})

	pp, ok := r.FindPort(wire.DirectionInput, wire.MediaTypeAudio, 1, 3)
	require.True(t, ok)
	require.Equal(t, uint32(3), pp.NodeID)
}

func TestFindPortReturnsFalseWhenNoneMatch(t *testing.T) {
	r := New()
	_, ok := r.FindPort(wire.DirectionInput, wire.MediaTypeAudio, 1, 0)
	require.False(t, ok)
}

func TestUpdateReplacesPropsWithoutRebroadcasting(t *testing.T) {
	r := New()
	var addedCount int
	r.AddListener(Listeners{GlobalAdded: func(Global) { addedCount++ }})
	id := r.Add(KindPort, &PortProps{NodeID: 1, PortID: 0})

	r.Update(id, &PortProps{NodeID: 1, PortID: 0, Saturated: true})
	g, ok := r.Get(id)
	require.True(t, ok)
	require.True(t, g.Props.(*PortProps).Saturated)
	require.Equal(t, 1, addedCount)
}
