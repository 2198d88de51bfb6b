package pwcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Happy-Ferret/pwcore/internal/iface"
	"github.com/Happy-Ferret/pwcore/internal/node"
	"github.com/Happy-Ferret/pwcore/internal/wire"
)

func testFormat() wire.Format {
	return wire.Format{
		MediaType: wire.MediaTypeAudio,
		Encoding:  "f32le",
		RateNum:   48000,
		RateDenom: 1,
		Channels:  2,
	}
}

func TestAddNodeRegistersAndStartsSuspended(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	driver := NewMockNodeImpl(1, 1)
	n, err := c.AddNode("src", driver)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n.ID)
	require.Equal(t, node.StateSuspended, n.State())
	_, registered := c.Registry().Get(c.nodeGlobalID[n.ID])
	require.True(t, registered)

	snap := c.Registry().Ports()
	require.Empty(t, snap)
}

func TestAddNodeThenAddPortRegistersInRegistry(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	driver := NewMockNodeImpl(0, 1)
	n, err := c.AddNode("src", driver)
	require.NoError(t, err)

	p, err := n.AddPort(wire.DirectionOutput, 0, false)
	require.NoError(t, err)
	require.NotNil(t, p)

	globals := c.Registry().Ports()
	require.Len(t, globals, 1)

	lookedUp, ok := c.lookupPort(n.ID, p.ID)
	require.True(t, ok)
	require.Same(t, p, lookedUp)
}

func TestExplicitLinkNegotiatesAndAddsSchedulerEdge(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	format := testFormat()
	outDriver := NewMockNodeImpl(0, 1)
	outDriver.SetFormats(wire.DirectionOutput, 0, []wire.Format{format})
	inDriver := NewMockNodeImpl(1, 0)
	inDriver.SetFormats(wire.DirectionInput, 0, []wire.Format{format})

	producer, err := c.AddNode("producer", outDriver)
	require.NoError(t, err)
	consumer, err := c.AddNode("consumer", inDriver)
	require.NoError(t, err)

	_, err = producer.AddPort(wire.DirectionOutput, 0, false)
	require.NoError(t, err)
	_, err = consumer.AddPort(wire.DirectionInput, 0, false)
	require.NoError(t, err)

	l, err := c.Link(producer.ID, 0, consumer.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, l)

	// Pulling the consumer must run the producer first: both
	// ProcessOutput/ProcessInput pairs should have been invoked.
	require.NoError(t, c.Runner().Pull(consumer.ID))
	require.Equal(t, 1, outDriver.ProcessOutputCalls)
	require.Equal(t, 1, inDriver.ProcessInputCalls)
}

func TestAutoLinkWiresNodesThroughCore(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	format := testFormat()
	inDriver := NewMockNodeImpl(1, 0)
	inDriver.SetFormats(wire.DirectionInput, 0, []wire.Format{format})
	consumer, err := c.AddNode("consumer", inDriver)
	require.NoError(t, err)
	c.SetNodeProps(consumer.ID, 0, true)
	_, err = consumer.AddPort(wire.DirectionInput, 0, false)
	require.NoError(t, err)

	outDriver := NewMockNodeImpl(0, 1)
	outDriver.SetFormats(wire.DirectionOutput, 0, []wire.Format{format})
	producer, err := c.AddNode("producer", outDriver)
	require.NoError(t, err)
	c.SetNodeProps(producer.ID, 0, true)
	_, err = producer.AddPort(wire.DirectionOutput, 0, false)
	require.NoError(t, err)

	require.Len(t, c.links, 1)
}

func TestCoreStartStopRunsBothLoopsConcurrently(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Start(gctx) })
	g.Go(func() error { return c.Runner().Start(gctx) })
	require.NoError(t, g.Wait())

	<-ctx.Done()
	require.NoError(t, c.Stop())

	snap := c.MetricsSnapshot()
	require.Greater(t, snap.LoopIterations, uint64(0))
}

func TestSendNodeCommandDeliversCompletionViaWorkQueue(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	driver := NewMockNodeImpl(0, 1)
	n, err := c.AddNode("src", driver)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Runner().Start(ctx))
	defer c.Runner().Stop()

	awaitCommand := func(cmd iface.Command) error {
		done := make(chan error, 1)
		_, err := c.SendNodeCommand(n.ID, cmd, func(result error, user any) {
			done <- result
		}, nil)
		require.NoError(t, err)
		select {
		case result := <-done:
			return result
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for command completion")
			return nil
		}
	}

	// SUSPENDED -> IDLE -> RUNNING, per the §4.4 transition table.
	require.NoError(t, awaitCommand(iface.CommandPause))
	require.Equal(t, node.StateIdle, n.State())
	require.NoError(t, awaitCommand(iface.CommandStart))
	require.Equal(t, node.StateRunning, n.State())
}

func TestRemoveNodeUnregistersItsPorts(t *testing.T) {
	c, err := NewCore(DefaultCoreParams())
	require.NoError(t, err)

	driver := NewMockNodeImpl(0, 1)
	n, err := c.AddNode("src", driver)
	require.NoError(t, err)
	_, err = n.AddPort(wire.DirectionOutput, 0, false)
	require.NoError(t, err)
	require.Len(t, c.Registry().Ports(), 1)

	require.NoError(t, c.RemoveNode(n.ID))
	require.Empty(t, c.Registry().Ports())
}
