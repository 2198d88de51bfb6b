package pwcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsInitialSnapshotIsZero(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	require.Zero(t, snap.LoopIterations)
	require.Zero(t, snap.PullsRun)
	require.Zero(t, snap.LinksNegotiated)
}

func TestMetricsRecordsLoopAndInvokeCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordIteration()
	m.RecordIteration()
	m.RecordInvoke(true)
	m.RecordInvoke(false)
	m.RecordInvoke(true)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.LoopIterations)
	require.Equal(t, uint64(2), snap.InvokesAsync)
	require.Equal(t, uint64(1), snap.InvokesSync)
}

func TestMetricsRecordsSchedulerAndLatency(t *testing.T) {
	m := NewMetrics()
	m.RecordPull(1_000_000)
	m.RecordPush(2_000_000)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.PullsRun)
	require.Equal(t, uint64(1), snap.PushsRun)
	require.Equal(t, uint64(1_500_000), snap.AvgLatencyNs)
}

func TestMetricsRecordsNodeAndLinkOutcomes(t *testing.T) {
	m := NewMetrics()
	m.RecordNodeStateChange(false)
	m.RecordNodeStateChange(true)
	m.RecordLinkNegotiated()
	m.RecordLinkFailed()
	m.RecordLinkUnlinked()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.NodeStateChanges)
	require.Equal(t, uint64(1), snap.NodeErrors)
	require.Equal(t, uint64(1), snap.LinksNegotiated)
	require.Equal(t, uint64(1), snap.LinksFailed)
	require.Equal(t, uint64(1), snap.LinksUnlinked)
}

func TestMetricsUptimeFreezesAfterStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(5 * time.Millisecond)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(5*time.Millisecond))

	m.Stop()
	frozen := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, frozen, m.Snapshot().UptimeNs)
}

func TestMetricsResetZeroesEverything(t *testing.T) {
	m := NewMetrics()
	m.RecordIteration()
	m.RecordLinkNegotiated()
	m.RecordPull(1_000_000)

	m.Reset()
	snap := m.Snapshot()
	require.Zero(t, snap.LoopIterations)
	require.Zero(t, snap.LinksNegotiated)
	require.Zero(t, snap.AvgLatencyNs)
}

func TestMetricsHistogramPercentilesOrderCorrectly(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordPull(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordPush(5_000_000) // 5ms
	}
	m.RecordPush(50_000_000) // 50ms, the single slowest sample

	snap := m.Snapshot()
	require.Equal(t, uint64(100), snap.PullsRun+snap.PushsRun)
	require.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
	require.LessOrEqual(t, snap.LatencyP99Ns, snap.LatencyP999Ns)
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	o := &NoOpObserver{}
	require.NotPanics(t, func() {
		o.ObserveIteration()
		o.ObserveInvoke(true)
		o.ObservePull(1)
		o.ObservePush(1)
		o.ObserveNodeStateChange(false)
		o.ObserveLinkNegotiated()
		o.ObserveLinkFailed()
		o.ObserveLinkUnlinked()
	})
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveIteration()
	o.ObserveLinkNegotiated()
	o.ObserveNodeStateChange(true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.LoopIterations)
	require.Equal(t, uint64(1), snap.LinksNegotiated)
	require.Equal(t, uint64(1), snap.NodeErrors)
}
