package pwcore

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the scheduler latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing (same shape
// the teacher uses for I/O latency, retargeted at whole Scheduler.Pull/
// Push calls, as fed by RecordPull/RecordPush, instead of block I/O).
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Core.
type Metrics struct {
	// Loop iteration counters.
	LoopIterations atomic.Uint64 // Total Iterate() calls
	InvokesAsync   atomic.Uint64 // Invoke() calls queued for the loop thread
	InvokesSync    atomic.Uint64 // Invoke() calls run synchronously (reentrant)

	// Graph scheduling counters.
	PullsRun atomic.Uint64 // Scheduler.Pull invocations
	PushsRun atomic.Uint64 // Scheduler.Push invocations

	// Node lifecycle counters.
	NodeStateChanges atomic.Uint64
	NodeErrors       atomic.Uint64

	// Link negotiation counters.
	LinksNegotiated atomic.Uint64 // Activate() reached PAUSED
	LinksFailed     atomic.Uint64 // Activate() reached ERROR
	LinksUnlinked   atomic.Uint64

	// Performance tracking for Scheduler.Pull/Push calls.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds
	// the count of operations with latency <= LatencyBuckets[i].
	ProcessLatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Core lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIteration records one Loop.Iterate call.
func (m *Metrics) RecordIteration() {
	m.LoopIterations.Add(1)
}

// RecordInvoke records one Invoke call, split by whether it ran
// synchronously (reentrant, on the loop thread) or was queued.
func (m *Metrics) RecordInvoke(async bool) {
	if async {
		m.InvokesAsync.Add(1)
	} else {
		m.InvokesSync.Add(1)
	}
}

// RecordPull/RecordPush record one Scheduler.Pull/Push call and its
// latency.
func (m *Metrics) RecordPull(latencyNs uint64) {
	m.PullsRun.Add(1)
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordPush(latencyNs uint64) {
	m.PushsRun.Add(1)
	m.recordLatency(latencyNs)
}

// RecordNodeStateChange records a Node.updateState transition.
func (m *Metrics) RecordNodeStateChange(isError bool) {
	m.NodeStateChanges.Add(1)
	if isError {
		m.NodeErrors.Add(1)
	}
}

// RecordLinkOutcome records the terminal state an Activate() call
// reached, or an Unlink.
func (m *Metrics) RecordLinkNegotiated() { m.LinksNegotiated.Add(1) }
func (m *Metrics) RecordLinkFailed()     { m.LinksFailed.Add(1) }
func (m *Metrics) RecordLinkUnlinked()   { m.LinksUnlinked.Add(1) }

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.ProcessLatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the core as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	LoopIterations uint64
	InvokesAsync   uint64
	InvokesSync    uint64

	PullsRun uint64
	PushsRun uint64

	NodeStateChanges uint64
	NodeErrors       uint64

	LinksNegotiated uint64
	LinksFailed     uint64
	LinksUnlinked   uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		LoopIterations:   m.LoopIterations.Load(),
		InvokesAsync:     m.InvokesAsync.Load(),
		InvokesSync:      m.InvokesSync.Load(),
		PullsRun:         m.PullsRun.Load(),
		PushsRun:         m.PushsRun.Load(),
		NodeStateChanges: m.NodeStateChanges.Load(),
		NodeErrors:       m.NodeErrors.Load(),
		LinksNegotiated:  m.LinksNegotiated.Load(),
		LinksFailed:      m.LinksFailed.Load(),
		LinksUnlinked:    m.LinksUnlinked.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.ProcessLatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.ProcessLatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.ProcessLatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.LoopIterations.Store(0)
	m.InvokesAsync.Store(0)
	m.InvokesSync.Store(0)
	m.PullsRun.Store(0)
	m.PushsRun.Store(0)
	m.NodeStateChanges.Store(0)
	m.NodeErrors.Store(0)
	m.LinksNegotiated.Store(0)
	m.LinksFailed.Store(0)
	m.LinksUnlinked.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.ProcessLatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, mirroring the
// teacher's Observer/NoOpObserver/MetricsObserver trio.
type Observer interface {
	ObserveIteration()
	ObserveInvoke(async bool)
	ObservePull(latencyNs uint64)
	ObservePush(latencyNs uint64)
	ObserveNodeStateChange(isError bool)
	ObserveLinkNegotiated()
	ObserveLinkFailed()
	ObserveLinkUnlinked()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIteration()              {}
func (NoOpObserver) ObserveInvoke(bool)              {}
func (NoOpObserver) ObservePull(uint64)              {}
func (NoOpObserver) ObservePush(uint64)              {}
func (NoOpObserver) ObserveNodeStateChange(bool)      {}
func (NoOpObserver) ObserveLinkNegotiated()           {}
func (NoOpObserver) ObserveLinkFailed()               {}
func (NoOpObserver) ObserveLinkUnlinked()             {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIteration()         { o.metrics.RecordIteration() }
func (o *MetricsObserver) ObserveInvoke(async bool)   { o.metrics.RecordInvoke(async) }
func (o *MetricsObserver) ObservePull(ns uint64)      { o.metrics.RecordPull(ns) }
func (o *MetricsObserver) ObservePush(ns uint64)      { o.metrics.RecordPush(ns) }
func (o *MetricsObserver) ObserveNodeStateChange(isError bool) {
	o.metrics.RecordNodeStateChange(isError)
}
func (o *MetricsObserver) ObserveLinkNegotiated() { o.metrics.RecordLinkNegotiated() }
func (o *MetricsObserver) ObserveLinkFailed()     { o.metrics.RecordLinkFailed() }
func (o *MetricsObserver) ObserveLinkUnlinked()   { o.metrics.RecordLinkUnlinked() }

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
