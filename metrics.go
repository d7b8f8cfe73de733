package eventd

import (
	"sync/atomic"
	"time"

	"github.com/coredevd/eventd/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering from 1us to 10s with logarithmic spacing.
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

// histogram is a cumulative latency histogram over LatencyBuckets,
// shared by the queue-wait and run-time measurements below.
type histogram struct {
	buckets  [numLatencyBuckets]atomic.Uint64
	total    atomic.Uint64
	count    atomic.Uint64
}

func (h *histogram) record(ns uint64) {
	h.total.Add(ns)
	h.count.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			h.buckets[i].Add(1)
		}
	}
}

func (h *histogram) avg() uint64 {
	count := h.count.Load()
	if count == 0 {
		return 0
	}
	return h.total.Load() / count
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (h *histogram) percentile(p float64) uint64 {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := h.buckets[i].Load()
		if bucketCount >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = h.buckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Metrics tracks the daemon's event and worker lifecycle statistics.
type Metrics struct {
	EventsQueued    atomic.Uint64
	EventsDispatched atomic.Uint64
	EventsCompleted atomic.Uint64
	EventsTimedOut  atomic.Uint64

	WorkersSpawned       atomic.Uint64
	WorkersKilled        atomic.Uint64
	WorkersReapedNormal  atomic.Uint64
	WorkersReapedAbnormal atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint64

	BusyScanCandidatesTotal atomic.Uint64
	BusyScanCount           atomic.Uint64

	QueueWait histogram // time an event spends QUEUED before dispatch
	RunTime   histogram // time a worker spends RUNNING an event

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the daemon as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// RecordQueueDepth records a queue-depth sample.
func (m *Metrics) RecordQueueDepth(depth int) {
	d := uint64(depth)
	m.QueueDepthTotal.Add(d)
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if d <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, d) {
			break
		}
	}
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	EventsQueued     uint64
	EventsDispatched uint64
	EventsCompleted  uint64
	EventsTimedOut   uint64

	WorkersSpawned        uint64
	WorkersKilled         uint64
	WorkersReapedNormal   uint64
	WorkersReapedAbnormal uint64

	AvgQueueDepth float64
	MaxQueueDepth uint64

	AvgQueueWaitNs   uint64
	QueueWaitP50Ns   uint64
	QueueWaitP99Ns   uint64
	AvgRunTimeNs     uint64
	RunTimeP50Ns     uint64
	RunTimeP99Ns     uint64

	UptimeNs uint64
}

// Snapshot creates a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		EventsQueued:          m.EventsQueued.Load(),
		EventsDispatched:      m.EventsDispatched.Load(),
		EventsCompleted:       m.EventsCompleted.Load(),
		EventsTimedOut:        m.EventsTimedOut.Load(),
		WorkersSpawned:        m.WorkersSpawned.Load(),
		WorkersKilled:         m.WorkersKilled.Load(),
		WorkersReapedNormal:   m.WorkersReapedNormal.Load(),
		WorkersReapedAbnormal: m.WorkersReapedAbnormal.Load(),
		MaxQueueDepth:         m.MaxQueueDepth.Load(),
		AvgQueueWaitNs:        m.QueueWait.avg(),
		AvgRunTimeNs:          m.RunTime.avg(),
	}

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}
	if m.QueueWait.count.Load() > 0 {
		snap.QueueWaitP50Ns = m.QueueWait.percentile(0.50)
		snap.QueueWaitP99Ns = m.QueueWait.percentile(0.99)
	}
	if m.RunTime.count.Load() > 0 {
		snap.RunTimeP50Ns = m.RunTime.percentile(0.50)
		snap.RunTimeP99Ns = m.RunTime.percentile(0.99)
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}

// MetricsObserver implements interfaces.Observer using the built-in
// Metrics type.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEventQueued(uint64) {
	o.metrics.EventsQueued.Add(1)
}

func (o *MetricsObserver) ObserveEventDispatched(queueWaitNs uint64) {
	o.metrics.EventsDispatched.Add(1)
	o.metrics.QueueWait.record(queueWaitNs)
}

func (o *MetricsObserver) ObserveEventCompleted(runNs uint64) {
	o.metrics.EventsCompleted.Add(1)
	o.metrics.RunTime.record(runNs)
}

func (o *MetricsObserver) ObserveEventTimedOut() {
	o.metrics.EventsTimedOut.Add(1)
}

func (o *MetricsObserver) ObserveWorkerSpawned() {
	o.metrics.WorkersSpawned.Add(1)
}

func (o *MetricsObserver) ObserveWorkerKilled() {
	o.metrics.WorkersKilled.Add(1)
}

func (o *MetricsObserver) ObserveWorkerReaped(abnormal bool) {
	if abnormal {
		o.metrics.WorkersReapedAbnormal.Add(1)
	} else {
		o.metrics.WorkersReapedNormal.Add(1)
	}
}

func (o *MetricsObserver) ObserveBusyScan(candidatesWalked int) {
	o.metrics.BusyScanCandidatesTotal.Add(uint64(candidatesWalked))
	o.metrics.BusyScanCount.Add(1)
}

func (o *MetricsObserver) ObserveQueueDepth(depth int) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check.
var _ interfaces.Observer = (*MetricsObserver)(nil)
