package walb

import (
	"sync/atomic"
	"time"
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

// Metrics tracks performance and state statistics for an attached engine.
type Metrics struct {
	// I/O operation counters, counting requests admitted into the pipeline.
	WriteOps   atomic.Uint64
	ReadOps    atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	WriteBytes   atomic.Uint64
	ReadBytes    atomic.Uint64
	DiscardBytes atomic.Uint64

	WriteErrors   atomic.Uint64
	ReadErrors    atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	// Pipeline state gauges, updated after each Engine.Submit returns.
	OldestLsid    atomic.Uint64
	WrittenLsid   atomic.Uint64
	PermanentLsid atomic.Uint64
	CompletedLsid atomic.Uint64
	SubmittedLsid atomic.Uint64
	LatestLsid    atomic.Uint64

	// LogFlushCount is a counter for log-device flushes; the engine never
	// increments it, so it stays 0 unless a caller adds to it.
	LogFlushCount atomic.Uint64
	// CheckpointCount counts checkpoints taken.
	CheckpointCount atomic.Uint64
	// OverflowEvents is a counter for transitions into log-overflow /
	// read-only; the engine never increments it.
	OverflowEvents atomic.Uint32
	// FreezeEvents is a counter for transitions into a frozen state; the
	// engine never increments it.
	FreezeEvents atomic.Uint32

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets are cumulative: bucket[i] counts ops with latency
	// <= LatencyBuckets[i].
	LatencyHist [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordWrite records a write admitted into the pipeline.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRead records a read served from the pending set or data device.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDiscard records a discard admitted into the pipeline.
func (m *Metrics) RecordDiscard(bytes uint64, latencyNs uint64, success bool) {
	m.DiscardOps.Add(1)
	if success {
		m.DiscardBytes.Add(bytes)
	} else {
		m.DiscardErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a flush barrier request.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordLsids updates the lsid gauges after an advance.
func (m *Metrics) RecordLsids(oldest, written, permanent, completed, submitted, latest uint64) {
	m.OldestLsid.Store(oldest)
	m.WrittenLsid.Store(written)
	m.PermanentLsid.Store(permanent)
	m.CompletedLsid.Store(completed)
	m.SubmittedLsid.Store(submitted)
	m.LatestLsid.Store(latest)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Stop marks the engine as detached.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	WriteOps, ReadOps, DiscardOps, FlushOps                     uint64
	WriteBytes, ReadBytes, DiscardBytes                         uint64
	WriteErrors, ReadErrors, DiscardErrors, FlushErrors          uint64
	OldestLsid, WrittenLsid, PermanentLsid                      uint64
	CompletedLsid, SubmittedLsid, LatestLsid                    uint64
	LogFlushCount, CheckpointCount                               uint64
	OverflowEvents, FreezeEvents                                 uint32
	AvgLatencyNs, UptimeNs                                       uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns                   uint64
	LatencyHistogram [numLatencyBuckets]uint64
	TotalOps, TotalBytes                                         uint64
	ErrorRate                                                    float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		WriteOps:        m.WriteOps.Load(),
		ReadOps:         m.ReadOps.Load(),
		DiscardOps:      m.DiscardOps.Load(),
		FlushOps:        m.FlushOps.Load(),
		WriteBytes:      m.WriteBytes.Load(),
		ReadBytes:       m.ReadBytes.Load(),
		DiscardBytes:    m.DiscardBytes.Load(),
		WriteErrors:     m.WriteErrors.Load(),
		ReadErrors:      m.ReadErrors.Load(),
		DiscardErrors:   m.DiscardErrors.Load(),
		FlushErrors:     m.FlushErrors.Load(),
		OldestLsid:      m.OldestLsid.Load(),
		WrittenLsid:     m.WrittenLsid.Load(),
		PermanentLsid:   m.PermanentLsid.Load(),
		CompletedLsid:   m.CompletedLsid.Load(),
		SubmittedLsid:   m.SubmittedLsid.Load(),
		LatestLsid:      m.LatestLsid.Load(),
		LogFlushCount:   m.LogFlushCount.Load(),
		CheckpointCount: m.CheckpointCount.Load(),
		OverflowEvents:  m.OverflowEvents.Load(),
		FreezeEvents:    m.FreezeEvents.Load(),
	}

	snap.TotalOps = snap.WriteOps + snap.ReadOps + snap.DiscardOps + snap.FlushOps
	snap.TotalBytes = snap.WriteBytes + snap.ReadBytes + snap.DiscardBytes

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

	totalErrors := snap.WriteErrors + snap.ReadErrors + snap.DiscardErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
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

// Reset resets all metrics counters. Useful in tests.
func (m *Metrics) Reset() {
	m.WriteOps.Store(0)
	m.ReadOps.Store(0)
	m.DiscardOps.Store(0)
	m.FlushOps.Store(0)
	m.WriteBytes.Store(0)
	m.ReadBytes.Store(0)
	m.DiscardBytes.Store(0)
	m.WriteErrors.Store(0)
	m.ReadErrors.Store(0)
	m.DiscardErrors.Store(0)
	m.FlushErrors.Store(0)
	m.LogFlushCount.Store(0)
	m.CheckpointCount.Store(0)
	m.OverflowEvents.Store(0)
	m.FreezeEvents.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, fed by Engine as it serves
// Submit and ReadPending.
type Observer interface {
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveLsids(oldest, written, permanent, completed, submitted, latest uint64)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveWrite(uint64, uint64, bool)                  {}
func (NoOpObserver) ObserveRead(uint64, uint64, bool)                   {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool)                {}
func (NoOpObserver) ObserveFlush(uint64, bool)                          {}
func (NoOpObserver) ObserveLsids(uint64, uint64, uint64, uint64, uint64, uint64) {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveLsids(oldest, written, permanent, completed, submitted, latest uint64) {
	o.metrics.RecordLsids(oldest, written, permanent, completed, submitted, latest)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
