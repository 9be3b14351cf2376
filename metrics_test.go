package walb

import (
	"testing"
	"time"
)

func TestMetricsBasic(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordWrite(2048, 2_000_000, true) // 2KB write, 2ms latency, success
	m.RecordRead(1024, 1_000_000, true)  // 1KB read, 1ms latency, success
	m.RecordRead(512, 500_000, false)    // 512B read, 0.5ms latency, error

	snap = m.Snapshot()

	if snap.ReadOps != 2 {
		t.Errorf("ReadOps = %d, want 2", snap.ReadOps)
	}
	if snap.WriteOps != 1 {
		t.Errorf("WriteOps = %d, want 1", snap.WriteOps)
	}
	if snap.ReadBytes != 1024 {
		t.Errorf("ReadBytes = %d, want 1024", snap.ReadBytes)
	}
	if snap.WriteBytes != 2048 {
		t.Errorf("WriteBytes = %d, want 2048", snap.WriteBytes)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("ReadErrors = %d, want 1", snap.ReadErrors)
	}
	if snap.WriteErrors != 0 {
		t.Errorf("WriteErrors = %d, want 0", snap.WriteErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("ErrorRate = %.1f%%, want ~%.1f%%", snap.ErrorRate, expectedErrorRate)
	}
}

func TestMetricsDiscardAndFlush(t *testing.T) {
	m := NewMetrics()

	m.RecordDiscard(4096, 100_000, true)
	m.RecordFlush(50_000, true)
	m.RecordFlush(50_000, false)

	snap := m.Snapshot()
	if snap.DiscardOps != 1 || snap.DiscardBytes != 4096 {
		t.Errorf("DiscardOps/Bytes = %d/%d, want 1/4096", snap.DiscardOps, snap.DiscardBytes)
	}
	if snap.FlushOps != 2 {
		t.Errorf("FlushOps = %d, want 2", snap.FlushOps)
	}
	if snap.FlushErrors != 1 {
		t.Errorf("FlushErrors = %d, want 1", snap.FlushErrors)
	}
}

func TestMetricsLsidGauges(t *testing.T) {
	m := NewMetrics()
	m.RecordLsids(10, 20, 30, 40, 50, 60)

	snap := m.Snapshot()
	if snap.OldestLsid != 10 || snap.LatestLsid != 60 {
		t.Errorf("lsid gauges = %+v, want oldest=10 latest=60", snap)
	}
	if snap.WrittenLsid != 20 || snap.PermanentLsid != 30 || snap.CompletedLsid != 40 || snap.SubmittedLsid != 50 {
		t.Errorf("unexpected lsid gauges: %+v", snap)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1_000_000, true)  // 1ms
	m.RecordWrite(1024, 2_000_000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("AvgLatencyNs = %d, want %d", snap.AvgLatencyNs, expectedAvgNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)
	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("UptimeNs = %d, want >= 10ms", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)
	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("uptime increased too much after Stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordWrite(2048, 2_000_000, true)
	m.RecordRead(1024, 1_000_000, true)
	m.RecordLsids(1, 2, 3, 4, 5, 6)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Fatal("expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("TotalOps = %d, want 0 after reset", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("TotalBytes = %d, want 0 after reset", snap.TotalBytes)
	}
}

func TestObservers(t *testing.T) {
	observer := NoOpObserver{}
	observer.ObserveWrite(1024, 1_000_000, true)
	observer.ObserveRead(1024, 1_000_000, true)
	observer.ObserveDiscard(1024, 1_000_000, true)
	observer.ObserveFlush(1_000_000, true)
	observer.ObserveLsids(1, 2, 3, 4, 5, 6)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveWrite(1024, 1_000_000, true)
	metricsObserver.ObserveRead(2048, 2_000_000, true)
	metricsObserver.ObserveLsids(1, 2, 3, 4, 5, 6)

	snap := m.Snapshot()
	if snap.WriteOps != 1 || snap.ReadOps != 1 {
		t.Errorf("WriteOps/ReadOps = %d/%d, want 1/1", snap.WriteOps, snap.ReadOps)
	}
	if snap.WriteBytes != 1024 || snap.ReadBytes != 2048 {
		t.Errorf("WriteBytes/ReadBytes = %d/%d, want 1024/2048", snap.WriteBytes, snap.ReadBytes)
	}
	if snap.LatestLsid != 6 {
		t.Errorf("LatestLsid = %d, want 6", snap.LatestLsid)
	}
}

func TestMetricsHistogramPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordRead(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordWrite(1024, 5_000_000, true) // 5ms
	}
	m.RecordWrite(1024, 50_000_000, true) // 50ms, the P99

	snap := m.Snapshot()
	if snap.TotalOps != 100 {
		t.Errorf("TotalOps = %d, want 100", snap.TotalOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("LatencyP50Ns = %d, want in [100us, 1ms]", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("LatencyP99Ns = %d, want in [5ms, 100ms]", snap.LatencyP99Ns)
	}

	var totalInBuckets uint64
	for _, v := range snap.LatencyHistogram {
		totalInBuckets += v
	}
	if totalInBuckets == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}
