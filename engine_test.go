package walb

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/herumi/go-walb/backend"
	"github.com/herumi/go-walb/internal/control"
	"github.com/herumi/go-walb/internal/pipeline"
)

func testStartParams() *control.StartParams {
	p := control.DefaultStartParams()
	p.PhysicalBS = 4096
	p.LogicalBS = 512
	p.MaxLogpackKB = 4
	p.MaxPendingMB = 1
	p.MinPendingMB = 1
	p.LogFlushIntervalMS = 0
	p.CheckpointIntervalMS = 0
	return p
}

func formatAndAttach(t *testing.T, logDev, dataDev *backend.Memory) *Engine {
	t.Helper()
	if err := Format(FormatParams{LogDevice: logDev, LogicalBS: 512, PhysicalBS: 4096, RingBufferPB: 100, Name: "test"}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	e, err := Attach(context.Background(), AttachParams{LogDevice: logDev, DataDevice: dataDev, Start: testStartParams()}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return e
}

func TestFormatAttachEmpty(t *testing.T) {
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	e := formatAndAttach(t, logDev, dataDev)
	defer Detach(context.Background(), e)

	if e.GetOldestLsid() != 0 || e.GetWrittenLsid() != 0 {
		t.Fatalf("expected zeroed lsids on fresh attach")
	}
	if e.GetLogCapacity() != 100*4096 {
		t.Fatalf("GetLogCapacity = %d, want %d", e.GetLogCapacity(), 100*4096)
	}
	if !e.IsRunning() {
		t.Fatalf("expected engine to be running after attach")
	}
	info := e.Info()
	if info.State != EngineStateAttached {
		t.Fatalf("Info().State = %v, want attached", info.State)
	}
}

func TestEngineSubmitRecordsMetrics(t *testing.T) {
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	e := formatAndAttach(t, logDev, dataDev)
	defer Detach(context.Background(), e)

	payload := bytes.Repeat([]byte{0xCD}, 4*512)
	req := pipeline.Request{Offset: 0, IOSize: 4, Payload: payload}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Submit(context.Background(), pipeline.Request{Flush: true}); err != nil {
		t.Fatalf("Submit flush: %v", err)
	}

	snap := e.MetricsSnapshot()
	if snap.WriteOps != 1 {
		t.Fatalf("WriteOps = %d, want 1", snap.WriteOps)
	}
	if snap.WriteBytes != uint64(len(payload)) {
		t.Fatalf("WriteBytes = %d, want %d", snap.WriteBytes, len(payload))
	}
	if snap.FlushOps != 1 {
		t.Fatalf("FlushOps = %d, want 1", snap.FlushOps)
	}
}

func TestDetachPersistsCheckpointAcrossReattach(t *testing.T) {
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	e := formatAndAttach(t, logDev, dataDev)

	payload := bytes.Repeat([]byte{0xEF}, 2*512)
	if err := e.Submit(context.Background(), pipeline.Request{Offset: 0, IOSize: 2, Payload: payload}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Submit(context.Background(), pipeline.Request{Flush: true}); err != nil {
		t.Fatalf("Submit flush: %v", err)
	}
	if err := Detach(context.Background(), e); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if e.IsRunning() {
		t.Fatalf("expected engine to be stopped after Detach")
	}

	e2, err := Attach(context.Background(), AttachParams{LogDevice: logDev, DataDevice: dataDev, Start: testStartParams()}, nil)
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	defer Detach(context.Background(), e2)

	if e2.GetWrittenLsid() == 0 {
		t.Fatalf("expected written_lsid to have advanced past checkpoint")
	}
	got := make([]byte, 2*512)
	if _, err := dataDev.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("data device content mismatch after reattach")
	}
}

func TestEngineFreezeMelt(t *testing.T) {
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	e := formatAndAttach(t, logDev, dataDev)
	defer Detach(context.Background(), e)

	if err := e.Freeze(0); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !e.IsFrozen() {
		t.Fatalf("expected frozen")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Submit(ctx, pipeline.Request{Offset: 0, IOSize: 1, Payload: make([]byte, 512)}); err == nil {
		t.Fatalf("expected Submit to fail while frozen")
	}

	if err := e.Melt(); err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if e.IsFrozen() {
		t.Fatalf("expected melted")
	}
}
