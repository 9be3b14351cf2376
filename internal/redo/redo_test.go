package redo

import (
	"bytes"
	"testing"

	"github.com/herumi/go-walb/backend"
	"github.com/herumi/go-walb/internal/checksum"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/ondisk"
)

func writeLogpack(t *testing.T, cfg Config, lsid uint64, records []ondisk.Record, payloads [][]byte) {
	t.Helper()
	lbsPerPb := cfg.lbsPerPb()
	h := &ondisk.LogpackHeader{LogpackLsid: lsid, Records: records}
	for _, r := range records {
		if !r.IsPadding() && !r.IsDiscard() {
			h.TotalIOSize += uint16((uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb)
		}
	}
	buf := ondisk.NewBuffer(ondisk.LogpackHeaderFixedSize + len(records)*ondisk.RecordSize)
	h.Encode(buf)
	h.FinalizeChecksum(buf, cfg.Salt)

	off := cfg.pbOffset(lsid)
	if _, err := cfg.LogDevice.WriteAt(buf.Bytes(), off); err != nil {
		t.Fatalf("write header: %v", err)
	}
	dataLsid := lsid + 1
	for i, payload := range payloads {
		if payload == nil {
			continue
		}
		off := cfg.pbOffset(dataLsid)
		if _, err := cfg.LogDevice.WriteAt(payload, off); err != nil {
			t.Fatalf("write payload %d: %v", i, err)
		}
		dataLsid += (uint64(records[i].IOSize) + lbsPerPb - 1) / lbsPerPb
	}
}

func testConfig(logDev, dataDev device.BlockDevice) Config {
	return Config{
		LogDevice:        logDev,
		DataDevice:       dataDev,
		PhysicalBS:       4096,
		LogicalBS:        512,
		Salt:             0x1234,
		RingBufferOffset: geometry.RingBufferOffset(1),
		RingBufferPB:     1000,
	}
}

func TestRedoReplaysSingleRecord(t *testing.T) {
	logDev := backend.NewMemory(8 << 20)
	dataDev := backend.NewMemory(1 << 20)
	cfg := testConfig(logDev, dataDev)

	payload := bytes.Repeat([]byte{0xAB}, 8*512)
	rec := ondisk.Record{Flags: ondisk.RecordFlagExist, Offset: 10, IOSize: 8, LsidLocal: 1}
	rec.Checksum = checksum.Sum(payload, cfg.Salt)
	writeLogpack(t, cfg, 0, []ondisk.Record{rec}, [][]byte{payload})

	res, err := Run(cfg, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.NPacksReplayed != 1 {
		t.Fatalf("NPacksReplayed = %d, want 1", res.NPacksReplayed)
	}
	if res.EndLsid != 2 {
		t.Fatalf("EndLsid = %d, want 2", res.EndLsid)
	}

	got := make([]byte, 8*512)
	if _, err := dataDev.ReadAt(got, 10*512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("data device content mismatch after redo")
	}
}

func TestRedoStopsAtInvalidChecksum(t *testing.T) {
	logDev := backend.NewMemory(8 << 20)
	dataDev := backend.NewMemory(1 << 20)
	cfg := testConfig(logDev, dataDev)

	payload := bytes.Repeat([]byte{0xCD}, 8*512)
	rec := ondisk.Record{Flags: ondisk.RecordFlagExist, Offset: 0, IOSize: 8, LsidLocal: 1}
	rec.Checksum = 0xbadc0de // intentionally wrong
	writeLogpack(t, cfg, 0, []ondisk.Record{rec}, [][]byte{payload})

	res, err := Run(cfg, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EndLsid != 0 {
		t.Fatalf("EndLsid = %d, want 0 (no valid records to advance past)", res.EndLsid)
	}
}

func TestRedoIsIdempotent(t *testing.T) {
	logDev := backend.NewMemory(8 << 20)
	dataDev := backend.NewMemory(1 << 20)
	cfg := testConfig(logDev, dataDev)

	payload := bytes.Repeat([]byte{0x11}, 8*512)
	rec := ondisk.Record{Flags: ondisk.RecordFlagExist, Offset: 0, IOSize: 8, LsidLocal: 1}
	rec.Checksum = checksum.Sum(payload, cfg.Salt)
	writeLogpack(t, cfg, 0, []ondisk.Record{rec}, [][]byte{payload})

	first, err := Run(cfg, 0)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := Run(cfg, first.EndLsid)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.NPacksReplayed != 0 {
		t.Fatalf("expected second pass to replay nothing, got %d", second.NPacksReplayed)
	}
	if second.EndLsid != first.EndLsid {
		t.Fatalf("EndLsid changed across idempotent re-run: %d != %d", second.EndLsid, first.EndLsid)
	}
}
