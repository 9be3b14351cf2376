package wlog

import (
	"bytes"
	"testing"

	"github.com/herumi/go-walb/backend"
	"github.com/herumi/go-walb/internal/checksum"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/ondisk"
)

func writeTestPack(t *testing.T, cfg SourceConfig, lsid uint64, rec ondisk.Record, payload []byte) uint64 {
	t.Helper()
	lbsPerPb := cfg.lbsPerPb()
	dataPB := uint16((uint64(rec.IOSize) + lbsPerPb - 1) / lbsPerPb)
	h := &ondisk.LogpackHeader{LogpackLsid: lsid, Records: []ondisk.Record{rec}, TotalIOSize: dataPB}
	buf := ondisk.NewBuffer(ondisk.LogpackHeaderFixedSize + ondisk.RecordSize)
	h.Encode(buf)
	h.FinalizeChecksum(buf, cfg.Salt)
	if _, err := cfg.LogDevice.WriteAt(buf.Bytes(), cfg.pbOffset(lsid)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := cfg.LogDevice.WriteAt(payload, cfg.pbOffset(lsid+1)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return h.NextLsid(cfg.lbsPerPb())
}

func TestExtractThenRedoReproducesData(t *testing.T) {
	logDev := backend.NewMemory(8 << 20)
	cfg := SourceConfig{
		LogDevice:        logDev,
		PhysicalBS:       4096,
		LogicalBS:        512,
		Salt:             0x9999,
		RingBufferOffset: geometry.RingBufferOffset(1),
		RingBufferPB:     1000,
	}

	payload := bytes.Repeat([]byte{0x42}, 8*512)
	rec := ondisk.Record{Flags: ondisk.RecordFlagExist, Offset: 5, IOSize: 8, LsidLocal: 1}
	rec.Checksum = checksum.Sum(payload, cfg.Salt)
	end := writeTestPack(t, cfg, 0, rec, payload)

	var stream bytes.Buffer
	if err := Extract(cfg, &stream, 0, end); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	dataDev := backend.NewMemory(1 << 20)
	n, err := Redo(bytes.NewReader(stream.Bytes()), cfg.PhysicalBS, dataDev)
	if err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed %d packs, want 1", n)
	}

	got := make([]byte, 8*512)
	if _, err := dataDev.ReadAt(got, 5*512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("redo output mismatch")
	}
}

func TestInspectListsLogpacks(t *testing.T) {
	logDev := backend.NewMemory(8 << 20)
	cfg := SourceConfig{
		LogDevice:        logDev,
		PhysicalBS:       4096,
		LogicalBS:        512,
		Salt:             0x1,
		RingBufferOffset: geometry.RingBufferOffset(1),
		RingBufferPB:     1000,
	}
	payload := bytes.Repeat([]byte{0x7}, 8*512)
	rec := ondisk.Record{Flags: ondisk.RecordFlagExist, Offset: 0, IOSize: 8, LsidLocal: 1}
	rec.Checksum = checksum.Sum(payload, cfg.Salt)
	end := writeTestPack(t, cfg, 0, rec, payload)

	var stream bytes.Buffer
	if err := Extract(cfg, &stream, 0, end); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	summaries, err := Inspect(bytes.NewReader(stream.Bytes()), cfg.PhysicalBS)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Lsid != 0 || summaries[0].TotalIOSize != 1 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestNewUUIDIsRandomAndSized(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	if a == b {
		t.Fatalf("expected two calls to NewUUID to differ")
	}
}
