package ondisk

import "testing"

func TestSuperSectorRoundTrip(t *testing.T) {
	buf := NewBuffer(512)
	s := &SuperSector{
		SectorType:             SectorTypeSuper,
		Version:                CurrentSuperVersion,
		LogicalBS:              512,
		PhysicalBS:             4096,
		SnapshotMetadataSizePB: 1,
		UUID:                   [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:                   "mydevice",
		LogChecksumSalt:        0xcafef00d,
		RingBufferSizePB:       1 << 20,
		OldestLsid:             100,
		WrittenLsid:            5000,
	}
	s.Encode(buf)
	FinalizeChecksum(buf)

	if !VerifyChecksum(buf) {
		t.Fatalf("checksum did not verify after FinalizeChecksum")
	}

	got := DecodeSuperSector(buf)
	if got.SectorType != s.SectorType || got.Version != s.Version ||
		got.LogicalBS != s.LogicalBS || got.PhysicalBS != s.PhysicalBS ||
		got.SnapshotMetadataSizePB != s.SnapshotMetadataSizePB ||
		got.UUID != s.UUID || got.Name != s.Name ||
		got.LogChecksumSalt != s.LogChecksumSalt ||
		got.RingBufferSizePB != s.RingBufferSizePB ||
		got.OldestLsid != s.OldestLsid || got.WrittenLsid != s.WrittenLsid {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, s)
	}
}

func TestSuperSectorChecksumDetectsCorruption(t *testing.T) {
	buf := NewBuffer(512)
	s := &SuperSector{SectorType: SectorTypeSuper, Version: 1, PhysicalBS: 4096}
	s.Encode(buf)
	FinalizeChecksum(buf)

	buf[200] ^= 0xff
	if VerifyChecksum(buf) {
		t.Fatalf("expected corrupted sector to fail checksum verification")
	}
}

func TestSuperSectorRingBufferOffset(t *testing.T) {
	s := &SuperSector{SnapshotMetadataSizePB: 1}
	if got := s.RingBufferOffset(); got != 3 {
		t.Fatalf("RingBufferOffset() = %d, want 3", got)
	}
}

func TestSuperSectorNameTruncation(t *testing.T) {
	buf := NewBuffer(512)
	s := &SuperSector{Name: "this-name-is-definitely-longer-than-32-bytes-total"}
	s.Encode(buf)
	got := DecodeSuperSector(buf)
	if len(got.Name) > 31 {
		t.Fatalf("decoded name %q exceeds 31 bytes", got.Name)
	}
}
