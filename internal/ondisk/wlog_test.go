package ondisk

import "testing"

func TestWlogHeaderRoundTrip(t *testing.T) {
	buf := NewBuffer(512)
	h := &WlogHeader{
		Version:    1,
		LogicalBS:  512,
		PhysicalBS: 4096,
		Salt:       0xaabbccdd,
		UUID:       [16]byte{9, 9, 9},
		BeginLsid:  10,
		EndLsid:    9999,
	}
	h.Encode(buf)
	h.FinalizeChecksum(buf)

	if !VerifyWlogChecksum(buf) {
		t.Fatalf("wlog header checksum did not verify")
	}

	got := DecodeWlogHeader(buf)
	if got.Version != h.Version || got.LogicalBS != h.LogicalBS || got.PhysicalBS != h.PhysicalBS ||
		got.Salt != h.Salt || got.UUID != h.UUID || got.BeginLsid != h.BeginLsid || got.EndLsid != h.EndLsid {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestWlogHeaderChecksumDetectsCorruption(t *testing.T) {
	buf := NewBuffer(512)
	h := &WlogHeader{BeginLsid: 1, EndLsid: 2}
	h.Encode(buf)
	h.FinalizeChecksum(buf)

	buf[44] ^= 0xff
	if VerifyWlogChecksum(buf) {
		t.Fatalf("expected corrupted wlog header to fail checksum verification")
	}
}
