package ondisk

import (
	"encoding/binary"

	"github.com/herumi/go-walb/internal/checksum"
)

const (
	logpackOffChecksum     = 0
	logpackOffSectorType   = 4
	logpackOffTotalIOSize  = 6
	logpackOffLogpackLsid  = 8
	logpackOffNRecords     = 16
	logpackOffNPadding     = 18
	logpackOffReserved     = 20

	// LogpackHeaderFixedSize is the size of the fixed fields, before the
	// inline record array.
	LogpackHeaderFixedSize = 24
)

// MaxRecordsInSector returns the maximum number of Records that fit in a
// logpack header sector of size pbs, after the fixed header fields.
func MaxRecordsInSector(pbs int) int {
	return (pbs - LogpackHeaderFixedSize) / RecordSize
}

// LogpackHeader is the decoded logpack header sector: fixed fields plus the
// inline record array.
type LogpackHeader struct {
	SectorType  SectorType
	TotalIOSize uint16 // sum of ceil(io_size/lbs_per_pb) over all non-padding, non-discard records, in physical blocks
	LogpackLsid uint64
	NPadding    uint16
	Records     []Record
}

// Encode serializes h into buf, which must be at least
// LogpackHeaderFixedSize + len(h.Records)*RecordSize bytes.
func (h *LogpackHeader) Encode(buf Buffer) {
	b := buf.Bytes()
	for i := range b {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[logpackOffSectorType:], uint16(SectorTypeLogpack))
	binary.LittleEndian.PutUint16(b[logpackOffTotalIOSize:], h.TotalIOSize)
	binary.LittleEndian.PutUint64(b[logpackOffLogpackLsid:], h.LogpackLsid)
	binary.LittleEndian.PutUint16(b[logpackOffNRecords:], uint16(len(h.Records)))
	binary.LittleEndian.PutUint16(b[logpackOffNPadding:], h.NPadding)
	for i, r := range h.Records {
		off := LogpackHeaderFixedSize + i*RecordSize
		r.Encode(b[off : off+RecordSize])
	}
}

// FinalizeChecksum computes and embeds the logpack header's checksum under
// the given device salt, covering exactly LogpackHeaderFixedSize plus the
// encoded record array — not the rest of the (possibly larger) sector.
func (h *LogpackHeader) FinalizeChecksum(buf Buffer, salt uint32) {
	b := buf.Bytes()
	n := LogpackHeaderFixedSize + len(h.Records)*RecordSize
	binary.LittleEndian.PutUint32(b[logpackOffChecksum:], 0)
	sum := checksum.Sum(b[:n], salt)
	binary.LittleEndian.PutUint32(b[logpackOffChecksum:], sum)
}

// VerifyLogpackChecksum reports whether the encoded header covering nRecords
// records verifies under salt.
func VerifyLogpackChecksum(buf Buffer, nRecords int, salt uint32) bool {
	b := buf.Bytes()
	n := LogpackHeaderFixedSize + nRecords*RecordSize
	if n > len(b) {
		return false
	}
	return checksum.Verify(b[:n], salt)
}

// DecodeLogpackHeader parses a logpack header sector out of buf, reading
// exactly nRecords inline records.
func DecodeLogpackHeader(buf Buffer, nRecords int) *LogpackHeader {
	b := buf.Bytes()
	h := &LogpackHeader{}
	h.SectorType = SectorType(binary.LittleEndian.Uint16(b[logpackOffSectorType:]))
	h.TotalIOSize = binary.LittleEndian.Uint16(b[logpackOffTotalIOSize:])
	h.LogpackLsid = binary.LittleEndian.Uint64(b[logpackOffLogpackLsid:])
	h.NPadding = binary.LittleEndian.Uint16(b[logpackOffNPadding:])
	h.Records = make([]Record, nRecords)
	for i := 0; i < nRecords; i++ {
		off := LogpackHeaderFixedSize + i*RecordSize
		h.Records[i] = DecodeRecord(b[off : off+RecordSize])
	}
	return h
}

// DecodeNRecords reads just the n_records field out of an encoded logpack
// header sector, so callers can size DecodeLogpackHeader's nRecords.
func DecodeNRecords(buf Buffer) int {
	return int(binary.LittleEndian.Uint16(buf.Bytes()[logpackOffNRecords:]))
}

// NextLsid returns the lsid of the logpack immediately following h: its own
// lsid, plus one for the header sector, plus its data in physical blocks
// (TotalIOSize, already in pb) plus any ring-wrap padding blocks. NPadding
// only counts padding records (0 or 1 by construction), not their size, so
// the actual padding block count is recovered from the padding record's
// own IOSize.
func (h *LogpackHeader) NextLsid(lbsPerPb uint64) uint64 {
	paddingPB := uint64(0)
	for _, r := range h.Records {
		if r.IsPadding() {
			paddingPB += (uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb
		}
	}
	return h.LogpackLsid + 1 + uint64(h.TotalIOSize) + paddingPB
}
