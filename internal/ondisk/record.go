package ondisk

import "encoding/binary"

// RecordSize is the fixed on-disk size of a single log record, mirroring
// struct walb_log_record: checksum(4) flags(4) offset(8) io_size(2)
// lsid_local(2) reserved1(4) lsid(8) = 32 bytes.
const RecordSize = 32

// Log record flag bits.
const (
	RecordFlagExist   uint32 = 1 << 0
	RecordFlagPadding uint32 = 1 << 1
	RecordFlagDiscard uint32 = 1 << 2
)

// Record is one inline log record entry within a logpack.
type Record struct {
	Checksum  uint32
	Flags     uint32
	Offset    uint64 // logical block address on the data device
	IOSize    uint16 // in logical blocks
	LsidLocal uint16 // offset of this record's IO data within the logpack
	Lsid      uint64 // logpack_lsid + lsid_local
}

// Exists reports whether the RecordFlagExist bit is set.
func (r *Record) Exists() bool { return r.Flags&RecordFlagExist != 0 }

// IsPadding reports whether this record represents ring-wrap padding.
func (r *Record) IsPadding() bool { return r.Flags&RecordFlagPadding != 0 }

// IsDiscard reports whether this record represents a DISCARD request.
func (r *Record) IsDiscard() bool { return r.Flags&RecordFlagDiscard != 0 }

// Encode writes r into dst[0:RecordSize].
func (r *Record) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], r.Checksum)
	binary.LittleEndian.PutUint32(dst[4:], r.Flags)
	binary.LittleEndian.PutUint64(dst[8:], r.Offset)
	binary.LittleEndian.PutUint16(dst[16:], r.IOSize)
	binary.LittleEndian.PutUint16(dst[18:], r.LsidLocal)
	binary.LittleEndian.PutUint32(dst[20:], 0)
	binary.LittleEndian.PutUint64(dst[24:], r.Lsid)
}

// DecodeRecord parses a single record out of src[0:RecordSize].
func DecodeRecord(src []byte) Record {
	var r Record
	r.Checksum = binary.LittleEndian.Uint32(src[0:])
	r.Flags = binary.LittleEndian.Uint32(src[4:])
	r.Offset = binary.LittleEndian.Uint64(src[8:])
	r.IOSize = binary.LittleEndian.Uint16(src[16:])
	r.LsidLocal = binary.LittleEndian.Uint16(src[18:])
	r.Lsid = binary.LittleEndian.Uint64(src[24:])
	return r
}
