package ondisk

import (
	"encoding/binary"

	"github.com/herumi/go-walb/internal/checksum"
)

// Super sector field offsets (packed, little-endian). Kept at two fixed
// pb offsets on the log device: primary at pb 0, secondary at
// 1 + SnapshotMetadataSizePB, with the ring buffer starting at
// 1 + 2*SnapshotMetadataSizePB (see geometry.RingBufferOffset).
// Fields beyond the fixed region are zero-padded out to the
// device's physical block size.
const (
	superOffChecksum               = 0
	superOffSectorType             = 4
	superOffVersion                = 6
	superOffLogicalBS               = 8
	superOffPhysicalBS              = 12
	superOffSnapshotMetadataSizePB  = 16
	superOffReserved                = 20
	superOffUUID                    = 24 // 16 bytes
	superOffName                    = 40 // 32 bytes, NUL-terminated
	superOffLogChecksumSalt         = 72
	superOffPad                     = 76
	superOffRingBufferSizePB        = 80
	superOffOldestLsid              = 88
	superOffWrittenLsid             = 96

	// SuperSectorFixedSize is the number of bytes the fixed fields occupy;
	// the rest of the sector (out to the physical block size) is zero-padded.
	SuperSectorFixedSize = 104

	// CurrentSuperVersion is this engine's on-disk format version.
	CurrentSuperVersion = 1
)

// SuperSector is the decoded form of the super sector.
type SuperSector struct {
	Checksum               uint32
	SectorType             SectorType
	Version                uint16
	LogicalBS              uint32
	PhysicalBS             uint32
	SnapshotMetadataSizePB uint32
	UUID                   [16]byte
	Name                   string
	LogChecksumSalt        uint32
	RingBufferSizePB       uint64
	OldestLsid             uint64
	WrittenLsid            uint64
}

// Encode serializes s into buf (sized to the device's pbs), field by field,
// little-endian. The checksum field is written as s.Checksum verbatim — call
// FinalizeChecksum to compute and embed a valid one first.
func (s *SuperSector) Encode(buf Buffer) {
	b := buf.Bytes()
	for i := range b {
		b[i] = 0
	}
	binary.LittleEndian.PutUint32(b[superOffChecksum:], s.Checksum)
	binary.LittleEndian.PutUint16(b[superOffSectorType:], uint16(s.SectorType))
	binary.LittleEndian.PutUint16(b[superOffVersion:], s.Version)
	binary.LittleEndian.PutUint32(b[superOffLogicalBS:], s.LogicalBS)
	binary.LittleEndian.PutUint32(b[superOffPhysicalBS:], s.PhysicalBS)
	binary.LittleEndian.PutUint32(b[superOffSnapshotMetadataSizePB:], s.SnapshotMetadataSizePB)
	copy(b[superOffUUID:superOffUUID+16], s.UUID[:])
	putFixedString(b[superOffName:superOffName+32], s.Name)
	binary.LittleEndian.PutUint32(b[superOffLogChecksumSalt:], s.LogChecksumSalt)
	binary.LittleEndian.PutUint64(b[superOffRingBufferSizePB:], s.RingBufferSizePB)
	binary.LittleEndian.PutUint64(b[superOffOldestLsid:], s.OldestLsid)
	binary.LittleEndian.PutUint64(b[superOffWrittenLsid:], s.WrittenLsid)
}

// DecodeSuperSector parses a super sector out of buf.
func DecodeSuperSector(buf Buffer) *SuperSector {
	b := buf.Bytes()
	s := &SuperSector{}
	s.Checksum = binary.LittleEndian.Uint32(b[superOffChecksum:])
	s.SectorType = SectorType(binary.LittleEndian.Uint16(b[superOffSectorType:]))
	s.Version = binary.LittleEndian.Uint16(b[superOffVersion:])
	s.LogicalBS = binary.LittleEndian.Uint32(b[superOffLogicalBS:])
	s.PhysicalBS = binary.LittleEndian.Uint32(b[superOffPhysicalBS:])
	s.SnapshotMetadataSizePB = binary.LittleEndian.Uint32(b[superOffSnapshotMetadataSizePB:])
	copy(s.UUID[:], b[superOffUUID:superOffUUID+16])
	s.Name = getFixedString(b[superOffName : superOffName+32])
	s.LogChecksumSalt = binary.LittleEndian.Uint32(b[superOffLogChecksumSalt:])
	s.RingBufferSizePB = binary.LittleEndian.Uint64(b[superOffRingBufferSizePB:])
	s.OldestLsid = binary.LittleEndian.Uint64(b[superOffOldestLsid:])
	s.WrittenLsid = binary.LittleEndian.Uint64(b[superOffWrittenLsid:])
	return s
}

// FinalizeChecksum computes the super sector's whole-block checksum (salt 0;
// for any valid super sector s, checksum(serialize(s with checksum=0), 0)
// must equal s.checksum) and writes it into buf.
func FinalizeChecksum(buf Buffer) {
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[superOffChecksum:], 0)
	sum := checksum.Sum(b, 0)
	binary.LittleEndian.PutUint32(b[superOffChecksum:], sum)
}

// VerifyChecksum reports whether buf's embedded checksum is valid under
// salt 0, i.e. checksum.Verify(buf, 0).
func VerifyChecksum(buf Buffer) bool {
	return checksum.Verify(buf.Bytes(), 0)
}

// RingBufferOffset returns 1 + 2*SnapshotMetadataSizePB, the pb offset (from
// the log device's start) of the ring buffer.
func (s *SuperSector) RingBufferOffset() uint64 {
	return 1 + 2*uint64(s.SnapshotMetadataSizePB)
}
