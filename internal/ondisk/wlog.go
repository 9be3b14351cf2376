package ondisk

import (
	"encoding/binary"

	"github.com/herumi/go-walb/internal/checksum"
)

const (
	wlogOffChecksum    = 0
	wlogOffSectorType  = 4
	wlogOffVersion     = 6
	wlogOffLogicalBS   = 8
	wlogOffPhysicalBS  = 12
	wlogOffSalt        = 16
	wlogOffReserved    = 20
	wlogOffUUID        = 24 // 16 bytes
	wlogOffBeginLsid   = 40
	wlogOffEndLsid     = 48

	// WlogHeaderFixedSize is the fixed-field size of a wlog stream header,
	// before padding out to the stream's declared physical block size.
	WlogHeaderFixedSize = 56
)

// WlogHeader is the header of an extracted wlog stream: a self-contained
// sequence of logpacks (header sector + its log data) bracketed by
// [BeginLsid, EndLsid), used by wlog-cat/wlog-restore tooling.
type WlogHeader struct {
	Version    uint16
	LogicalBS  uint32
	PhysicalBS uint32
	Salt       uint32
	UUID       [16]byte
	BeginLsid  uint64
	EndLsid    uint64
}

// Encode serializes h into buf.
func (h *WlogHeader) Encode(buf Buffer) {
	b := buf.Bytes()
	for i := range b {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[wlogOffSectorType:], uint16(SectorTypeWalblogHeader))
	binary.LittleEndian.PutUint16(b[wlogOffVersion:], h.Version)
	binary.LittleEndian.PutUint32(b[wlogOffLogicalBS:], h.LogicalBS)
	binary.LittleEndian.PutUint32(b[wlogOffPhysicalBS:], h.PhysicalBS)
	binary.LittleEndian.PutUint32(b[wlogOffSalt:], h.Salt)
	copy(b[wlogOffUUID:wlogOffUUID+16], h.UUID[:])
	binary.LittleEndian.PutUint64(b[wlogOffBeginLsid:], h.BeginLsid)
	binary.LittleEndian.PutUint64(b[wlogOffEndLsid:], h.EndLsid)
}

// DecodeWlogHeader parses a wlog stream header out of buf.
func DecodeWlogHeader(buf Buffer) *WlogHeader {
	b := buf.Bytes()
	h := &WlogHeader{}
	h.Version = binary.LittleEndian.Uint16(b[wlogOffVersion:])
	h.LogicalBS = binary.LittleEndian.Uint32(b[wlogOffLogicalBS:])
	h.PhysicalBS = binary.LittleEndian.Uint32(b[wlogOffPhysicalBS:])
	h.Salt = binary.LittleEndian.Uint32(b[wlogOffSalt:])
	copy(h.UUID[:], b[wlogOffUUID:wlogOffUUID+16])
	h.BeginLsid = binary.LittleEndian.Uint64(b[wlogOffBeginLsid:])
	h.EndLsid = binary.LittleEndian.Uint64(b[wlogOffEndLsid:])
	return h
}

// FinalizeChecksum computes and embeds the wlog header's whole-block
// checksum under salt 0, mirroring the super sector's convention.
func (h *WlogHeader) FinalizeChecksum(buf Buffer) {
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[wlogOffChecksum:], 0)
	sum := checksum.Sum(b, 0)
	binary.LittleEndian.PutUint32(b[wlogOffChecksum:], sum)
}

// VerifyWlogChecksum reports whether buf's embedded checksum verifies under
// salt 0.
func VerifyWlogChecksum(buf Buffer) bool {
	return checksum.Verify(buf.Bytes(), 0)
}
