// Package ondisk defines WalB's on-disk wire formats — the super sector,
// logpack header, log record, and wlog stream header — and their field-by-field
// little-endian encodings. Every struct here is packed and bit-exact: fields
// are never serialized via unsafe/direct memory copy, only via explicit
// encoding/binary calls, so the wire format never depends on this program's
// struct layout.
package ondisk

// SectorType identifies the kind of sector stored at a given physical-block
// offset. SectorTypeSnapshot is reserved for the snapshot metadata region;
// this engine does not implement snapshot semantics (see spec Non-goals).
type SectorType uint16

const (
	SectorTypeSuper         SectorType = 1
	SectorTypeSnapshot      SectorType = 2
	SectorTypeLogpack       SectorType = 3
	SectorTypeWalblogHeader SectorType = 4
)

// Buffer is an aligned physical-block-sized byte buffer. Callers size it to
// the device's physical block size (pbs) and use the typed Encode/Decode
// helpers in super.go, logpack.go, and wlog.go to interpret its contents.
type Buffer []byte

// NewBuffer allocates a zeroed sector buffer of exactly pbs bytes.
func NewBuffer(pbs int) Buffer {
	return make(Buffer, pbs)
}

// Bytes returns the raw backing slice.
func (b Buffer) Bytes() []byte { return []byte(b) }

// putFixedString writes s into dst, NUL-terminating and zero-padding the
// remainder. It truncates if s is too long to fit (including the terminator).
func putFixedString(dst []byte, s string) {
	n := len(dst) - 1
	if len(s) < n {
		n = len(s)
	}
	copy(dst, s[:n])
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// getFixedString reads a NUL-terminated string out of a fixed-size field.
func getFixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}
