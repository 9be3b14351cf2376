// Package geometry translates lsids into physical offsets within a log
// device's ring buffer.
package geometry

// RingBufferOffset returns the pb offset (from the log device's start) of the
// first byte of the ring buffer, given the reserved snapshot metadata size.
//
//	ring_buffer_offset = 1 + 2*snapshot_metadata_size
//
// (1 pb for the primary super sector at pb 0, snapshot_metadata_size pb
// reserved, 1 pb for the secondary super sector at pb 1+snapshot_metadata_size,
// then snapshot_metadata_size-1 pb reserved before the ring).
func RingBufferOffset(snapshotMetadataSizePB uint32) uint64 {
	return 1 + 2*uint64(snapshotMetadataSizePB)
}

// OffsetOfLsid maps an lsid to its pb offset from the log device's start.
// The mapping wraps around the ring: OffsetOfLsid(lsid+ringBufferSize, ...)
// always equals OffsetOfLsid(lsid, ...).
func OffsetOfLsid(lsid uint64, ringBufferOffset, ringBufferSize uint64) uint64 {
	return ringBufferOffset + (lsid % ringBufferSize)
}

// PBFromBytes rounds byteSize up to a whole number of pb-sized blocks.
func PBFromBytes(byteSize, pbs uint64) uint64 {
	return (byteSize + pbs - 1) / pbs
}
