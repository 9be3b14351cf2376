// Package checksum implements WalB's incremental rolling 32-bit checksum.
//
// The algorithm treats a byte slice as an array of little-endian u32 words,
// accumulates them into a 64-bit sum, then folds the sum down to 32 bits and
// negates it (two's complement), mapping the all-ones result to zero. A
// device-unique salt is mixed in by seeding the accumulator with it, so a
// block checksummed with the wrong salt will not verify even if its bytes are
// otherwise a plausible match.
package checksum

import "encoding/binary"

// Partial folds size/4 little-endian u32 words from data into sum. size must
// be a multiple of 4. Callers chain Partial across non-contiguous spans (e.g.
// a logpack header followed by its payload) by threading sum through.
func Partial(sum uint64, data []byte) uint64 {
	n := len(data) / 4
	for i := 0; i < n; i++ {
		sum += uint64(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return sum
}

// Finish folds a partial sum into the final 32-bit checksum value.
func Finish(sum uint64) uint32 {
	folded := uint32(sum>>32) + uint32(sum)
	ret := ^folded + 1
	if ret == 0xffffffff {
		return 0
	}
	return ret
}

// Sum computes the checksum of data with the given salt. len(data) must be a
// multiple of 4.
//
// Contract: if the first 4 bytes of a block are zeroed and Sum is computed
// over the whole block with a salt, storing the result in those first 4 bytes
// makes Sum(block, salt) == 0. This is the round-trip law every on-disk
// sector checksum relies on.
func Sum(data []byte, salt uint32) uint32 {
	sum := Partial(uint64(salt), data)
	return Finish(sum)
}

// Verify reports whether data's embedded checksum (wherever the caller has
// placed it) makes Sum(data, salt) == 0. Callers typically pass the full
// sector/record with its checksum field populated.
func Verify(data []byte, salt uint32) bool {
	return Sum(data, salt) == 0
}
