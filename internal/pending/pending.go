// Package pending stores write payloads between log-durability and
// data-device durability, so concurrent reads can be served from
// in-flight writes without waiting on the data device.
package pending

import (
	"sort"
	"sync"
)

// Handle identifies a pending write; callers use the same handle scheme as
// internal/overlap.
type Handle uint64

type entry struct {
	handle Handle
	start  uint64
	end    uint64
	data   []byte
}

// Index is a mutex-protected, start-ordered set of pending writes.
type Index struct {
	mu        sync.Mutex
	entries   []entry
	sizeBytes uint64
}

// New returns an empty Index.
func New() *Index { return &Index{} }

// Insert records data as the pending payload for the byte range
// [start, start+len(data)).
func (idx *Index) Insert(h Handle, start uint64, data []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := entry{handle: h, start: start, end: start + uint64(len(data)), data: data}
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].start >= e.start })
	idx.entries = append(idx.entries, entry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = e
	idx.sizeBytes += uint64(len(data))
}

// Remove drops the pending entry for handle h, if present.
func (idx *Index) Remove(h Handle) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, e := range idx.entries {
		if e.handle == h {
			idx.sizeBytes -= uint64(len(e.data))
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return
		}
	}
}

// Read copies into dst the pending bytes covering [start, start+len(dst)),
// reporting which byte positions (relative to start) it actually covered.
// Later-inserted entries (assumed later in handle order) take precedence
// where ranges overlap, matching the pipeline's last-writer-wins semantics
// for concurrent overlapping writes.
func (idx *Index) Read(dst []byte, start uint64) (covered []bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	covered = make([]bool, len(dst))
	end := start + uint64(len(dst))
	var hits []entry
	for _, e := range idx.entries {
		if e.start >= end {
			break
		}
		if e.end <= start {
			continue
		}
		hits = append(hits, e)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].handle < hits[j].handle })
	for _, e := range hits {
		lo := e.start
		if lo < start {
			lo = start
		}
		hi := e.end
		if hi > end {
			hi = end
		}
		for pos := lo; pos < hi; pos++ {
			dst[pos-start] = e.data[pos-e.start]
			covered[pos-start] = true
		}
	}
	return covered
}

// SizeBytes returns the total bytes held in pending payloads, the quantity
// the admit stage's backpressure watermark (max_pending_pb/min_pending_pb)
// is measured against.
func (idx *Index) SizeBytes() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.sizeBytes
}

// Len returns the number of pending entries.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}
