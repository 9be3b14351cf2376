// Package pack builds writepacks and readpacks: it groups admitted I/O
// descriptors into logpacks in lsid order, enforcing the overlap,
// capacity, and ring-wrap-padding rules.
package pack

import (
	"github.com/herumi/go-walb/internal/checksum"
	"github.com/herumi/go-walb/internal/ondisk"
)

// Handle identifies an admitted request, shared with overlap/pending.
type Handle uint64

// Request describes one admitted I/O descriptor.
type Request struct {
	Handle  Handle
	Offset  uint64 // lb on the data device
	IOSize  uint16 // lb
	Payload []byte // nil for Flush/Discard
	Flush   bool   // zero-payload FLUSH barrier
	Discard bool
	FUA     bool
}

func (r Request) end() uint64 { return r.Offset + uint64(r.IOSize) }

func requestsOverlap(a, b Request) bool {
	return a.end() > b.Offset && b.end() > a.Offset
}

// Pack is a writepack or readpack under construction or finalized.
type Pack struct {
	Header   ondisk.LogpackHeader
	Requests []Request // parallel to the non-padding entries of Header.Records
	IsFlush  bool       // a zero-payload flush barrier, not a real data pack
	FUA      bool       // singleton pack forced by a FUA request; see Builder.TryAddWrite
	isRead   bool
	dataPB   uint64 // physical blocks of non-padding payload accumulated so far
}

// EndLsid returns the lsid immediately following p: its own lsid, the
// header sector, and all its data/padding blocks ("a contiguous
// logical lsid range [logpack_lsid, logpack_lsid + 1 + total_io_size)").
// dataPB already accounts for any ring-wrap padding (maybeInsertPadding
// folds fillPB into it), so it alone spans the pack's data region.
func (p *Pack) EndLsid(lbsPerPb uint64) uint64 {
	return p.Header.LogpackLsid + 1 + p.dataPB
}

// Builder accumulates requests into a sequence of packs in lsid order.
type Builder struct {
	pbs          int
	lbsPerPb     uint64
	maxLogpackPB uint64
	ringBufferPB uint64
	nextLsid     uint64

	cur *Pack
}

// NewBuilder returns a Builder that will assign lsids starting at
// startLsid, bound by the given physical block size, logical-per-physical
// block ratio, per-pack pb cap, and ring buffer size (for wrap padding).
// A ringBufferPB of 0 disables wrap-padding checks (used by tests that
// don't model a bounded ring).
func NewBuilder(pbs int, lbsPerPb, maxLogpackPB, ringBufferPB, startLsid uint64) *Builder {
	return &Builder{
		pbs:          pbs,
		lbsPerPb:     lbsPerPb,
		maxLogpackPB: maxLogpackPB,
		ringBufferPB: ringBufferPB,
		nextLsid:     startLsid,
	}
}

func pbCeil(lb, lbsPerPb uint64) uint64 {
	return (lb + lbsPerPb - 1) / lbsPerPb
}

// capacity returns the max number of records a logpack header sector of
// this builder's pbs can index.
func (b *Builder) capacity() int {
	return ondisk.MaxRecordsInSector(b.pbs)
}

func (b *Builder) openPack(isRead bool) *Pack {
	b.cur = &Pack{isRead: isRead}
	b.cur.Header.LogpackLsid = b.nextLsid
	return b.cur
}

// closeAndPush finalizes the current pack's lsid bookkeeping and returns
// it, advancing nextLsid and clearing cur.
func (b *Builder) closeAndPush() *Pack {
	p := b.cur
	b.cur = nil
	if p == nil {
		return nil
	}
	b.nextLsid = p.EndLsid(b.lbsPerPb)
	return p
}

// Flush closes whatever pack is open (if any) and returns a zero-payload
// flush-barrier pack. The barrier consumes one lsid (its
// own header sector) like any empty logpack would.
func (b *Builder) Flush() (closed *Pack, barrier *Pack) {
	closed = b.closeAndPush()
	barrier = &Pack{IsFlush: true}
	barrier.Header.LogpackLsid = b.nextLsid
	b.nextLsid++
	return closed, barrier
}

// maybeInsertPadding inserts a padding record filling out the rest of the
// ring's current revolution if dataPB more physical blocks of payload,
// appended after the pack's header + already-accumulated data, would cross
// the ring boundary. Returns true if padding was inserted.
func (b *Builder) maybeInsertPadding(dataPB uint64) bool {
	if b.ringBufferPB == 0 {
		return false
	}
	packStart := b.cur.Header.LogpackLsid
	dataStart := packStart + 1 + b.cur.dataPB
	startMod := dataStart % b.ringBufferPB
	if startMod+dataPB <= b.ringBufferPB {
		return false
	}
	fillPB := b.ringBufferPB - startMod
	b.cur.Header.Records = append(b.cur.Header.Records, ondisk.Record{
		Flags:     ondisk.RecordFlagExist | ondisk.RecordFlagPadding,
		LsidLocal: uint16(1 + b.cur.dataPB),
		IOSize:    uint16(fillPB * b.lbsPerPb),
	})
	b.cur.Header.NPadding = 1
	b.cur.dataPB += fillPB
	return true
}

// appendRecord records req against the currently open pack, after any
// padding/closure decisions have already been made.
func (b *Builder) appendRecord(req Request, dataPB uint64) {
	b.maybeInsertPadding(dataPB)
	rec := ondisk.Record{
		Flags:     ondisk.RecordFlagExist,
		Offset:    req.Offset,
		IOSize:    req.IOSize,
		LsidLocal: uint16(1 + b.cur.dataPB),
	}
	if req.Discard {
		rec.Flags |= ondisk.RecordFlagDiscard
	} else {
		b.cur.Header.TotalIOSize += uint16(dataPB)
		b.cur.dataPB += dataPB
	}
	b.cur.Header.Records = append(b.cur.Header.Records, rec)
	b.cur.Requests = append(b.cur.Requests, req)
}

// TryAddWrite attempts to append req to the currently open writepack,
// applying the packing rules in order. closed holds any packs that had to
// be closed to make room for req, in lsid order (nil if req joined the
// already-open pack). A FUA request always closes out as a singleton pack
// of its own: first whatever was open before it, then the FUA pack itself,
// so the pipeline can flush around it before advancing permanent/completed
// past its lsid.
func (b *Builder) TryAddWrite(req Request) (closed []*Pack) {
	if req.Flush && len(req.Payload) == 0 {
		if c := b.closeAndPush(); c != nil {
			closed = append(closed, c)
		}
		b.openPack(false)
		return closed
	}

	dataPB := pbCeil(uint64(req.IOSize), b.lbsPerPb)
	if req.Discard {
		dataPB = 0
	}

	if req.FUA {
		if c := b.closeAndPush(); c != nil {
			closed = append(closed, c)
		}
		b.openPack(false)
		b.appendRecord(req, dataPB)
		b.cur.FUA = true
		if c := b.closeAndPush(); c != nil {
			closed = append(closed, c)
		}
		return closed
	}

	if b.cur == nil {
		b.openPack(false)
	} else {
		overlapsCur := false
		for _, r := range b.cur.Requests {
			if requestsOverlap(r, req) {
				overlapsCur = true
				break
			}
		}
		tooBig := b.cur.dataPB+dataPB > b.maxLogpackPB ||
			len(b.cur.Header.Records)+1 > b.capacity()
		if overlapsCur || tooBig {
			if c := b.closeAndPush(); c != nil {
				closed = append(closed, c)
			}
			b.openPack(false)
		}
	}

	b.appendRecord(req, dataPB)
	return closed
}

// TryAddRead is analogous to TryAddWrite but keeps no header bookkeeping:
// readpacks exist only to enforce intra-pack non-overlap so reads covered
// by the same pack can be dispatched in parallel.
func (b *Builder) TryAddRead(req Request) (closed *Pack) {
	if b.cur == nil || !b.cur.isRead {
		closed = b.closeAndPush()
		b.openPack(true)
	} else {
		for _, r := range b.cur.Requests {
			if requestsOverlap(r, req) {
				closed = b.closeAndPush()
				b.openPack(true)
				break
			}
		}
	}
	b.cur.Requests = append(b.cur.Requests, req)
	return closed
}

// Finalize closes and returns whatever pack is currently open.
func (b *Builder) Finalize() *Pack {
	return b.closeAndPush()
}

// FinalizeChecksum computes each non-padding, non-discard record's payload
// checksum and the header's own checksum, then encodes p into buf. buf
// must be at least LogpackHeaderFixedSize + len(p.Header.Records)*RecordSize
// bytes.
func FinalizeChecksum(p *Pack, buf ondisk.Buffer, salt uint32) {
	reqIdx := 0
	for i := range p.Header.Records {
		r := &p.Header.Records[i]
		if r.IsPadding() {
			continue
		}
		req := p.Requests[reqIdx]
		reqIdx++
		if req.Discard || len(req.Payload) == 0 {
			continue
		}
		r.Checksum = checksum.Sum(req.Payload, salt)
	}
	p.Header.Encode(buf)
	p.Header.FinalizeChecksum(buf, salt)
}
