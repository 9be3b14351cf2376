// Package redo implements crash-recovery log replay: scanning the
// log device from written_lsid, validating each logpack, replaying payload
// to the data device, and shrinking the header at the first checksum
// failure.
package redo

import (
	"fmt"

	"github.com/herumi/go-walb/internal/checksum"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/ondisk"
)

// Config supplies the devices and geometry redo needs.
type Config struct {
	LogDevice        device.BlockDevice
	DataDevice       device.BlockDevice
	PhysicalBS       int
	LogicalBS        int
	Salt             uint32
	RingBufferOffset uint64
	RingBufferPB     uint64
}

func (c Config) lbsPerPb() uint64 { return uint64(c.PhysicalBS / c.LogicalBS) }

func (c Config) pbOffset(lsid uint64) int64 {
	return int64(geometry.OffsetOfLsid(lsid, c.RingBufferOffset, c.RingBufferPB)) * int64(c.PhysicalBS)
}

// Result reports where replay stopped.
type Result struct {
	// EndLsid is the first lsid not validated/replayed; callers persist
	// this as the new written_lsid.
	EndLsid uint64
	// NPacksReplayed counts logpacks successfully replayed.
	NPacksReplayed int
}

// Run replays logpacks starting at writtenLsid until it hits an invalid
// header, a record checksum failure, or the wlog end marker
// (n_records == 0). It is idempotent: calling Run again with the Result's
// EndLsid as the new writtenLsid is a no-op, since that's exactly where the
// first pass stopped.
func Run(cfg Config, writtenLsid uint64) (Result, error) {
	lsid := writtenLsid
	replayed := 0
	for {
		headerBuf := ondisk.NewBuffer(cfg.PhysicalBS)
		if _, err := cfg.LogDevice.ReadAt(headerBuf.Bytes(), cfg.pbOffset(lsid)); err != nil {
			return Result{EndLsid: lsid, NPacksReplayed: replayed}, fmt.Errorf("walb: redo: reading header at lsid %d: %w", lsid, err)
		}

		nRecords := ondisk.DecodeNRecords(headerBuf)
		if nRecords == 0 {
			// End marker or a sector that never held a logpack: stop here.
			return Result{EndLsid: lsid, NPacksReplayed: replayed}, nil
		}
		maxRecords := ondisk.MaxRecordsInSector(cfg.PhysicalBS)
		if nRecords > maxRecords || !ondisk.VerifyLogpackChecksum(headerBuf, nRecords, cfg.Salt) {
			return Result{EndLsid: lsid, NPacksReplayed: replayed}, nil
		}
		header := ondisk.DecodeLogpackHeader(headerBuf, nRecords)
		if header.SectorType != ondisk.SectorTypeLogpack || header.LogpackLsid != lsid {
			return Result{EndLsid: lsid, NPacksReplayed: replayed}, nil
		}

		validCount, err := replayOnePack(cfg, header)
		if err != nil {
			return Result{EndLsid: lsid, NPacksReplayed: replayed}, err
		}
		if validCount < len(header.Records) {
			if validCount == 0 {
				// Nothing in this logpack redeemed; it never becomes durable.
				return Result{EndLsid: lsid, NPacksReplayed: replayed}, nil
			}
			// Shrink: only the first validCount records were valid; the
			// pack advances only as far as those records account for.
			shrunk := shrinkHeader(header, validCount, cfg.lbsPerPb())
			return Result{EndLsid: shrunk.NextLsid(cfg.lbsPerPb()), NPacksReplayed: replayed + 1}, nil
		}

		replayed++
		lsid = header.NextLsid(cfg.lbsPerPb())
	}
}

// shrinkHeader returns a copy of h containing only its first n records,
// with TotalIOSize (in physical blocks) and NPadding recomputed to match,
// matching the "shrink the header to the first k valid records".
func shrinkHeader(h *ondisk.LogpackHeader, n int, lbsPerPb uint64) *ondisk.LogpackHeader {
	shrunk := &ondisk.LogpackHeader{
		LogpackLsid: h.LogpackLsid,
		Records:     append([]ondisk.Record(nil), h.Records[:n]...),
	}
	for _, r := range shrunk.Records {
		if r.IsPadding() {
			shrunk.NPadding = 1
			continue
		}
		if !r.IsDiscard() {
			shrunk.TotalIOSize += uint16((uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb)
		}
	}
	return shrunk
}

// replayOnePack reads header's payload and writes each non-padding,
// non-discard record to the data device, stopping at the first record
// whose payload checksum fails to verify. It returns how many leading
// records were valid and replayed.
func replayOnePack(cfg Config, header *ondisk.LogpackHeader) (int, error) {
	lbsPerPb := cfg.lbsPerPb()
	dataLsid := header.LogpackLsid + 1
	for i, r := range header.Records {
		recordPB := (uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb
		if r.IsPadding() {
			dataLsid += recordPB
			continue
		}
		if r.IsDiscard() {
			if dd, ok := cfg.DataDevice.(device.DiscardDevice); ok {
				off := int64(r.Offset) * int64(cfg.LogicalBS)
				length := int64(r.IOSize) * int64(cfg.LogicalBS)
				if err := dd.Discard(off, length); err != nil {
					return i, fmt.Errorf("walb: redo: discard at lb %d: %w", r.Offset, err)
				}
			} else if wz, ok := cfg.DataDevice.(device.WriteZeroesDevice); ok {
				off := int64(r.Offset) * int64(cfg.LogicalBS)
				length := int64(r.IOSize) * int64(cfg.LogicalBS)
				if err := wz.WriteZeroes(off, length); err != nil {
					return i, fmt.Errorf("walb: redo: write-zeroes at lb %d: %w", r.Offset, err)
				}
			}
			continue
		}

		payload := make([]byte, recordPB*uint64(cfg.PhysicalBS))
		if _, err := cfg.LogDevice.ReadAt(payload, cfg.pbOffset(dataLsid)); err != nil {
			return i, fmt.Errorf("walb: redo: reading payload at lsid %d: %w", dataLsid, err)
		}
		payload = payload[:r.IOSize*uint16(cfg.LogicalBS)]
		if checksum.Sum(payload, cfg.Salt) != r.Checksum {
			return i, nil
		}

		off := int64(r.Offset) * int64(cfg.LogicalBS)
		if _, err := cfg.DataDevice.WriteAt(payload, off); err != nil {
			return i, fmt.Errorf("walb: redo: writing data at lb %d: %w", r.Offset, err)
		}
		dataLsid += recordPB
	}
	return len(header.Records), nil
}
