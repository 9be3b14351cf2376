// Package wlog implements the wlog stream format: extracting a lsid range
// from a log device into a self-contained stream, and redoing (or
// inspecting) such a stream against a data device.
package wlog

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/herumi/go-walb/internal/checksum"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/ondisk"
)

// SourceConfig describes the log device an Extract reads from.
type SourceConfig struct {
	LogDevice        device.BlockDevice
	PhysicalBS       int
	LogicalBS        int
	Salt             uint32
	RingBufferOffset uint64
	RingBufferPB     uint64
	DeviceUUID       [16]byte
}

func (c SourceConfig) lbsPerPb() uint64 { return uint64(c.PhysicalBS / c.LogicalBS) }

func (c SourceConfig) pbOffset(lsid uint64) int64 {
	return int64(geometry.OffsetOfLsid(lsid, c.RingBufferOffset, c.RingBufferPB)) * int64(c.PhysicalBS)
}

// Extract writes a wlog stream covering [begin, end) to w: a header sector,
// then each logpack (header + payload) in that range, then an end-marker
// logpack with n_records = 0.
func Extract(cfg SourceConfig, w io.Writer, begin, end uint64) error {
	wh := &ondisk.WlogHeader{
		Version:    ondisk.CurrentSuperVersion,
		LogicalBS:  uint32(cfg.LogicalBS),
		PhysicalBS: uint32(cfg.PhysicalBS),
		Salt:       cfg.Salt,
		UUID:       cfg.DeviceUUID,
		BeginLsid:  begin,
		EndLsid:    end,
	}
	headerBuf := ondisk.NewBuffer(cfg.PhysicalBS)
	wh.Encode(headerBuf)
	wh.FinalizeChecksum(headerBuf)
	if _, err := w.Write(headerBuf.Bytes()); err != nil {
		return fmt.Errorf("walb: wlog: writing stream header: %w", err)
	}

	lsid := begin
	for lsid < end {
		buf := ondisk.NewBuffer(cfg.PhysicalBS)
		if _, err := cfg.LogDevice.ReadAt(buf.Bytes(), cfg.pbOffset(lsid)); err != nil {
			return fmt.Errorf("walb: wlog: reading header at lsid %d: %w", lsid, err)
		}
		nRecords := ondisk.DecodeNRecords(buf)
		header := ondisk.DecodeLogpackHeader(buf, nRecords)
		if _, err := w.Write(buf.Bytes()[:ondisk.LogpackHeaderFixedSize+nRecords*ondisk.RecordSize]); err != nil {
			return fmt.Errorf("walb: wlog: writing header at lsid %d: %w", lsid, err)
		}

		// Walk records individually rather than reading one contiguous
		// TotalIOSize-pb block: a ring-wrap padding record sits physically
		// between the header and the real data it precedes, so the real
		// data's own pb offset (via pbOffset, which wraps) is not simply
		// lsid+1. Padding and discard records contribute no stream bytes.
		lbsPerPb := cfg.lbsPerPb()
		dataLsid := lsid + 1
		for _, r := range header.Records {
			recordPB := (uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb
			if r.IsPadding() {
				dataLsid += recordPB
				continue
			}
			if r.IsDiscard() {
				continue
			}
			payload := make([]byte, recordPB*uint64(cfg.PhysicalBS))
			if _, err := cfg.LogDevice.ReadAt(payload, cfg.pbOffset(dataLsid)); err != nil {
				return fmt.Errorf("walb: wlog: reading payload at lsid %d: %w", dataLsid, err)
			}
			if _, err := w.Write(payload); err != nil {
				return fmt.Errorf("walb: wlog: writing payload at lsid %d: %w", dataLsid, err)
			}
			dataLsid += recordPB
		}
		lsid = header.NextLsid(lbsPerPb)
	}

	endMarker := &ondisk.LogpackHeader{LogpackLsid: end}
	endBuf := ondisk.NewBuffer(cfg.PhysicalBS)
	endMarker.Encode(endBuf)
	endMarker.FinalizeChecksum(endBuf, cfg.Salt)
	_, err := w.Write(endBuf.Bytes()[:ondisk.LogpackHeaderFixedSize])
	return err
}

// Summary describes one logpack inspected from a wlog stream.
type Summary struct {
	Lsid        uint64
	NRecords    int
	TotalIOSize uint16
}

// Inspect lists every logpack in a wlog stream without replaying any
// payload, used by the wlog-cat/inspect tooling.
func Inspect(r io.Reader, pbs int) ([]Summary, error) {
	header := ondisk.NewBuffer(pbs)
	if _, err := io.ReadFull(r, header.Bytes()); err != nil {
		return nil, fmt.Errorf("walb: wlog: reading stream header: %w", err)
	}
	if !ondisk.VerifyWlogChecksum(header) {
		return nil, fmt.Errorf("walb: wlog: stream header checksum invalid")
	}

	var out []Summary
	for {
		buf := ondisk.NewBuffer(ondisk.LogpackHeaderFixedSize)
		if _, err := io.ReadFull(r, buf.Bytes()); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return out, err
		}
		nRecords := ondisk.DecodeNRecords(buf)
		if nRecords == 0 {
			break // end marker
		}
		recBuf := ondisk.NewBuffer(nRecords * ondisk.RecordSize)
		if _, err := io.ReadFull(r, recBuf.Bytes()); err != nil {
			return out, err
		}
		full := append(append(ondisk.Buffer{}, buf.Bytes()...), recBuf.Bytes()...)
		h := ondisk.DecodeLogpackHeader(full, nRecords)
		out = append(out, Summary{Lsid: h.LogpackLsid, NRecords: nRecords, TotalIOSize: h.TotalIOSize})

		dataPB := uint64(h.TotalIOSize)
		if dataPB > 0 {
			payload := make([]byte, dataPB*uint64(pbs))
			if _, err := io.ReadFull(r, payload); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// Redo replays a wlog stream onto dataDev, writing each non-padding,
// non-discard record's payload at record.Offset. It does not touch any
// log device; it's the standalone counterpart to internal/redo, used by
// the wlog-restore tool against an extracted stream rather than a live
// attached device.
func Redo(r io.Reader, pbs int, dataDev device.BlockDevice) (int, error) {
	header := ondisk.NewBuffer(pbs)
	if _, err := io.ReadFull(r, header.Bytes()); err != nil {
		return 0, fmt.Errorf("walb: wlog: reading stream header: %w", err)
	}
	if !ondisk.VerifyWlogChecksum(header) {
		return 0, fmt.Errorf("walb: wlog: stream header checksum invalid")
	}
	streamHeader := ondisk.DecodeWlogHeader(header)
	lbsPerPb := uint64(streamHeader.PhysicalBS / streamHeader.LogicalBS)

	replayed := 0
	for {
		buf := ondisk.NewBuffer(ondisk.LogpackHeaderFixedSize)
		if _, err := io.ReadFull(r, buf.Bytes()); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return replayed, err
		}
		nRecords := ondisk.DecodeNRecords(buf)
		if nRecords == 0 {
			break
		}
		recBuf := ondisk.NewBuffer(nRecords * ondisk.RecordSize)
		if _, err := io.ReadFull(r, recBuf.Bytes()); err != nil {
			return replayed, err
		}
		full := append(append(ondisk.Buffer{}, buf.Bytes()...), recBuf.Bytes()...)
		h := ondisk.DecodeLogpackHeader(full, nRecords)

		dataPB := uint64(h.TotalIOSize)
		payload := make([]byte, dataPB*uint64(pbs))
		if dataPB > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return replayed, err
			}
		}

		pos := uint64(0)
		for _, rec := range h.Records {
			recordPB := (uint64(rec.IOSize) + lbsPerPb - 1) / lbsPerPb
			// Padding carries no bytes in the stream's payload blob (it's
			// excluded from TotalIOSize, same as on the log device it skips
			// no space in the linear stream the way it does on the ring).
			if rec.IsPadding() || rec.IsDiscard() {
				continue
			}
			n := uint64(rec.IOSize) * uint64(streamHeader.LogicalBS)
			chunk := payload[pos : pos+n]
			if checksum.Sum(chunk, streamHeader.Salt) != rec.Checksum {
				return replayed, fmt.Errorf("walb: wlog: payload checksum mismatch at lsid %d", rec.Lsid)
			}
			off := int64(rec.Offset) * int64(streamHeader.LogicalBS)
			if _, err := dataDev.WriteAt(chunk, off); err != nil {
				return replayed, fmt.Errorf("walb: wlog: writing data at lb %d: %w", rec.Offset, err)
			}
			pos += recordPB * uint64(pbs)
		}
		replayed++
	}
	return replayed, nil
}

// NewUUID returns a fresh random device UUID, used by format_log.
func NewUUID() [16]byte {
	var out [16]byte
	copy(out[:], uuid.New()[:])
	return out
}
