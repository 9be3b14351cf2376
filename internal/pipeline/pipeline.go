// Package pipeline implements the write pipeline: admit,
// build, log-write, data-submit, data-complete, and periodic log-flush,
// wired together over the lsid counters, overlap/pending indexes, and pack
// builder.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/logging"
	"github.com/herumi/go-walb/internal/lsidset"
	"github.com/herumi/go-walb/internal/ondisk"
	"github.com/herumi/go-walb/internal/overlap"
	"github.com/herumi/go-walb/internal/pack"
	"github.com/herumi/go-walb/internal/pending"
)

// Config configures a Pipeline instance; fields mirror the attach
// start-parameters block.
type Config struct {
	LogDevice  device.BlockDevice
	DataDevice device.BlockDevice

	LogicalBS  int
	PhysicalBS int
	Salt       uint32

	RingBufferOffset uint64 // pb, from log device start
	RingBufferPB     uint64

	MaxLogpackPB       uint64
	MaxPendingPB       uint64
	MinPendingPB       uint64
	QueueStopTimeoutMS int
	LogFlushIntervalPB uint64
	LogFlushIntervalMS int
	NPackBulk          int
	NIoBulk            int

	Logger *logging.Logger
}

func (c Config) lbsPerPb() uint64 { return uint64(c.PhysicalBS / c.LogicalBS) }

// Pipeline owns the lsid counters and the overlap/pending indexes for one
// attached device pair, and drives requests through to durability.
type Pipeline struct {
	cfg Config

	lsids   *lsidset.Set
	overlap *overlap.Index
	pending *pending.Index
	builder *pack.Builder

	buildMu sync.Mutex // serializes the single-threaded build stage

	sem chan struct{} // bounds concurrent normal-pack workers to NPackBulk

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	reqCounter uint64

	stopFlush chan struct{}
	flushDone chan struct{}
}

// New constructs a Pipeline starting from the given lsid counters (as
// loaded from the super sector / redo).
func New(cfg Config, lsids *lsidset.Set) *Pipeline {
	if cfg.NPackBulk <= 0 {
		cfg.NPackBulk = 1
	}
	if cfg.NIoBulk <= 0 {
		cfg.NIoBulk = 1
	}
	snap := lsids.Load()
	p := &Pipeline{
		cfg:       cfg,
		lsids:     lsids,
		overlap:   overlap.New(),
		pending:   pending.New(),
		builder:   pack.NewBuilder(cfg.PhysicalBS, cfg.lbsPerPb(), cfg.MaxLogpackPB, cfg.RingBufferPB, snap.Latest),
		sem:       make(chan struct{}, cfg.NPackBulk),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	return p
}

// StartPeriodicFlush launches the periodic log-flush timer,
// returning once ctx is cancelled or Stop is called. A LogFlushIntervalMS
// of 0 disables the timer entirely; only the byte threshold in Submit
// triggers a flush in that case.
func (p *Pipeline) StartPeriodicFlush(ctx context.Context) {
	defer close(p.flushDone)
	if p.cfg.LogFlushIntervalMS <= 0 {
		<-p.stopFlush
		return
	}
	t := time.NewTicker(time.Duration(p.cfg.LogFlushIntervalMS) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopFlush:
			return
		case <-t.C:
			_ = p.flushLog()
		}
	}
}

// Stop halts the periodic flush goroutine and waits for it to exit.
func (p *Pipeline) Stop() {
	select {
	case <-p.stopFlush:
	default:
		close(p.stopFlush)
	}
	<-p.flushDone
}

// Pause blocks the admit stage until Resume is called, used by freeze to
// quiesce new writes while letting in-flight packs drain to permanent_lsid.
// It is idempotent.
func (p *Pipeline) Pause() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if !p.paused {
		p.paused = true
		p.resumeCh = make(chan struct{})
	}
}

// Resume releases any admit calls blocked in Pause. It is idempotent.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resumeCh)
	}
}

// waitForPause blocks while the pipeline is paused, per the freeze
// contract: admit stops, in-flight work drains independently of this gate.
func (p *Pipeline) waitForPause(ctx context.Context) error {
	p.pauseMu.Lock()
	paused := p.paused
	ch := p.resumeCh
	p.pauseMu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// ResetLog reinitializes the pipeline at a fresh lsid: it clears
// LOG_OVERFLOW/READ_ONLY and rebuilds the pack builder and overlap/pending
// indexes so the next Submit starts from a clean ring position, per the
// reset_log control operation. Callers must ensure no Submit is in flight.
func (p *Pipeline) ResetLog(lsid uint64) {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()
	p.lsids.ResetLog(lsid)
	p.builder = pack.NewBuilder(p.cfg.PhysicalBS, p.cfg.lbsPerPb(), p.cfg.MaxLogpackPB, p.cfg.RingBufferPB, lsid)
	p.overlap = overlap.New()
	p.pending = pending.New()
}

// Request is one client-admitted I/O descriptor.
type Request struct {
	Offset  uint64 // lb on the data device
	IOSize  uint16 // lb
	Payload []byte
	Flush   bool
	Discard bool
	FUA     bool
}

// Submit admits req, drives it through build/log-write/data-write/complete,
// and returns once it is durable on the data device (or failed). It
// implements the admit, build, log-write, and submit-data stages inline;
// StartPeriodicFlush handles the time-based half of step 6 concurrently.
func (p *Pipeline) Submit(ctx context.Context, req Request) error {
	if p.lsids.HasFlag(lsidset.FlagReadOnly) {
		return fmt.Errorf("walb: pipeline: %w", ErrReadOnly)
	}
	if err := p.waitForPause(ctx); err != nil {
		return err
	}
	if err := p.waitForBackpressure(ctx); err != nil {
		return err
	}

	p.buildMu.Lock()
	p.reqCounter++
	h := pack.Handle(p.reqCounter)
	var closed []*pack.Pack
	if req.Flush {
		if c, _ := p.builder.Flush(); c != nil {
			closed = append(closed, c)
		}
	} else {
		dataPB := (uint64(req.IOSize) + p.cfg.lbsPerPb() - 1) / p.cfg.lbsPerPb()
		if !p.checkOverflow(dataPB) {
			p.buildMu.Unlock()
			return fmt.Errorf("walb: pipeline: %w", ErrLogOverflow)
		}
		closed = p.builder.TryAddWrite(pack.Request{
			Handle: h, Offset: req.Offset, IOSize: req.IOSize,
			Payload: req.Payload, Flush: req.Flush, Discard: req.Discard, FUA: req.FUA,
		})
	}
	p.buildMu.Unlock()

	for _, pk := range closed {
		if err := p.commitPack(ctx, pk); err != nil {
			p.lsids.SetFlag(lsidset.FlagReadOnly)
			return err
		}
		if pk.FUA {
			// A FUA pack's log and data completions must each be followed
			// by a device flush before permanent/completed may advance
			// past it; commitPack already drove both writes, so flush
			// both devices now that they're durable.
			if err := p.flushLog(); err != nil {
				return err
			}
			if err := p.cfg.DataDevice.Flush(); err != nil {
				p.lsids.SetFlag(lsidset.FlagReadOnly)
				return fmt.Errorf("walb: pipeline: data device flush after FUA at lsid %d: %w", pk.Header.LogpackLsid, err)
			}
		}
	}

	if req.Flush {
		return p.flushLog()
	}
	if p.cfg.LogFlushIntervalPB > 0 {
		s := p.lsids.Load()
		if s.Completed-s.Permanent >= p.cfg.LogFlushIntervalPB {
			return p.flushLog()
		}
	}
	return nil
}

// checkOverflow advances latest_lsid by the pb this write's pack slot will
// need, failing with LogOverflow once the ring buffer has no room. This is an
// approximation (it doesn't know the exact pack boundary in advance) that
// conservatively reserves header + data pb for the new write.
func (p *Pipeline) checkOverflow(dataPB uint64) bool {
	return p.lsids.TryAdvanceLatest(1 + dataPB)
}

var (
	// ErrReadOnly is returned by Submit once the READ_ONLY flag is latched.
	ErrReadOnly = fmt.Errorf("device is read-only")
	// ErrLogOverflow is returned when admitting a write would overflow the ring.
	ErrLogOverflow = fmt.Errorf("log overflow")
)

// waitForBackpressure blocks the admit stage while pending.SizeBytes
// exceeds MaxPendingPB (converted to bytes), resuming once it falls below
// MinPendingPB. It gives up with a transient
// error after QueueStopTimeoutMS.
func (p *Pipeline) waitForBackpressure(ctx context.Context) error {
	maxBytes := p.cfg.MaxPendingPB * uint64(p.cfg.PhysicalBS)
	if p.pending.SizeBytes() <= maxBytes {
		return nil
	}
	timeout := time.Duration(p.cfg.QueueStopTimeoutMS) * time.Millisecond
	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("walb: pipeline: admit stalled beyond queue_stop_timeout_ms: transient")
		case <-ticker.C:
			if p.pending.SizeBytes() <= maxBytes {
				return nil
			}
		}
	}
}

// commitPack writes a finalized pack's header and payload to the log
// device, inserts its writes into the pending/overlap indexes, submits
// data-device writes with no uncompleted overlap predecessor, and advances
// submitted_lsid/completed_lsid.
func (p *Pipeline) commitPack(ctx context.Context, pk *pack.Pack) error {
	if pk.IsFlush {
		return p.flushLog()
	}

	buf := ondisk.NewBuffer(ondisk.LogpackHeaderFixedSize + len(pk.Header.Records)*ondisk.RecordSize)
	pack.FinalizeChecksum(pk, buf, p.cfg.Salt)

	headerOff := int64(geometry.OffsetOfLsid(pk.Header.LogpackLsid, p.cfg.RingBufferOffset, p.cfg.RingBufferPB)) * int64(p.cfg.PhysicalBS)
	units := []device.WriteUnit{{Offset: headerOff, Data: buf.Bytes()}}

	lbsPerPb := p.cfg.lbsPerPb()
	dataLsid := pk.Header.LogpackLsid + 1
	reqIdx := 0
	for i := range pk.Header.Records {
		r := &pk.Header.Records[i]
		if r.IsPadding() {
			dataLsid += uint64((uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb)
			continue
		}
		req := pk.Requests[reqIdx]
		reqIdx++
		dataPB := (uint64(r.IOSize) + lbsPerPb - 1) / lbsPerPb
		if !req.Discard && len(req.Payload) > 0 {
			off := int64(geometry.OffsetOfLsid(dataLsid, p.cfg.RingBufferOffset, p.cfg.RingBufferPB)) * int64(p.cfg.PhysicalBS)
			units = append(units, device.WriteUnit{Offset: off, Data: req.Payload})
		}
		dataLsid += dataPB
	}

	if err := p.writeLogUnits(units); err != nil {
		return fmt.Errorf("walb: pipeline: log device write for pack at lsid %d: %w", pk.Header.LogpackLsid, err)
	}

	p.lsids.AdvanceSubmitted(pk.EndLsid(lbsPerPb))
	return p.submitDataWrites(ctx, pk)
}

// writeLogUnits submits units to the log device, grouping up to NIoBulk
// consecutive units into a single device.Batch (vectored pwritev calls) when
// the log device is file-backed; devices that don't expose a file
// descriptor (e.g. the in-memory backend) get one WriteAt per unit.
func (p *Pipeline) writeLogUnits(units []device.WriteUnit) error {
	fb, ok := p.cfg.LogDevice.(device.FileBatcher)
	if !ok {
		for _, u := range units {
			if _, err := p.cfg.LogDevice.WriteAt(u.Data, u.Offset); err != nil {
				return err
			}
		}
		return nil
	}
	fd := fb.Fd()
	for i := 0; i < len(units); i += p.cfg.NIoBulk {
		end := i + p.cfg.NIoBulk
		if end > len(units) {
			end = len(units)
		}
		b := device.NewBatch()
		for _, u := range units[i:end] {
			b.Add(u.Offset, u.Data)
		}
		if _, err := b.Flush(fd); err != nil {
			return err
		}
	}
	return nil
}

// submitDataWrites inserts each non-discard record into pending/overlap,
// then dispatches data-device writes in parallel (bounded by NPackBulk) for
// any not blocked by an in-flight overlapping predecessor. The pack builder
// already keeps overlapping writes out of the same pack (pack-builder rule 2), but
// commitPack for two different packs can run concurrently (buildMu is
// released before the log/data I/O begins), so dataWrite still gates on
// the overlap index before writing.
func (p *Pipeline) submitDataWrites(ctx context.Context, pk *pack.Pack) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, req := range pk.Requests {
		if req.Discard {
			g.Go(func() error { return p.applyDiscard(req) })
			continue
		}
		if len(req.Payload) == 0 {
			continue
		}
		req := req
		p.pending.Insert(pending.Handle(req.Handle), req.Offset*uint64(p.cfg.LogicalBS), req.Payload)
		p.overlap.Insert(overlap.Handle(req.Handle), req.Offset, uint64(req.IOSize))

		p.sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-p.sem }()
			return p.dataWrite(ctx, req, pk)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.lsids.AdvanceCompleted(pk.EndLsid(p.cfg.lbsPerPb()))
	return nil
}

func (p *Pipeline) dataWrite(ctx context.Context, req pack.Request, pk *pack.Pack) error {
	if err := p.overlap.WaitNoOverlap(ctx, overlap.Handle(req.Handle), req.Offset, uint64(req.IOSize)); err != nil {
		return fmt.Errorf("walb: pipeline: waiting on overlap predecessor at lb %d: %w", req.Offset, err)
	}
	off := int64(req.Offset) * int64(p.cfg.LogicalBS)
	if _, err := p.cfg.DataDevice.WriteAt(req.Payload, off); err != nil {
		p.lsids.SetFlag(lsidset.FlagReadOnly)
		return fmt.Errorf("walb: pipeline: data device write at lb %d: %w", req.Offset, err)
	}
	p.overlap.Remove(overlap.Handle(req.Handle))
	p.pending.Remove(pending.Handle(req.Handle))
	return nil
}

func (p *Pipeline) applyDiscard(req pack.Request) error {
	if dd, ok := p.cfg.DataDevice.(device.DiscardDevice); ok {
		off := int64(req.Offset) * int64(p.cfg.LogicalBS)
		length := int64(req.IOSize) * int64(p.cfg.LogicalBS)
		if err := dd.Discard(off, length); err != nil {
			p.lsids.SetFlag(lsidset.FlagReadOnly)
			return fmt.Errorf("walb: pipeline: data device discard at lb %d: %w", req.Offset, err)
		}
	}
	return nil
}

// flushLog issues a log-device flush and advances permanent_lsid to
// completed_lsid on success.
func (p *Pipeline) flushLog() error {
	if err := p.cfg.LogDevice.Flush(); err != nil {
		p.lsids.SetFlag(lsidset.FlagReadOnly)
		return fmt.Errorf("walb: pipeline: log device flush: %w", err)
	}
	p.lsids.AdvancePermanent(p.lsids.Load().Completed)
	return nil
}

// ReadPending serves bytes for [offset, offset+len(dst)) from the pending
// index where covered, letting callers fall back to the data device for
// the rest.
func (p *Pipeline) ReadPending(dst []byte, offsetBytes uint64) []bool {
	return p.pending.Read(dst, offsetBytes)
}
