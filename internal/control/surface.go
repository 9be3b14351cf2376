package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/freeze"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/logging"
	"github.com/herumi/go-walb/internal/lsidset"
	"github.com/herumi/go-walb/internal/ondisk"
	"github.com/herumi/go-walb/internal/pipeline"
	"github.com/herumi/go-walb/internal/redo"
)

// AttachConfig describes the devices and parameters attach needs.
type AttachConfig struct {
	LogDevice  device.BlockDevice
	DataDevice device.BlockDevice
	Params     *StartParams
	Logger     *logging.Logger
}

// Surface is the attached control surface for one device pair: it owns the
// lsid counters, the write pipeline, the freeze controller, and the
// checkpointer, and implements every control operation.
type Surface struct {
	logDev  device.BlockDevice
	dataDev device.BlockDevice
	logger  *logging.Logger

	pbs, lbs         int
	salt             uint32
	ringBufferOffset uint64
	ringBufferPB     uint64
	uuid             [16]byte
	name             string

	sizeMu sync.Mutex
	sizeLB uint64

	lsids    *lsidset.Set
	pipeline *pipeline.Pipeline
	freezeC  *freeze.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cpMu                 sync.Mutex
	checkpointIntervalMS int
	stopCheckpoint       chan struct{}
	checkpointDone       chan struct{}
}

// Attach opens the device pair against cfg: it loads and verifies the super
// sector (repairing whichever copy is stale), replays the log from
// written_lsid via redo, and starts the pipeline's periodic flush and the
// checkpointer.
func Attach(cfg AttachConfig) (*Surface, error) {
	params := cfg.Params
	if params == nil {
		params = DefaultStartParams()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	super, repaired, err := LoadSuperSector(cfg.LogDevice, params.PhysicalBS)
	if err != nil {
		return nil, fmt.Errorf("walb: control: attach: %w", err)
	}
	if repaired {
		logger.Warn("super sector repaired from secondary copy", "uuid", fmt.Sprintf("%x", super.UUID))
	}

	ringBufferOffset := geometry.RingBufferOffset(super.SnapshotMetadataSizePB)
	redoCfg := redo.Config{
		LogDevice:        cfg.LogDevice,
		DataDevice:       cfg.DataDevice,
		PhysicalBS:       int(super.PhysicalBS),
		LogicalBS:        int(super.LogicalBS),
		Salt:             super.LogChecksumSalt,
		RingBufferOffset: ringBufferOffset,
		RingBufferPB:     super.RingBufferSizePB,
	}
	result, err := redo.Run(redoCfg, super.WrittenLsid)
	if err != nil {
		return nil, fmt.Errorf("walb: control: attach: redo: %w", err)
	}
	if result.NPacksReplayed > 0 {
		logger.Info("redo replayed logpacks on attach", "count", result.NPacksReplayed, "end_lsid", result.EndLsid)
	}

	lsids := lsidset.New(super.RingBufferSizePB)
	lsids.ResetLog(super.OldestLsid)
	if result.EndLsid > super.OldestLsid {
		lsids.TryAdvanceLatest(result.EndLsid - super.OldestLsid)
	}
	lsids.AdvanceWritten(result.EndLsid)
	lsids.AdvancePermanent(result.EndLsid)
	lsids.AdvanceCompleted(result.EndLsid)
	lsids.AdvanceSubmitted(result.EndLsid)

	pcfg := pipeline.Config{
		LogDevice:          cfg.LogDevice,
		DataDevice:         cfg.DataDevice,
		LogicalBS:          int(super.LogicalBS),
		PhysicalBS:         int(super.PhysicalBS),
		Salt:               super.LogChecksumSalt,
		RingBufferOffset:   ringBufferOffset,
		RingBufferPB:       super.RingBufferSizePB,
		MaxLogpackPB:       params.maxLogpackPB(),
		MaxPendingPB:       params.maxPendingPB(),
		MinPendingPB:       params.minPendingPB(),
		QueueStopTimeoutMS: params.QueueStopTimeoutMS,
		LogFlushIntervalPB: params.logFlushIntervalPB(),
		LogFlushIntervalMS: params.LogFlushIntervalMS,
		NPackBulk:          params.NPackBulk,
		NIoBulk:            params.NIoBulk,
		Logger:             logger,
	}
	pl := pipeline.New(pcfg, lsids)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Surface{
		logDev:               cfg.LogDevice,
		dataDev:              cfg.DataDevice,
		logger:               logger,
		pbs:                  int(super.PhysicalBS),
		lbs:                  int(super.LogicalBS),
		salt:                 super.LogChecksumSalt,
		ringBufferOffset:     ringBufferOffset,
		ringBufferPB:         super.RingBufferSizePB,
		uuid:                 super.UUID,
		name:                 super.Name,
		sizeLB:               uint64(cfg.DataDevice.Size()) / uint64(super.LogicalBS),
		lsids:                lsids,
		pipeline:             pl,
		freezeC:              freeze.New(freeze.Hooks{}),
		ctx:                  ctx,
		cancel:               cancel,
		checkpointIntervalMS: params.CheckpointIntervalMS,
		stopCheckpoint:       make(chan struct{}),
		checkpointDone:       make(chan struct{}),
	}
	s.freezeC = freeze.New(freeze.Hooks{OnFreeze: s.pipeline.Pause, OnMelt: s.pipeline.Resume})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pipeline.StartPeriodicFlush(ctx)
	}()

	go s.runCheckpointer()

	return s, nil
}

// Detach drains the pipeline, takes a final checkpoint, and stops the
// background goroutines. Devices are left open; callers close them.
func (s *Surface) Detach() error {
	s.freezeC.EnterDeep()

	close(s.stopCheckpoint)
	<-s.checkpointDone

	s.pipeline.Stop()
	s.cancel()
	s.wg.Wait()

	return s.TakeCheckpoint()
}

// Submit forwards a write/discard/flush request to the pipeline.
func (s *Surface) Submit(ctx context.Context, req pipeline.Request) error {
	return s.pipeline.Submit(ctx, req)
}

// ReadPending serves bytes covered by the pending set for a read request.
func (s *Surface) ReadPending(dst []byte, offsetBytes uint64) []bool {
	return s.pipeline.ReadPending(dst, offsetBytes)
}

// --- lsid getters ---

func (s *Surface) GetOldestLsid() uint64    { return s.lsids.Load().Oldest }
func (s *Surface) GetWrittenLsid() uint64   { return s.lsids.Load().Written }
func (s *Surface) GetPermanentLsid() uint64 { return s.lsids.Load().Permanent }
func (s *Surface) GetCompletedLsid() uint64 { return s.lsids.Load().Completed }
func (s *Surface) GetSubmittedLsid() uint64 { return s.lsids.Load().Submitted }
func (s *Surface) GetLatestLsid() uint64    { return s.lsids.Load().Latest }

// GetLogUsage returns how many bytes of the ring buffer are occupied.
func (s *Surface) GetLogUsage() uint64 { return s.lsids.Usage() * uint64(s.pbs) }

// GetLogCapacity returns the ring buffer's total size in bytes.
func (s *Surface) GetLogCapacity() uint64 { return s.lsids.Capacity() * uint64(s.pbs) }

// IsDiscardCapable reports whether the data device supports TRIM/DISCARD.
func (s *Surface) IsDiscardCapable() bool {
	_, ok := s.dataDev.(device.DiscardDevice)
	return ok
}

// IsLogOverflow reports whether the ring has overflowed (and the device is
// now read-only as a result).
func (s *Surface) IsLogOverflow() bool { return s.lsids.HasFlag(lsidset.FlagLogOverflow) }

// IsFlushCapable reports whether both devices can actually enforce a durable
// write barrier. A device only satisfies device.FileBatcher when it's backed
// by a real file descriptor whose Flush is an fsync; the in-memory backend's
// Flush is a no-op, so it is reported as flush-incapable even though it
// never fails.
func (s *Surface) IsFlushCapable() bool {
	_, logOK := s.logDev.(device.FileBatcher)
	_, dataOK := s.dataDev.(device.FileBatcher)
	return logOK && dataOK
}

// GetSizeLb returns the exposed device's current size in logical blocks.
func (s *Surface) GetSizeLb() uint64 {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.sizeLB
}

// Resize changes the exposed device's logical size, per the resize control
// operation. It only grows or shrinks the advertised size; it never
// truncates or extends the underlying data device, so newSizeLB must fit
// within the data device's existing capacity.
func (s *Surface) Resize(newSizeLB uint64) error {
	if newSizeLB == 0 {
		return fmt.Errorf("walb: control: resize: new size must be positive")
	}
	maxLB := uint64(s.dataDev.Size()) / uint64(s.lbs)
	if newSizeLB > maxLB {
		return fmt.Errorf("walb: control: resize: new size %d lb exceeds data device capacity %d lb", newSizeLB, maxLB)
	}
	s.sizeMu.Lock()
	s.sizeLB = newSizeLB
	s.sizeMu.Unlock()
	return nil
}

// IsReadOnly reports whether writes are currently rejected.
func (s *Surface) IsReadOnly() bool { return s.lsids.HasFlag(lsidset.FlagReadOnly) }

// IsFrozen reports whether the device is in any frozen state.
func (s *Surface) IsFrozen() bool { return s.freezeC.IsFrozen() }

// GetVersion returns the on-disk format version.
func (s *Surface) GetVersion() uint16 { return ondisk.CurrentSuperVersion }

// LogicalBlockSize returns the attached logical block size in bytes.
func (s *Surface) LogicalBlockSize() int { return s.lbs }

// PhysicalBlockSize returns the attached physical block size in bytes.
func (s *Surface) PhysicalBlockSize() int { return s.pbs }

// UUID returns the device's identity.
func (s *Surface) UUID() [16]byte { return s.uuid }

// Name returns the device's configured name.
func (s *Surface) Name() string { return s.name }

// --- mutating operations ---

// SetOldestLsid advances oldest_lsid, retiring log space below it. Callers
// (e.g. a log-gathering tool that has archived up to this point) must
// ensure lsid <= written_lsid.
func (s *Surface) SetOldestLsid(lsid uint64) error {
	if lsid > s.lsids.Load().Written {
		return fmt.Errorf("walb: control: set_oldest_lsid %d exceeds written_lsid %d", lsid, s.lsids.Load().Written)
	}
	s.lsids.SetOldest(lsid)
	return nil
}

// ResetLog clears LOG_OVERFLOW/READ_ONLY and reinitializes the log at a
// fresh lsid, rebuilding the pack builder so it starts from a clean ring
// position, per the reset_log control operation.
func (s *Surface) ResetLog(lsid uint64) error {
	s.pipeline.ResetLog(lsid)
	return nil
}

// Freeze quiesces the admit stage; timeout <= 0 freezes indefinitely.
func (s *Surface) Freeze(timeout time.Duration) error {
	return s.freezeC.Freeze(timeout)
}

// Melt resumes the admit stage.
func (s *Surface) Melt() error {
	return s.freezeC.Melt()
}

// TakeCheckpoint persists min(permanent_lsid, completed_lsid) into
// written_lsid on both super sector copies.
func (s *Surface) TakeCheckpoint() error {
	cpLsid := s.lsids.CheckpointLsid()
	s.lsids.AdvanceWritten(cpLsid)
	snap := s.lsids.Load()

	super := &ondisk.SuperSector{
		SectorType:             ondisk.SectorTypeSuper,
		Version:                ondisk.CurrentSuperVersion,
		LogicalBS:              uint32(s.lbs),
		PhysicalBS:             uint32(s.pbs),
		SnapshotMetadataSizePB: uint32((s.ringBufferOffset - 1) / 2),
		UUID:                   s.uuid,
		Name:                   s.name,
		LogChecksumSalt:        s.salt,
		RingBufferSizePB:       s.ringBufferPB,
		OldestLsid:             snap.Oldest,
		WrittenLsid:            cpLsid,
	}
	buf := ondisk.NewBuffer(s.pbs)
	super.Encode(buf)
	ondisk.FinalizeChecksum(buf)

	// Both copies are written on every update regardless of whether the
	// first write failed, per the super-sector invariant; failures on
	// either are aggregated rather than short-circuiting the other.
	secondaryOff := int64(1+uint64(super.SnapshotMetadataSizePB)) * int64(s.pbs)
	var result *multierror.Error
	if _, err := s.logDev.WriteAt(buf.Bytes(), 0); err != nil {
		result = multierror.Append(result, fmt.Errorf("walb: control: checkpoint: writing primary super sector: %w", err))
	}
	if _, err := s.logDev.WriteAt(buf.Bytes(), secondaryOff); err != nil {
		result = multierror.Append(result, fmt.Errorf("walb: control: checkpoint: writing secondary super sector: %w", err))
	}
	return result.ErrorOrNil()
}

// SetCheckpointIntervalMS changes the checkpointer's period.
func (s *Surface) SetCheckpointIntervalMS(ms int) {
	s.cpMu.Lock()
	s.checkpointIntervalMS = ms
	s.cpMu.Unlock()
}

// GetCheckpointIntervalMS returns the checkpointer's current period.
func (s *Surface) GetCheckpointIntervalMS() int {
	s.cpMu.Lock()
	defer s.cpMu.Unlock()
	return s.checkpointIntervalMS
}

func (s *Surface) runCheckpointer() {
	defer close(s.checkpointDone)
	for {
		interval := time.Duration(s.GetCheckpointIntervalMS()) * time.Millisecond
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTimer(interval)
		select {
		case <-s.stopCheckpoint:
			t.Stop()
			return
		case <-t.C:
			if s.freezeC.IsFrozen() {
				continue
			}
			if err := s.TakeCheckpoint(); err != nil {
				s.logger.Error("checkpoint failed", "err", err)
			}
		}
	}
}

// SearchValidLsid scans backward from hint to find the most recent lsid
// whose logpack header is structurally valid (correct sector type, in-range
// record count, and a verifying checksum), used to recover a plausible
// written_lsid when the super sector's own value is suspect. It never
// scans further back than oldest_lsid.
func (s *Surface) SearchValidLsid(hint uint64) (uint64, bool) {
	oldest := s.lsids.Load().Oldest
	for lsid := hint; ; lsid-- {
		off := int64(geometry.OffsetOfLsid(lsid, s.ringBufferOffset, s.ringBufferPB)) * int64(s.pbs)
		buf := ondisk.NewBuffer(s.pbs)
		if _, err := s.logDev.ReadAt(buf.Bytes(), off); err == nil {
			nRecords := ondisk.DecodeNRecords(buf)
			if nRecords <= ondisk.MaxRecordsInSector(s.pbs) && ondisk.VerifyLogpackChecksum(buf, nRecords, s.salt) {
				h := ondisk.DecodeLogpackHeader(buf, nRecords)
				if h.SectorType == ondisk.SectorTypeLogpack && h.LogpackLsid == lsid {
					return lsid, true
				}
			}
		}
		if lsid == oldest || lsid == 0 {
			break
		}
	}
	return 0, false
}
