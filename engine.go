// Package walb provides the main API for a block-device write-ahead log: it
// interposes between a client and a pair of block devices (a data device and
// a log device), durably logging every write before it reaches the data
// device, and reconstructing the data device from the log after a crash.
package walb

import (
	"context"
	"fmt"
	"time"

	"github.com/herumi/go-walb/internal/control"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/logging"
	"github.com/herumi/go-walb/internal/pipeline"
)

// Engine is the attached control surface for one (log device, data device)
// pair: it owns the lsid counters, the write pipeline, the freeze
// controller and the checkpointer, and is the object every public operation
// is a method on.
type Engine struct {
	surface *control.Surface

	logDev  device.BlockDevice
	dataDev device.BlockDevice

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer

	started bool
}

// AttachParams configures Attach.
type AttachParams struct {
	// LogDevice and DataDevice must already be format_log'd.
	LogDevice  device.BlockDevice
	DataDevice device.BlockDevice

	// Start holds the attach start-parameters (queue/pack/flush tunables).
	// Nil falls back to control.DefaultStartParams().
	Start *control.StartParams
}

// DefaultAttachParams returns AttachParams with default start-parameters
// for the given device pair.
func DefaultAttachParams(logDev, dataDev device.BlockDevice) AttachParams {
	return AttachParams{
		LogDevice:  logDev,
		DataDevice: dataDev,
		Start:      control.DefaultStartParams(),
	}
}

// Options contains additional options for Attach.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger for debug/info messages (if nil, uses logging.Default()).
	Logger *logging.Logger

	// Observer for metrics collection (if nil, uses a MetricsObserver
	// wrapping a fresh Metrics instance).
	Observer Observer
}

// FormatParams describes a fresh log device to Format.
type FormatParams struct {
	LogDevice  device.BlockDevice
	LogicalBS  int
	PhysicalBS int
	RingBufferPB uint64
	Name       string

	// NoDiscard is accepted for parity with format_log's (ldev, ddev, name?,
	// nodiscard?) signature; redo replays a discard through the data
	// device's Discard when it has one, else through WriteZeroes, else skips
	// it (see internal/redo), so nodiscard has no effect on behavior here. It exists so callers migrating a
	// format_log invocation don't need to drop the argument.
	NoDiscard bool
}

// Format writes a fresh primary and secondary super sector to
// params.LogDevice, establishing an empty log at lsid 0. It must be called
// once before the first Attach of a device pair.
func Format(params FormatParams) error {
	if params.LogicalBS <= 0 {
		params.LogicalBS = 512
	}
	if params.PhysicalBS <= 0 {
		params.PhysicalBS = 4096
	}
	_, err := control.FormatLog(control.FormatConfig{
		LogDevice:              params.LogDevice,
		LogicalBS:              params.LogicalBS,
		PhysicalBS:             params.PhysicalBS,
		SnapshotMetadataSizePB: 1,
		RingBufferPB:           params.RingBufferPB,
		Name:                   params.Name,
	})
	if err != nil {
		return fmt.Errorf("walb: format: %w", err)
	}
	return nil
}

// Attach opens the device pair, replays the log to bring the data device to
// a consistent state, and starts serving writes. This is the main entry
// point for attaching a WalB device.
//
// The engine will continue serving I/O until:
//   - Detach is called
//   - An unrecoverable error occurs
//
// Example:
//
//	logDev := backend.NewMemory(64 << 20)
//	dataDev := backend.NewMemory(256 << 20)
//	engine, err := walb.Attach(context.Background(), walb.DefaultAttachParams(logDev, dataDev), nil)
func Attach(ctx context.Context, params AttachParams, options *Options) (*Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	start := params.Start
	if start == nil {
		start = control.DefaultStartParams()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	surface, err := control.Attach(control.AttachConfig{
		LogDevice:  params.LogDevice,
		DataDevice: params.DataDevice,
		Params:     start,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("walb: attach: %w", err)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	engineCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		surface:  surface,
		logDev:   params.LogDevice,
		dataDev:  params.DataDevice,
		ctx:      engineCtx,
		cancel:   cancel,
		metrics:  metrics,
		observer: observer,
		started:  true,
	}
	return e, nil
}

// Detach drains the engine's pipeline, takes a final checkpoint, and stops
// its background goroutines. Devices are left open; callers close them.
func Detach(ctx context.Context, e *Engine) error {
	if e == nil {
		return NewError("detach", CodeInvalidArg, "nil engine")
	}
	e.cancel()
	e.metrics.Stop()
	if err := e.surface.Detach(); err != nil {
		return fmt.Errorf("walb: detach: %w", err)
	}
	e.started = false
	return nil
}

// Submit admits a write/discard/flush request, drives it through the
// pipeline to durability (or failure), and records latency/byte metrics.
func (e *Engine) Submit(ctx context.Context, req pipeline.Request) error {
	t0 := time.Now()
	err := e.surface.Submit(ctx, req)
	latencyNs := uint64(time.Since(t0).Nanoseconds())

	bytes := uint64(req.IOSize) * uint64(e.surface.LogicalBlockSize())
	switch {
	case req.Flush:
		e.observer.ObserveFlush(latencyNs, err == nil)
	case req.Discard:
		e.observer.ObserveDiscard(bytes, latencyNs, err == nil)
	default:
		e.observer.ObserveWrite(bytes, latencyNs, err == nil)
	}

	snap := e.lsidSnapshot()
	e.observer.ObserveLsids(snap.OldestLsid, snap.WrittenLsid, snap.PermanentLsid, snap.CompletedLsid, snap.SubmittedLsid, snap.LatestLsid)
	return err
}

// ReadPending serves bytes covered by the pending (not-yet-permanent) write
// set for a read at offsetBytes on the data device, returning which bytes of
// dst it filled in.
func (e *Engine) ReadPending(dst []byte, offsetBytes uint64) []bool {
	t0 := time.Now()
	filled := e.surface.ReadPending(dst, offsetBytes)
	e.observer.ObserveRead(uint64(len(dst)), uint64(time.Since(t0).Nanoseconds()), true)
	return filled
}

// --- lsid getters ---

func (e *Engine) GetOldestLsid() uint64    { return e.surface.GetOldestLsid() }
func (e *Engine) GetWrittenLsid() uint64   { return e.surface.GetWrittenLsid() }
func (e *Engine) GetPermanentLsid() uint64 { return e.surface.GetPermanentLsid() }
func (e *Engine) GetCompletedLsid() uint64 { return e.surface.GetCompletedLsid() }
func (e *Engine) GetSubmittedLsid() uint64 { return e.surface.GetSubmittedLsid() }
func (e *Engine) GetLatestLsid() uint64    { return e.surface.GetLatestLsid() }

// GetLogUsage returns how many bytes of the ring buffer are occupied.
func (e *Engine) GetLogUsage() uint64 { return e.surface.GetLogUsage() }

// GetLogCapacity returns the ring buffer's total size in bytes.
func (e *Engine) GetLogCapacity() uint64 { return e.surface.GetLogCapacity() }

// IsDiscardCapable reports whether the data device supports TRIM/DISCARD.
func (e *Engine) IsDiscardCapable() bool { return e.surface.IsDiscardCapable() }

// IsLogOverflow reports whether the ring has overflowed (device read-only).
func (e *Engine) IsLogOverflow() bool { return e.surface.IsLogOverflow() }

// IsFlushCapable reports whether both devices can enforce a durable write
// barrier.
func (e *Engine) IsFlushCapable() bool { return e.surface.IsFlushCapable() }

// GetSizeLb returns the exposed device's current size in logical blocks.
func (e *Engine) GetSizeLb() uint64 { return e.surface.GetSizeLb() }

// IsReadOnly reports whether writes are currently rejected.
func (e *Engine) IsReadOnly() bool { return e.surface.IsReadOnly() }

// IsFrozen reports whether the engine is in any frozen state.
func (e *Engine) IsFrozen() bool { return e.surface.IsFrozen() }

// GetVersion returns the on-disk format version.
func (e *Engine) GetVersion() uint16 { return e.surface.GetVersion() }

// UUID returns the device's identity.
func (e *Engine) UUID() [16]byte { return e.surface.UUID() }

// Name returns the device's configured name.
func (e *Engine) Name() string { return e.surface.Name() }

// --- mutating control operations ---

// SetOldestLsid advances oldest_lsid, retiring log space below it.
func (e *Engine) SetOldestLsid(lsid uint64) error { return e.surface.SetOldestLsid(lsid) }

// ResetLog clears LOG_OVERFLOW/READ_ONLY and reinitializes the log at a
// fresh lsid.
func (e *Engine) ResetLog(lsid uint64) error { return e.surface.ResetLog(lsid) }

// Resize changes the exposed device's advertised logical size.
func (e *Engine) Resize(newSizeLB uint64) error { return e.surface.Resize(newSizeLB) }

// Freeze quiesces the admit stage; timeout <= 0 freezes indefinitely.
func (e *Engine) Freeze(timeout time.Duration) error { return e.surface.Freeze(timeout) }

// Melt resumes the admit stage.
func (e *Engine) Melt() error { return e.surface.Melt() }

// TakeCheckpoint persists min(permanent_lsid, completed_lsid) into
// written_lsid on both super sector copies.
func (e *Engine) TakeCheckpoint() error {
	err := e.surface.TakeCheckpoint()
	if err == nil {
		e.metrics.CheckpointCount.Add(1)
	}
	return err
}

// SetCheckpointIntervalMS changes the checkpointer's period.
func (e *Engine) SetCheckpointIntervalMS(ms int) { e.surface.SetCheckpointIntervalMS(ms) }

// GetCheckpointIntervalMS returns the checkpointer's current period.
func (e *Engine) GetCheckpointIntervalMS() int { return e.surface.GetCheckpointIntervalMS() }

// SearchValidLsid scans backward from hint for the most recent lsid whose
// logpack header is structurally valid.
func (e *Engine) SearchValidLsid(hint uint64) (uint64, bool) { return e.surface.SearchValidLsid(hint) }

// EngineState represents the current lifecycle state of an Engine.
type EngineState string

const (
	// EngineStateAttached indicates the engine is serving I/O.
	EngineStateAttached EngineState = "attached"
	// EngineStateDetached indicates Detach has completed.
	EngineStateDetached EngineState = "detached"
)

// State returns the current state of the engine.
func (e *Engine) State() EngineState {
	if e == nil || !e.started {
		return EngineStateDetached
	}
	return EngineStateAttached
}

// IsRunning returns true if the engine is currently serving I/O.
func (e *Engine) IsRunning() bool { return e.State() == EngineStateAttached }

// EngineInfo contains comprehensive information about an attached engine.
type EngineInfo struct {
	UUID       [16]byte    `json:"uuid"`
	Name       string      `json:"name"`
	State      EngineState `json:"state"`
	LogicalBS  int         `json:"logical_bs"`
	PhysicalBS int         `json:"physical_bs"`
	LogCapacity uint64     `json:"log_capacity"`
	LogUsage    uint64     `json:"log_usage"`
	OldestLsid    uint64 `json:"oldest_lsid"`
	WrittenLsid   uint64 `json:"written_lsid"`
	PermanentLsid uint64 `json:"permanent_lsid"`
	CompletedLsid uint64 `json:"completed_lsid"`
	SubmittedLsid uint64 `json:"submitted_lsid"`
	LatestLsid    uint64 `json:"latest_lsid"`
	ReadOnly    bool `json:"read_only"`
	LogOverflow bool `json:"log_overflow"`
	Frozen      bool `json:"frozen"`
}

// Info returns comprehensive information about the engine.
func (e *Engine) Info() EngineInfo {
	if e == nil {
		return EngineInfo{}
	}
	snap := e.lsidSnapshot()
	return EngineInfo{
		UUID:          e.UUID(),
		Name:          e.Name(),
		State:         e.State(),
		LogicalBS:     e.surface.LogicalBlockSize(),
		PhysicalBS:    e.surface.PhysicalBlockSize(),
		LogCapacity:   e.GetLogCapacity(),
		LogUsage:      e.GetLogUsage(),
		OldestLsid:    snap.OldestLsid,
		WrittenLsid:   snap.WrittenLsid,
		PermanentLsid: snap.PermanentLsid,
		CompletedLsid: snap.CompletedLsid,
		SubmittedLsid: snap.SubmittedLsid,
		LatestLsid:    snap.LatestLsid,
		ReadOnly:      e.IsReadOnly(),
		LogOverflow:   e.IsLogOverflow(),
		Frozen:        e.IsFrozen(),
	}
}

// lsidSnap holds the six lsid values that lsidSnapshot collects for Submit
// and Info by calling each getter in turn.
type lsidSnap struct {
	OldestLsid, WrittenLsid, PermanentLsid, CompletedLsid, SubmittedLsid, LatestLsid uint64
}

func (e *Engine) lsidSnapshot() lsidSnap {
	return lsidSnap{
		OldestLsid:    e.GetOldestLsid(),
		WrittenLsid:   e.GetWrittenLsid(),
		PermanentLsid: e.GetPermanentLsid(),
		CompletedLsid: e.GetCompletedLsid(),
		SubmittedLsid: e.GetSubmittedLsid(),
		LatestLsid:    e.GetLatestLsid(),
	}
}

// Metrics returns the current metrics for the engine.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}
