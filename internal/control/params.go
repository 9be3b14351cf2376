// Package control implements the control-surface operations: format,
// attach/detach, lsid getters, flags, resize, reset_log, freeze/melt,
// checkpointing and search_valid_lsid. It wires together lsidset, pipeline,
// redo and freeze into the one object the engine's public API delegates to.
package control

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/herumi/go-walb/internal/constants"
)

// StartParams is the attach start-parameters block, loaded from a YAML
// device profile file.
type StartParams struct {
	DeviceName string `yaml:"device_name"`

	LogicalBS  int `yaml:"logical_bs"`
	PhysicalBS int `yaml:"physical_bs"`

	MaxLogpackKB       int `yaml:"max_logpack_kb"`
	MaxPendingMB       int `yaml:"max_pending_mb"`
	MinPendingMB       int `yaml:"min_pending_mb"`
	QueueStopTimeoutMS int `yaml:"queue_stop_timeout_ms"`
	LogFlushIntervalMB int `yaml:"log_flush_interval_mb"`
	LogFlushIntervalMS int `yaml:"log_flush_interval_ms"`
	NPackBulk          int `yaml:"n_pack_bulk"`

	// NIoBulk bounds how many I/O descriptors the log-write stage groups
	// into a single vectored submission (device.Batch) when the log
	// device is file-backed.
	NIoBulk int `yaml:"n_io_bulk"`

	// CheckpointIntervalMS is how often the checkpointer persists
	// min(permanent, completed) into written_lsid on both super sectors.
	CheckpointIntervalMS int `yaml:"checkpoint_interval_ms"`

	// DirectIO opens file-backed devices with O_DIRECT.
	DirectIO bool `yaml:"direct_io"`
}

// DefaultStartParams returns the attach defaults from internal/constants.
func DefaultStartParams() *StartParams {
	return &StartParams{
		LogicalBS:            constants.DefaultLogicalBlockSize,
		PhysicalBS:           constants.DefaultPhysicalBlockSize,
		MaxLogpackKB:         constants.DefaultMaxLogpackKB,
		MaxPendingMB:         constants.DefaultMaxPendingMB,
		MinPendingMB:         constants.DefaultMinPendingMB,
		QueueStopTimeoutMS:   constants.DefaultQueueStopTimeoutMS,
		LogFlushIntervalMB:   constants.DefaultLogFlushIntervalMB,
		LogFlushIntervalMS:   constants.DefaultLogFlushIntervalMS,
		NPackBulk:            constants.DefaultNPackBulk,
		NIoBulk:              constants.DefaultNIOBulk,
		CheckpointIntervalMS: constants.DefaultCheckpointIntervalMS,
	}
}

// LoadStartParams reads YAML start-parameters from r, filling any zero
// field from DefaultStartParams first.
func LoadStartParams(r io.Reader) (*StartParams, error) {
	p := DefaultStartParams()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(p); err != nil && err != io.EOF {
		return nil, err
	}
	return p, nil
}

// maxLogpackPB converts MaxLogpackKB into physical blocks.
func (p *StartParams) maxLogpackPB() uint64 {
	return uint64(p.MaxLogpackKB) * 1024 / uint64(p.PhysicalBS)
}

func (p *StartParams) maxPendingPB() uint64 {
	return uint64(p.MaxPendingMB) * 1024 * 1024 / uint64(p.PhysicalBS)
}

func (p *StartParams) minPendingPB() uint64 {
	return uint64(p.MinPendingMB) * 1024 * 1024 / uint64(p.PhysicalBS)
}

func (p *StartParams) logFlushIntervalPB() uint64 {
	return uint64(p.LogFlushIntervalMB) * 1024 * 1024 / uint64(p.PhysicalBS)
}
