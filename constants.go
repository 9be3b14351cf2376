package walb

import "github.com/herumi/go-walb/internal/constants"

// Re-exported tunable defaults, for callers building AttachParams/FormatParams
// without reaching into internal/constants directly.
const (
	DefaultLogicalBlockSize  = constants.DefaultLogicalBlockSize
	DefaultPhysicalBlockSize = constants.DefaultPhysicalBlockSize

	DefaultMaxLogpackKB         = constants.DefaultMaxLogpackKB
	DefaultMaxPendingMB         = constants.DefaultMaxPendingMB
	DefaultMinPendingMB         = constants.DefaultMinPendingMB
	DefaultQueueStopTimeoutMS   = constants.DefaultQueueStopTimeoutMS
	DefaultLogFlushIntervalMB   = constants.DefaultLogFlushIntervalMB
	DefaultLogFlushIntervalMS   = constants.DefaultLogFlushIntervalMS
	DefaultNPackBulk            = constants.DefaultNPackBulk
	DefaultNIOBulk              = constants.DefaultNIOBulk
	DefaultCheckpointIntervalMS = constants.DefaultCheckpointIntervalMS

	DefaultSnapshotMetadataSizePB = constants.DefaultSnapshotMetadataSizePB
	DeviceNameMaxLen              = constants.DeviceNameMaxLen
	MinFreezeTimeoutSeconds       = constants.MinFreezeTimeoutSeconds
)
