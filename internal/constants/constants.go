// Package constants holds default tunables for the WalB engine.
package constants

// Block size defaults.
const (
	// DefaultLogicalBlockSize is the default logical block (lb) size in bytes.
	DefaultLogicalBlockSize = 512

	// DefaultPhysicalBlockSize is the default physical block (pb) size in bytes.
	DefaultPhysicalBlockSize = 4096
)

// Pipeline tunable defaults, per the attach start-parameters.
const (
	// DefaultMaxLogpackKB bounds the total_io_size of a single logpack.
	DefaultMaxLogpackKB = 1024

	// DefaultMaxPendingMB is the pending-set high watermark that stops admission.
	DefaultMaxPendingMB = 32

	// DefaultMinPendingMB is the pending-set low watermark that resumes admission.
	DefaultMinPendingMB = 16

	// DefaultQueueStopTimeoutMS bounds how long admission may take to stop.
	DefaultQueueStopTimeoutMS = 100

	// DefaultLogFlushIntervalMB triggers a log-device flush once this many MB
	// of completed-but-not-yet-permanent data accumulate.
	DefaultLogFlushIntervalMB = 16

	// DefaultLogFlushIntervalMS is the periodic log-flush timer period.
	// A value of 0 disables the timer-driven flush entirely; only the byte
	// threshold (DefaultLogFlushIntervalMB) triggers a flush in that case.
	DefaultLogFlushIntervalMS = 100

	// DefaultNPackBulk bounds how many writepacks may be in flight in parallel.
	DefaultNPackBulk = 128

	// DefaultNIOBulk bounds how many log-write units are grouped into one
	// vectored batch.
	DefaultNIOBulk = 1024

	// DefaultCheckpointIntervalMS is how often the checkpointer persists
	// min(permanent_lsid, completed_lsid) into written_lsid.
	DefaultCheckpointIntervalMS = 1000
)

// DefaultSnapshotMetadataSizePB is the reserved snapshot-metadata region size,
// in physical blocks, between the primary and secondary super sector. The
// on-disk sector type is reserved but snapshot semantics are not implemented.
const DefaultSnapshotMetadataSizePB = 1

// DeviceNameMaxLen bounds the NUL-terminated name field of the super sector.
const DeviceNameMaxLen = 32

// MinFreezeTimeoutSeconds is a freeze(timeout) floor in seconds. No freeze
// path checks it: Freeze accepts any positive timeout, however short.
const MinFreezeTimeoutSeconds = 1
