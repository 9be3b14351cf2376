// Package device defines the block-device abstraction the engine writes its
// log and data through, and a batched vectored-I/O helper used by the
// pipeline's submission stage.
package device

// BlockDevice is the interface both the log device and the data device must
// implement. Offsets and lengths are always in bytes; callers are
// responsible for block-size alignment.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// FileBatcher is an optional interface for devices backed by a real file
// descriptor, letting the pipeline group up to n_io_bulk writes into a
// single Batch.Flush (vectored pwritev calls) instead of one syscall per I/O
// descriptor. Devices that don't implement it (e.g. the in-memory backend)
// fall back to one WriteAt per descriptor.
type FileBatcher interface {
	BlockDevice
	Fd() int
}

// DiscardDevice is an optional interface for TRIM/DISCARD support. Devices
// that don't implement it are treated as non-discard-capable: the pipeline
// issues no data-device operation for a discard, redo zero-fills only when
// the device implements WriteZeroesDevice, and
// control.Surface.IsDiscardCapable reports false.
type DiscardDevice interface {
	BlockDevice
	Discard(offset, length int64) error
}

// WriteZeroesDevice is an optional interface for efficient zero-fill,
// used by redo when replaying a DISCARD record against a device that
// lacks native discard support.
type WriteZeroesDevice interface {
	BlockDevice
	WriteZeroes(offset, length int64) error
}

// StatDevice is an optional interface exposing device identity. No package
// in this module queries it.
type StatDevice interface {
	BlockDevice
	Stat() (Stat, error)
}

// Stat describes identifying information about a BlockDevice.
type Stat struct {
	Path       string
	SizeBytes  int64
	LogicalBS  int
	PhysicalBS int
}
