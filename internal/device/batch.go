package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a BlockDevice backed by an *os.File, used for both the log
// device and the data device when attached against real block files.
type FileDevice struct {
	f   *os.File
	fd  int
	sz  int64
	lbs int
	pbs int
}

// OpenFile opens path as a FileDevice. If direct is true it adds O_DIRECT,
// requiring callers to issue aligned, block-sized I/O.
func OpenFile(path string, lbs, pbs int, direct bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, fd: int(f.Fd()), sz: info.Size(), lbs: lbs, pbs: pbs}, nil
}

// CreateFile creates (or truncates) path to size bytes and opens it as a
// FileDevice, for formatting a fresh log or data file that doesn't exist
// yet. Direct I/O is never requested here since the file must first be
// extended with an ordinary write.
func CreateFile(path string, size int64, lbs, pbs int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f, fd: int(f.Fd()), sz: size, lbs: lbs, pbs: pbs}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Size() int64                              { return d.sz }
func (d *FileDevice) Close() error                             { return d.f.Close() }
func (d *FileDevice) Flush() error                             { return d.f.Sync() }

// Discard punches a hole in the backing file over [offset, offset+length).
func (d *FileDevice) Discard(offset, length int64) error {
	const mode = unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	return unix.Fallocate(d.fd, mode, offset, length)
}

// WriteZeroes zero-fills [offset, offset+length) by falling back to an
// explicit write, since not every filesystem backing a FileDevice supports
// FALLOC_FL_ZERO_RANGE.
func (d *FileDevice) WriteZeroes(offset, length int64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	remaining := length
	pos := offset
	for remaining > 0 {
		n := int64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := d.f.WriteAt(buf[:n], pos); err != nil {
			return err
		}
		pos += n
		remaining -= n
	}
	return nil
}

func (d *FileDevice) Stat() (Stat, error) {
	return Stat{Path: d.f.Name(), SizeBytes: d.sz, LogicalBS: d.lbs, PhysicalBS: d.pbs}, nil
}

// WriteUnit is one piece of a batched vectored write: Data lands at Offset
// on the device. The batch never reorders units; runs of units that the
// caller queued back to back at contiguous offsets share one syscall.
type WriteUnit struct {
	Offset int64
	Data   []byte
}

// Batch accumulates WriteUnits and submits them with as few underlying
// syscalls as possible. Consecutive units whose offsets are contiguous are
// merged into a single pwritev call; each non-contiguous run gets its own
// call within the same Flush. This is the same "prepare many, flush
// once" discipline as a kernel I/O ring's submission-queue batching, built
// on golang.org/x/sys/unix's vectored syscalls since this engine drives no
// kernel ring of its own.
type Batch struct {
	units []WriteUnit
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch { return &Batch{} }

// Add appends a write unit to the batch.
func (b *Batch) Add(offset int64, data []byte) {
	b.units = append(b.units, WriteUnit{Offset: offset, Data: data})
}

// Len returns the number of units queued.
func (b *Batch) Len() int { return len(b.units) }

// Flush submits every queued unit against fd, grouping adjacent units with
// contiguous offsets into single Pwritev calls, and returns the total
// bytes written.
func (b *Batch) Flush(fd int) (int64, error) {
	var total int64
	i := 0
	for i < len(b.units) {
		j := i + 1
		expect := b.units[i].Offset + int64(len(b.units[i].Data))
		for j < len(b.units) && b.units[j].Offset == expect {
			expect += int64(len(b.units[j].Data))
			j++
		}
		iovs := make([][]byte, j-i)
		for k := i; k < j; k++ {
			iovs[k-i] = b.units[k].Data
		}
		n, err := unix.Pwritev(fd, iovs, b.units[i].Offset)
		if err != nil {
			return total, err
		}
		total += int64(n)
		i = j
	}
	b.units = b.units[:0]
	return total, nil
}

// Fd exposes the underlying file descriptor for callers that build a Batch
// directly against a FileDevice.
func (d *FileDevice) Fd() int { return d.fd }
