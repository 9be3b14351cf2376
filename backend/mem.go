// Package backend provides the BlockDevice implementations this engine ships
// with: an in-memory device for tests and dry runs, and a file-backed device
// (internal/device.FileDevice) for real attachment.
package backend

import (
	"fmt"
	"sync"

	"github.com/herumi/go-walb/internal/device"
)

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for concurrent pack workers writing disjoint regions, while
// keeping lock overhead reasonable: a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-backed BlockDevice, used for both the log and data device
// in tests. It uses sharded locking so concurrent pack workers touching
// disjoint regions don't serialize on a single mutex.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a zeroed Memory device of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

func (m *Memory) Flush() error { return nil }

// Discard zero-fills [offset, offset+length).
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	startShard, endShard := m.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// WriteZeroes is identical to Discard for a memory-backed device: there is
// no sparse representation to punch a hole in.
func (m *Memory) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

func (m *Memory) Stat() (device.Stat, error) {
	return device.Stat{Path: "memory", SizeBytes: m.size}, nil
}

// Stats returns a summary of the device for diagnostics.
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
	}
}

var (
	_ device.BlockDevice       = (*Memory)(nil)
	_ device.DiscardDevice     = (*Memory)(nil)
	_ device.WriteZeroesDevice = (*Memory)(nil)
	_ device.StatDevice        = (*Memory)(nil)
)
