package walb

import (
	"sync"

	"github.com/herumi/go-walb/internal/device"
)

// MockDevice is an in-memory device.BlockDevice that tracks call counts,
// for tests that need to assert on I/O patterns rather than just content
// (backend.Memory already covers plain content round trips).
type MockDevice struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool

	readCalls    int
	writeCalls   int
	flushCalls   int
	discardCalls int
}

// NewMockDevice creates a new mock device with the given size in bytes.
func NewMockDevice(size int64) *MockDevice {
	return &MockDevice{data: make([]byte, size), size: size}
}

// ReadAt implements device.BlockDevice.
func (m *MockDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if m.closed {
		return 0, NewError("mock_read", CodeIoFailure, "device closed")
	}
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements device.BlockDevice.
func (m *MockDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.closed {
		return 0, NewError("mock_write", CodeIoFailure, "device closed")
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, NewError("mock_write", CodeInvalidArg, "write out of range")
	}
	return copy(m.data[off:], p), nil
}

// Size implements device.BlockDevice.
func (m *MockDevice) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Close implements device.BlockDevice.
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Flush implements device.BlockDevice.
func (m *MockDevice) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// Discard implements device.DiscardDevice by zeroing the range.
func (m *MockDevice) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardCalls++
	end := offset + length
	if end > m.size {
		end = m.size
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// WriteZeroes implements device.WriteZeroesDevice.
func (m *MockDevice) WriteZeroes(offset, length int64) error {
	return m.Discard(offset, length)
}

// CallCounts returns how many times each method has been invoked.
func (m *MockDevice) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":    m.readCalls,
		"write":   m.writeCalls,
		"flush":   m.flushCalls,
		"discard": m.discardCalls,
	}
}

// Reset clears all call counters without touching stored data.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.discardCalls = 0
}

// IsClosed reports whether Close has been called.
func (m *MockDevice) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var (
	_ device.BlockDevice        = (*MockDevice)(nil)
	_ device.DiscardDevice      = (*MockDevice)(nil)
	_ device.WriteZeroesDevice  = (*MockDevice)(nil)
)
