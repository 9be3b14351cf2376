package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/herumi/go-walb/backend"
	"github.com/herumi/go-walb/internal/lsidset"
)

// blockingDataDevice delays the single WriteAt matching blockOffset until
// unblock is closed, signalling hit first so the test can synchronize on
// "the write has started."
type blockingDataDevice struct {
	*backend.Memory
	blockOffset int64
	hit         chan struct{}
	unblock     chan struct{}
	hitOnce     bool
}

func (d *blockingDataDevice) WriteAt(p []byte, off int64) (int, error) {
	if off == d.blockOffset && !d.hitOnce {
		d.hitOnce = true
		close(d.hit)
		<-d.unblock
	}
	return d.Memory.WriteAt(p, off)
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	cfg := Config{
		LogDevice:          logDev,
		DataDevice:         dataDev,
		LogicalBS:          512,
		PhysicalBS:         4096,
		Salt:               0xdeadbeef,
		RingBufferOffset:   3,
		RingBufferPB:       200,
		MaxLogpackPB:       1024,
		MaxPendingPB:       1 << 20,
		MinPendingPB:       1 << 10,
		QueueStopTimeoutMS: 100,
		LogFlushIntervalMS: 0,
		NPackBulk:          4,
	}
	return New(cfg, lsidset.New(200))
}

func TestSubmitWriteThenFlushAdvancesPermanent(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	payload := make([]byte, 8*512)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := p.Submit(ctx, Request{Offset: 100, IOSize: 8, Payload: payload}); err != nil {
		t.Fatalf("Submit write: %v", err)
	}
	if err := p.Submit(ctx, Request{Flush: true}); err != nil {
		t.Fatalf("Submit flush: %v", err)
	}

	snap := p.lsids.Load()
	if snap.Permanent == 0 {
		t.Fatalf("expected permanent_lsid to advance after flush, got %+v", snap)
	}

	got := make([]byte, 8*512)
	if _, err := p.cfg.DataDevice.ReadAt(got, 100*512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("data device mismatch at byte %d: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestSubmitRejectsWritesOnceReadOnly(t *testing.T) {
	p := newTestPipeline(t)
	p.lsids.SetFlag(lsidset.FlagReadOnly)
	if err := p.Submit(context.Background(), Request{Offset: 0, IOSize: 1, Payload: make([]byte, 512)}); err == nil {
		t.Fatalf("expected Submit to fail once READ_ONLY is latched")
	}
}

func TestOverlappingWritesLastWriterWins(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	a := make([]byte, 4*512)
	for i := range a {
		a[i] = 'A'
	}
	b := make([]byte, 4*512)
	for i := range b {
		b[i] = 'B'
	}
	c := make([]byte, 4*512)
	for i := range c {
		c[i] = 'C'
	}

	if err := p.Submit(ctx, Request{Offset: 0, IOSize: 4, Payload: a}); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := p.Submit(ctx, Request{Offset: 2, IOSize: 4, Payload: b}); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if err := p.Submit(ctx, Request{Offset: 4, IOSize: 4, Payload: c}); err != nil {
		t.Fatalf("submit C: %v", err)
	}

	got := make([]byte, 8*512)
	if _, err := p.cfg.DataDevice.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := 0; i < 2*512; i++ {
		if got[i] != 'A' {
			t.Fatalf("byte %d = %q, want A", i, got[i])
		}
	}
	for i := 2 * 512; i < 4*512; i++ {
		if got[i] != 'B' {
			t.Fatalf("byte %d = %q, want B", i, got[i])
		}
	}
	for i := 4 * 512; i < 8*512; i++ {
		if got[i] != 'C' {
			t.Fatalf("byte %d = %q, want C", i, got[i])
		}
	}
}

// TestCommitPackHandlesRingWrapPadding exercises a pack that picked up a
// ring-wrap padding record ahead of a real one: the padding record has no
// entry in Pack.Requests, so commitPack must track its own non-padding
// counter into Requests rather than indexing it by the Header.Records
// position, or the real record after the padding reads past the end of
// Requests.
func TestCommitPackHandlesRingWrapPadding(t *testing.T) {
	logDev := backend.NewMemory(1 << 20)
	dataDev := backend.NewMemory(1 << 20)
	cfg := Config{
		LogDevice:          logDev,
		DataDevice:         dataDev,
		LogicalBS:          512,
		PhysicalBS:         4096,
		Salt:               0xdeadbeef,
		RingBufferOffset:   3,
		RingBufferPB:       10, // small ring: the second write's pack must wrap
		MaxLogpackPB:       7,  // saturated by the first write, forcing it to close
		MaxPendingPB:       1 << 20,
		MinPendingPB:       1 << 10,
		QueueStopTimeoutMS: 100,
		LogFlushIntervalMS: 0,
		NPackBulk:          4,
	}
	p := New(cfg, lsidset.New(1000))
	ctx := context.Background()

	a := make([]byte, 56*512) // 7 pb, exactly saturates MaxLogpackPB for pack 1
	for i := range a {
		a[i] = 'A'
	}
	b := make([]byte, 16*512) // 2 pb; pack 2 starts right where pack 1's data ends
	for i := range b {        // forcing a wrap-padding record ahead of it
		b[i] = 'B'
	}

	if err := p.Submit(ctx, Request{Offset: 0, IOSize: 56, Payload: a}); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := p.Submit(ctx, Request{Offset: 1000, IOSize: 16, Payload: b}); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if err := p.Submit(ctx, Request{Flush: true}); err != nil {
		t.Fatalf("submit flush: %v", err)
	}

	gotA := make([]byte, len(a))
	if _, err := dataDev.ReadAt(gotA, 0); err != nil {
		t.Fatalf("ReadAt A: %v", err)
	}
	if !bytesEqual(gotA, a) {
		t.Fatalf("data device content for A mismatch after wrap-padding commit")
	}

	gotB := make([]byte, len(b))
	if _, err := dataDev.ReadAt(gotB, 1000*512); err != nil {
		t.Fatalf("ReadAt B: %v", err)
	}
	if !bytesEqual(gotB, b) {
		t.Fatalf("data device content for B mismatch after wrap-padding commit")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestOverlapAcrossPacksSerializesDataWrites exercises overlap across two
// separate Submit calls (and therefore two separate commitPack goroutines),
// not just overlap within one builder call: W1 lands in its own pack and is
// mid data-device write when W2, overlapping it from a second goroutine,
// is admitted into a different pack. W2's data write must hold until W1's
// completes and is removed from the overlap index.
func TestOverlapAcrossPacksSerializesDataWrites(t *testing.T) {
	dataDev := &blockingDataDevice{
		Memory:      backend.NewMemory(1 << 20),
		blockOffset: 0, // W1 writes lb 0, i.e. byte offset 0
		hit:         make(chan struct{}),
		unblock:     make(chan struct{}),
	}
	logDev := backend.NewMemory(1 << 20)
	cfg := Config{
		LogDevice:          logDev,
		DataDevice:         dataDev,
		LogicalBS:          512,
		PhysicalBS:         4096,
		Salt:               0xdeadbeef,
		RingBufferOffset:   3,
		RingBufferPB:       200,
		MaxLogpackPB:       1024,
		MaxPendingPB:       1 << 20,
		MinPendingPB:       1 << 10,
		QueueStopTimeoutMS: 100,
		LogFlushIntervalMS: 0,
		NPackBulk:          4,
	}
	p := New(cfg, lsidset.New(200))
	ctx := context.Background()

	a := make([]byte, 4*512)
	for i := range a {
		a[i] = 'A'
	}
	b := make([]byte, 4*512)
	for i := range b {
		b[i] = 'B'
	}

	err1 := make(chan error, 1)
	go func() {
		if err := p.Submit(ctx, Request{Offset: 0, IOSize: 4, Payload: a}); err != nil {
			err1 <- err
			return
		}
		err1 <- p.Submit(ctx, Request{Flush: true})
	}()

	select {
	case <-dataDev.hit:
	case <-time.After(2 * time.Second):
		t.Fatalf("W1's data write never started")
	}

	err2 := make(chan error, 1)
	go func() {
		if err := p.Submit(ctx, Request{Offset: 2, IOSize: 4, Payload: b}); err != nil {
			err2 <- err
			return
		}
		err2 <- p.Submit(ctx, Request{Flush: true})
	}()

	select {
	case <-err2:
		t.Fatalf("W2 completed before its overlapping predecessor W1 finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(dataDev.unblock)

	if err := <-err1; err != nil {
		t.Fatalf("W1 submit: %v", err)
	}
	if err := <-err2; err != nil {
		t.Fatalf("W2 submit: %v", err)
	}

	if n := p.overlap.Len(); n != 0 {
		t.Fatalf("expected overlap index empty after both writes complete, got %d entries", n)
	}

	got := make([]byte, 6*512)
	if _, err := dataDev.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := 0; i < 2*512; i++ {
		if got[i] != 'A' {
			t.Fatalf("byte %d = %q, want A (untouched by W2)", i, got[i])
		}
	}
	for i := 2 * 512; i < 6*512; i++ {
		if got[i] != 'B' {
			t.Fatalf("byte %d = %q, want B (W2 written after W1 released the overlap)", i, got[i])
		}
	}
}
