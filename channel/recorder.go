package channel

import (
	"sync"
	"sync/atomic"
)

// Cursor hands out unique, monotonically increasing slot indices to
// concurrent assertion calls. It models the dispatch-local counter a kernel
// updates with an atomic fetch-and-increment; the mutex variant exists for
// targets without a usable atomic primitive.
type Cursor interface {
	// Next claims the next free slot index, starting at 0.
	Next() int32
	// Claimed returns the total number of slots handed out so far.
	Claimed() int32
}

// AtomicCursor implements Cursor with a lock-free fetch-and-add.
type AtomicCursor struct {
	n atomic.Int32
}

func (c *AtomicCursor) Next() int32 {
	return c.n.Add(1) - 1
}

func (c *AtomicCursor) Claimed() int32 {
	return c.n.Load()
}

// MutexCursor implements Cursor with a mutex-guarded counter.
type MutexCursor struct {
	mu sync.Mutex
	n  int32
}

func (c *MutexCursor) Next() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.n
	c.n++
	return i
}

func (c *MutexCursor) Claimed() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Recorder is an in-process model of the device-side assertion primitive:
// each Record call claims a slot through the cursor and stores
// (line, outcome) into the claimed slot. Only the claim is synchronized;
// the store needs none because every caller owns a distinct index.
//
// Calls past capacity are dropped, mirroring the device behavior where an
// out-of-bounds claimed index is never written. The host detects the drop
// afterward via CheckOverflow on the cursor value.
type Recorder struct {
	buf    []int32
	cursor Cursor
}

// NewRecorder returns a Recorder writing into buf, which must use the
// interleaved slot layout produced by NewHostBuffer.
func NewRecorder(buf []int32, cursor Cursor) *Recorder {
	return &Recorder{buf: buf, cursor: cursor}
}

// Record stores one assertion outcome. line is the 1-based source line of
// the assertion call site. Safe for unbounded concurrent use.
func (r *Recorder) Record(line int32, passed bool) {
	slot := r.cursor.Next()
	if int(slot)*SlotInts >= len(r.buf) {
		return
	}
	outcome := int32(0)
	if passed {
		outcome = 1
	}
	r.buf[SlotInts*slot] = line
	r.buf[SlotInts*slot+1] = outcome
}

// Claimed reports how many slots assertion calls have tried to take,
// including any dropped past capacity.
func (r *Recorder) Claimed() int32 {
	return r.cursor.Claimed()
}
