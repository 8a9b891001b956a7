// Package channel implements the result-channel protocol shared between a
// compute kernel and the host: a fixed-capacity buffer of (line, outcome)
// slots filled as a dense prefix by concurrently executing assertions, and
// the host-side decode that turns the buffer back into ordered verdicts.
package channel

import (
	"fmt"
)

// Capacity is the default number of verdict slots in a result channel.
// Device and host must agree on this value; the kernel preamble embeds it
// as KT_CAPACITY.
const Capacity = 1024

// Unset marks a slot no assertion has claimed. The host fills the whole
// buffer with Unset before each dispatch so an untouched slot is
// unambiguous.
const Unset int32 = -1

// SlotInts is the number of int32 values per slot: (line, outcome).
const SlotInts = 2

// Verdict is one decoded assertion outcome.
type Verdict struct {
	Line   int32
	Passed bool
}

// OverflowError reports that a dispatch executed more assertions than the
// channel has slots. Claimed is the total number of slots the kernel tried
// to take; everything past Capacity was dropped on the device.
type OverflowError struct {
	Claimed  int32
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("result channel overflow: %d assertions executed, capacity %d (excess verdicts were dropped)",
		e.Claimed, e.Capacity)
}

// NewHostBuffer returns a host-side channel buffer for n slots, every slot
// pre-filled with the Unset sentinel. The layout is interleaved int32 pairs,
// matching the device buffer bit-for-bit.
func NewHostBuffer(n int) []int32 {
	buf := make([]int32, n*SlotInts)
	Clear(buf)
	return buf
}

// Clear resets every slot to Unset. Safe to call on an already clear buffer;
// a reused buffer never leaks verdicts from a previous dispatch.
func Clear(buf []int32) {
	for i := range buf {
		buf[i] = Unset
	}
}

// Decode scans the occupied prefix of buf and returns the verdicts in slot
// order. The scan stops at the first slot whose line or outcome is still
// Unset; slots past that point are not inspected.
func Decode(buf []int32) []Verdict {
	n := len(buf) / SlotInts
	verdicts := make([]Verdict, 0, n)
	for i := 0; i < n; i++ {
		line := buf[SlotInts*i]
		outcome := buf[SlotInts*i+1]
		if line == Unset || outcome == Unset {
			break
		}
		verdicts = append(verdicts, Verdict{Line: line, Passed: outcome != 0})
	}
	return verdicts
}

// CheckOverflow validates the cursor value read back after a dispatch.
// claimed is the final slot-cursor value, capacity the slot count the
// buffers were sized for. A claimed count past capacity means assertions
// were silently dropped on the device, which is reported loudly rather
// than truncated.
func CheckOverflow(claimed int32, capacity int) error {
	if int(claimed) > capacity {
		return &OverflowError{Claimed: claimed, Capacity: capacity}
	}
	return nil
}
