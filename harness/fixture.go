package harness

import (
	"strings"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/oklunit/oklunit/channel"
)

// SetupFunc binds test-specific inputs before a dispatch. It runs after the
// result channel is cleared and may allocate auxiliary buffers, append
// scalar arguments, and register a post-dispatch check.
type SetupFunc func(fx *Fixture) error

// HostCheck is a post-dispatch callback: host-side assertions on dispatch
// side effects. It runs exactly once, only when every kernel assertion
// passed, after all buffers have been read back.
type HostCheck func(fx *Fixture) error

type runState int

const (
	stateIdle runState = iota
	stateCleared
	stateSetupComplete
	stateDispatched
	stateDecoded
	statePassed
	stateFailedOnAssertion
	stateFailedNoAssertions
	stateFailedOverflow
	stateFailedTimeout
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateCleared:
		return "Cleared"
	case stateSetupComplete:
		return "SetupComplete"
	case stateDispatched:
		return "Dispatched"
	case stateDecoded:
		return "Decoded"
	case statePassed:
		return "Passed"
	case stateFailedOnAssertion:
		return "FailedOnAssertion"
	case stateFailedNoAssertions:
		return "FailedNoAssertions"
	case stateFailedOverflow:
		return "FailedOverflow"
	case stateFailedTimeout:
		return "FailedTimeout"
	default:
		return "Unknown"
	}
}

// Fixture bundles one discovered kernel test: the entry point named after
// the test, the paired kernel source, dispatch dimensions, and per-run
// bindings. Created at registration, destroyed at suite teardown.
type Fixture struct {
	Name       string
	KernelFile string

	// Dims are the dispatch dimensions for this fixture, exposed to the
	// kernel as KT_DISPATCH_X/Y/Z. Set before the first run; the kernel is
	// compiled with them on first use.
	Dims [3]int

	suite  *Suite
	source []string

	kernel   *gocca.OCCAKernel
	buildErr error

	setup         SetupFunc
	afterDispatch HostCheck
	args          []interface{}

	state    runState
	verdicts []channel.Verdict
}

// Alloc allocates a device buffer of the given byte size, optionally
// initialized from src, binds it as the next kernel argument, and tracks it
// for release at suite teardown.
func (fx *Fixture) Alloc(bytes int64, src unsafe.Pointer) *gocca.OCCAMemory {
	mem := fx.suite.device.Malloc(bytes, src, nil)
	fx.suite.release = append(fx.suite.release, mem)
	fx.args = append(fx.args, mem)
	return mem
}

// AllocFloat32 allocates and binds a device buffer holding a copy of data.
func (fx *Fixture) AllocFloat32(data []float32) *gocca.OCCAMemory {
	return fx.Alloc(int64(len(data)*4), unsafe.Pointer(&data[0]))
}

// AllocInt32 allocates and binds a device buffer holding a copy of data.
func (fx *Fixture) AllocInt32(data []int32) *gocca.OCCAMemory {
	return fx.Alloc(int64(len(data)*4), unsafe.Pointer(&data[0]))
}

// Scalar binds a scalar kernel argument (passed after the buffers bound so
// far, in call order).
func (fx *Fixture) Scalar(v interface{}) {
	fx.args = append(fx.args, v)
}

// AfterDispatch registers the post-dispatch check for this run.
func (fx *Fixture) AfterDispatch(fn HostCheck) {
	fx.afterDispatch = fn
}

// Verdicts returns the decoded verdict sequence of the last run. Valid from
// the post-dispatch callback onward; recomputed fresh every run.
func (fx *Fixture) Verdicts() []channel.Verdict {
	return fx.verdicts
}

// State reports the fixture's position in the run lifecycle.
func (fx *Fixture) State() string {
	return fx.state.String()
}

// SourceLine returns the trimmed kernel source text at a 1-based line
// number, or an empty string when the line is out of range.
func (fx *Fixture) SourceLine(line int) string {
	if line < 1 || line > len(fx.source) {
		return ""
	}
	return strings.TrimSpace(fx.source[line-1])
}

// reset drops all per-run bindings so a fixture can run again cleanly.
func (fx *Fixture) reset() {
	fx.state = stateIdle
	fx.args = nil
	fx.afterDispatch = nil
	fx.verdicts = nil
}
