package harness

import (
	"fmt"
	"time"
)

// DiscoveryError means a fixture could not be paired with a runnable kernel:
// the kernel source file is missing, the source failed to compile, or the
// entry point named after the test is absent from the module. Reported
// before any dispatch attempt.
type DiscoveryError struct {
	Kernel string
	File   string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Kernel == "" {
		return fmt.Sprintf("kernel source %s: discovery failed: %v", e.File, e.Err)
	}
	return fmt.Sprintf("kernel test %q (%s): discovery failed: %v", e.Kernel, e.File, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NoAssertionsError means the dispatch completed but the result channel came
// back entirely unset. A kernel test that asserts nothing is a bug (dead code
// path or broken setup), not a vacuous pass.
type NoAssertionsError struct {
	Kernel string
}

func (e *NoAssertionsError) Error() string {
	return fmt.Sprintf("kernel test %q: no assertions executed", e.Kernel)
}

// AssertionFailure is the first failing verdict of a dispatch, mapped back
// to the kernel source. Verdicts after the first failure are not reported.
type AssertionFailure struct {
	Kernel string
	File   string
	Line   int
	Source string
}

func (e *AssertionFailure) Error() string {
	return fmt.Sprintf("%s:%d: kernel assertion failed: %s", e.File, e.Line, e.Source)
}

// TimeoutError means the kernel did not complete within the configured
// dispatch timeout. The result channel is not read back in this case since
// the kernel may still be writing to it.
type TimeoutError struct {
	Kernel  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("kernel test %q: dispatch did not complete within %v", e.Kernel, e.Timeout)
}
