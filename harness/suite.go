// Package harness runs kernel-side assertions as ordinary Go test results.
//
// A Suite pairs the calling test file with a sibling .okl kernel file,
// compiles one kernel per registered test (entry point named after the
// test), and per fixture: clears the shared result channel, runs the test's
// setup, dispatches, reads the channel back, decodes it into verdicts, and
// reports the first failure with kernel-source line context.
package harness

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/notargets/gocca"
	"github.com/oklunit/oklunit/channel"
	"github.com/oklunit/oklunit/mesh"
	"github.com/oklunit/oklunit/utils"
)

// Suite orchestrates every kernel test discovered from one test file. It
// exclusively owns the device, the result channel and cursor buffers
// (reused across fixtures, cleared before each dispatch), and a release
// list of auxiliary buffers bound by fixture setups.
type Suite struct {
	cfg   Config
	runID string
	log   *slog.Logger

	device  *gocca.OCCADevice
	results *gocca.OCCAMemory
	cursor  *gocca.OCCAMemory
	hostBuf []int32
	release []*gocca.OCCAMemory

	kernelFile string
	source     []string

	fixtures []*Fixture
	byName   map[string]*Fixture

	report    RunReport
	reportIdx map[string]int
}

// NewSuite creates the orchestrator for the calling test file. Unless
// cfg.KernelFile overrides it, the kernel source is resolved by naming
// convention: the caller's file with its extension replaced by .okl. A
// missing kernel file is a discovery failure for the whole suite.
func NewSuite(cfg Config) (*Suite, error) {
	cfg.applyDefaults()

	kernelFile := cfg.KernelFile
	if kernelFile == "" {
		_, callerFile, _, ok := runtime.Caller(1)
		if !ok {
			return nil, fmt.Errorf("failed to resolve calling test file")
		}
		kernelFile = strings.TrimSuffix(callerFile, filepath.Ext(callerFile)) + ".okl"
	}

	src, err := os.ReadFile(kernelFile)
	if err != nil {
		return nil, &DiscoveryError{File: kernelFile, Err: err}
	}

	device, err := utils.CreateDevice(cfg.DeviceModes...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	s := &Suite{
		cfg:        cfg,
		runID:      uuid.NewString(),
		log:        cfg.Logger,
		device:     device,
		hostBuf:    channel.NewHostBuffer(cfg.Capacity),
		kernelFile: kernelFile,
		source:     strings.Split(string(src), "\n"),
		byName:     make(map[string]*Fixture),
		reportIdx:  make(map[string]int),
	}
	s.results = device.Malloc(int64(cfg.Capacity*channel.SlotInts*4), nil, nil)
	s.cursor = device.Malloc(4, nil, nil)
	s.report = RunReport{
		RunID:      s.runID,
		DeviceMode: device.Mode(),
		KernelFile: kernelFile,
	}

	s.log.Info("suite ready",
		"run_id", s.runID,
		"device", device.Mode(),
		"kernel_file", kernelFile,
		"capacity", cfg.Capacity)

	return s, nil
}

// Register adds a kernel test. name must match the kernel entry point in
// the suite's .okl file; setup may be nil for kernels needing no bindings
// beyond the result channel.
func (s *Suite) Register(name string, setup SetupFunc) *Fixture {
	fx := &Fixture{
		Name:       name,
		KernelFile: s.kernelFile,
		Dims:       s.cfg.Dims,
		suite:      s,
		source:     s.source,
		setup:      setup,
	}
	s.fixtures = append(s.fixtures, fx)
	s.byName[name] = fx
	return fx
}

// Run executes every registered fixture as a subtest.
func (s *Suite) Run(t *testing.T) {
	for _, fx := range s.fixtures {
		t.Run(fx.Name, func(t *testing.T) {
			if err := s.RunFixture(fx.Name); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// RunFixture drives one fixture through its full lifecycle and returns the
// verdict: nil on an all-pass run, otherwise the discovery, assertion,
// no-assertions, overflow, or timeout error. Each call is one deterministic
// dispatch with fresh bindings; no retries.
func (s *Suite) RunFixture(name string) (err error) {
	fx, exists := s.byName[name]
	if !exists {
		return fmt.Errorf("fixture %q not registered", name)
	}
	fx.reset()

	defer func() {
		s.record(fx)
		if err != nil {
			s.log.Warn("fixture failed", "run_id", s.runID, "kernel", fx.Name,
				"state", fx.State(), "error", err)
		}
	}()

	// Compilation is deferred to first run so Dims set after Register take
	// effect; a build failure is still reported before any dispatch.
	if err := s.ensureCompiled(fx); err != nil {
		return err
	}

	// Clear channel, zero the slot cursor
	channel.Clear(s.hostBuf)
	s.results.CopyFrom(unsafe.Pointer(&s.hostBuf[0]), int64(len(s.hostBuf)*4))
	var zero int32
	s.cursor.CopyFrom(unsafe.Pointer(&zero), 4)
	fx.state = stateCleared

	if fx.setup != nil {
		if err := fx.setup(fx); err != nil {
			return fmt.Errorf("kernel test %q: setup failed: %w", fx.Name, err)
		}
	}
	fx.state = stateSetupComplete

	args := append([]interface{}{s.results, s.cursor}, fx.args...)
	if err := s.dispatch(fx, args); err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			fx.state = stateFailedTimeout
		}
		return err
	}
	fx.state = stateDispatched

	// Read back channel and cursor; dispatch has completed, so no further
	// synchronization is needed.
	s.results.CopyTo(unsafe.Pointer(&s.hostBuf[0]), int64(len(s.hostBuf)*4))
	var claimed int32
	s.cursor.CopyTo(unsafe.Pointer(&claimed), 4)

	if err := channel.CheckOverflow(claimed, s.cfg.Capacity); err != nil {
		fx.state = stateFailedOverflow
		return fmt.Errorf("kernel test %q: %w", fx.Name, err)
	}

	fx.verdicts = channel.Decode(s.hostBuf)
	fx.state = stateDecoded
	s.log.Debug("channel decoded", "run_id", s.runID, "kernel", fx.Name,
		"assertions", len(fx.verdicts))

	if len(fx.verdicts) == 0 {
		fx.state = stateFailedNoAssertions
		return &NoAssertionsError{Kernel: fx.Name}
	}

	for _, v := range fx.verdicts {
		if !v.Passed {
			fx.state = stateFailedOnAssertion
			return &AssertionFailure{
				Kernel: fx.Name,
				File:   fx.KernelFile,
				Line:   int(v.Line),
				Source: fx.SourceLine(int(v.Line)),
			}
		}
	}

	if fx.afterDispatch != nil {
		if err := fx.afterDispatch(fx); err != nil {
			return fmt.Errorf("kernel test %q: post-dispatch check failed: %w", fx.Name, err)
		}
	}

	fx.state = statePassed
	return nil
}

// ensureCompiled builds the fixture's kernel on first use. The entry point
// must carry the fixture's name; a compile failure or absent entry point is
// a DiscoveryError.
func (s *Suite) ensureCompiled(fx *Fixture) error {
	if fx.buildErr != nil {
		return fx.buildErr
	}
	if fx.kernel != nil {
		return nil
	}

	full := GeneratePreamble(s.cfg.Capacity, fx.Dims) + strings.Join(fx.source, "\n")

	var kernel *gocca.OCCAKernel
	var err error
	if s.device.Mode() == "OpenMP" {
		// OCCA bug: OpenMP does not get the default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = s.device.BuildKernelFromString(full, fx.Name, props)
	} else {
		kernel, err = s.device.BuildKernelFromString(full, fx.Name, nil)
	}
	if err != nil {
		fx.buildErr = &DiscoveryError{Kernel: fx.Name, File: fx.KernelFile, Err: err}
		return fx.buildErr
	}
	if kernel == nil {
		fx.buildErr = &DiscoveryError{Kernel: fx.Name, File: fx.KernelFile,
			Err: fmt.Errorf("kernel build returned nil")}
		return fx.buildErr
	}

	fx.kernel = kernel
	return nil
}

// dispatch runs the kernel and waits for completion, bounded by the
// configured timeout when one is set. On timeout the channel is left
// unread; the kernel may still be writing.
func (s *Suite) dispatch(fx *Fixture, args []interface{}) error {
	run := func() error {
		if err := fx.kernel.RunWithArgs(args...); err != nil {
			return fmt.Errorf("kernel test %q: dispatch failed: %w", fx.Name, err)
		}
		s.device.Finish()
		return nil
	}

	if s.cfg.DispatchTimeout <= 0 {
		return run()
	}

	done := make(chan error, 1)
	go func() { done <- run() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.DispatchTimeout):
		return &TimeoutError{Kernel: fx.Name, Timeout: s.cfg.DispatchTimeout}
	}
}

// record keeps one report entry per fixture, overwriting on re-run so the
// artifact reflects the last run of each.
func (s *Suite) record(fx *Fixture) {
	fr := FixtureReport{
		Name:       fx.Name,
		State:      fx.State(),
		Assertions: len(fx.verdicts),
	}
	for _, v := range fx.verdicts {
		if !v.Passed {
			fr.FailLine = int(v.Line)
			break
		}
	}
	if idx, exists := s.reportIdx[fx.Name]; exists {
		s.report.Fixtures[idx] = fr
		return
	}
	s.reportIdx[fx.Name] = len(s.report.Fixtures)
	s.report.Fixtures = append(s.report.Fixtures, fr)
}

// Close tears the suite down: writes the run report if configured, releases
// every tracked auxiliary buffer, every fixture kernel, the channel and
// cursor buffers, the lazily built mesh cache, and the device.
func (s *Suite) Close() error {
	var reportErr error
	if s.cfg.ReportPath != "" {
		reportErr = s.writeReport(s.cfg.ReportPath)
	}

	for _, mem := range s.release {
		mem.Free()
	}
	s.release = nil

	for _, fx := range s.fixtures {
		if fx.kernel != nil {
			fx.kernel.Free()
			fx.kernel = nil
		}
	}

	s.results.Free()
	s.cursor.Free()
	mesh.Release()
	s.device.Free()

	s.log.Info("suite closed", "run_id", s.runID)
	return reportErr
}

// Device exposes the underlying device for setups that need direct access.
func (s *Suite) Device() *gocca.OCCADevice {
	return s.device
}
