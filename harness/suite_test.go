package harness

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/goccy/go-json"
	"github.com/oklunit/oklunit/channel"
	"github.com/oklunit/oklunit/mesh"
	"github.com/stretchr/testify/require"
)

// newTestSuite builds a suite against the testdata kernels with quiet
// logging. Callers own Close.
func newTestSuite(t *testing.T, mutate func(*Config)) *Suite {
	t.Helper()

	cfg := DefaultConfig()
	cfg.KernelFile = "testdata/verdicts.okl"
	cfg.Logger = slog.New(slog.DiscardHandler)
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewSuite(cfg)
	if err != nil {
		t.Fatalf("Failed to create suite: %v", err)
	}
	return s
}

// ============================================================================
// Section 1: Verdict reporting
// ============================================================================

func TestSuite_AllPass(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	callbackRuns := 0
	fx := s.Register("allPass", func(fx *Fixture) error {
		fx.AfterDispatch(func(fx *Fixture) error {
			callbackRuns++
			return nil
		})
		return nil
	})

	if err := s.RunFixture("allPass"); err != nil {
		t.Fatalf("Expected all-pass run, got %v", err)
	}
	if callbackRuns != 1 {
		t.Errorf("Expected post-dispatch callback to run exactly once, ran %d times", callbackRuns)
	}
	if fx.State() != "Passed" {
		t.Errorf("Expected state Passed, got %s", fx.State())
	}

	verdicts := fx.Verdicts()
	if len(verdicts) != 3 {
		t.Fatalf("Expected 3 verdicts, got %d", len(verdicts))
	}
	expectedLines := []int32{8, 9, 10}
	for i, v := range verdicts {
		if v.Line != expectedLines[i] || !v.Passed {
			t.Errorf("verdict[%d] = %+v, expected line %d pass", i, v, expectedLines[i])
		}
	}
}

func TestSuite_FirstFailureCitesSourceLine(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	fx := s.Register("secondFails", nil)

	err := s.RunFixture("secondFails")
	var af *AssertionFailure
	if !errors.As(err, &af) {
		t.Fatalf("Expected AssertionFailure, got %v", err)
	}

	// Line 19 holds the first failing assertion; line 20 also fails but
	// must not be the one reported.
	if af.Line != 19 {
		t.Errorf("Expected failure at line 19, got %d", af.Line)
	}
	if af.Source != "KT_ASSERT(2 == 3);" {
		t.Errorf("Expected trimmed source text of the failing line, got %q", af.Source)
	}
	if af.File != "testdata/verdicts.okl" {
		t.Errorf("Expected kernel file in failure, got %q", af.File)
	}
	if fx.State() != "FailedOnAssertion" {
		t.Errorf("Expected state FailedOnAssertion, got %s", fx.State())
	}
}

func TestSuite_NoAssertionsIsDistinctFailure(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	fx := s.Register("noAssertions", nil)

	err := s.RunFixture("noAssertions")
	var na *NoAssertionsError
	if !errors.As(err, &na) {
		t.Fatalf("Expected NoAssertionsError, got %v", err)
	}
	if na.Kernel != "noAssertions" {
		t.Errorf("Expected kernel name in error, got %q", na.Kernel)
	}
	if fx.State() != "FailedNoAssertions" {
		t.Errorf("Expected state FailedNoAssertions, got %s", fx.State())
	}
}

// ============================================================================
// Section 2: Discovery
// ============================================================================

func TestSuite_MissingEntryPoint(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	s.Register("doesNotExist", nil)

	err := s.RunFixture("doesNotExist")
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DiscoveryError for absent entry point, got %v", err)
	}
	if de.Kernel != "doesNotExist" {
		t.Errorf("Expected kernel name in error, got %q", de.Kernel)
	}
}

func TestSuite_MissingKernelFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KernelFile = "testdata/does_not_exist.okl"
	cfg.Logger = slog.New(slog.DiscardHandler)

	_, err := NewSuite(cfg)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DiscoveryError for missing kernel file, got %v", err)
	}
}

// ============================================================================
// Section 3: Input bindings and post-dispatch checks
// ============================================================================

func TestSuite_InputBuffersAndPostDispatch(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	input := []float32{1, 2, 3, 4, 5}
	output := make([]float32, 8)
	checked := false

	s.Register("doubles", func(fx *Fixture) error {
		fx.AllocFloat32(input)
		outMem := fx.AllocFloat32(output)
		fx.Scalar(int32(len(input)))

		fx.AfterDispatch(func(fx *Fixture) error {
			checked = true
			outMem.CopyTo(unsafe.Pointer(&output[0]), int64(len(output)*4))
			for i, in := range input {
				if output[i] != 2*in {
					t.Errorf("output[%d] = %f, expected %f", i, output[i], 2*in)
				}
			}
			return nil
		})
		return nil
	})

	if err := s.RunFixture("doubles"); err != nil {
		t.Fatalf("Expected passing run, got %v", err)
	}
	if !checked {
		t.Error("Expected post-dispatch check to run")
	}

	// One assertion per valid input element
	fx := s.byName["doubles"]
	if len(fx.Verdicts()) != len(input) {
		t.Errorf("Expected %d verdicts, got %d", len(input), len(fx.Verdicts()))
	}
}

func TestSuite_MeshBoundAsInput(t *testing.T) {
	s := newTestSuite(t, nil)

	cube := mesh.UnitCube()
	s.Register("meshVertexCount", func(fx *Fixture) error {
		fx.AllocFloat32(cube.Vertices)
		fx.Scalar(int32(cube.NumVertices()))
		return nil
	})

	if err := s.RunFixture("meshVertexCount"); err != nil {
		t.Fatalf("Expected passing run, got %v", err)
	}
	if !mesh.Built() {
		t.Error("Expected mesh cache to be populated during the run")
	}

	// Teardown releases the lazily built mesh cache
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if mesh.Built() {
		t.Error("Expected mesh cache to be released at teardown")
	}
}

// ============================================================================
// Section 4: Capacity, overflow, clearing
// ============================================================================

func TestSuite_CapacityBoundary(t *testing.T) {
	s := newTestSuite(t, func(cfg *Config) {
		cfg.Capacity = 8
	})
	defer s.Close()

	fx := s.Register("fillsChannel", nil)
	s.Register("overflows", nil)

	t.Run("exactly_capacity", func(t *testing.T) {
		if err := s.RunFixture("fillsChannel"); err != nil {
			t.Fatalf("Expected a full channel to pass, got %v", err)
		}
		if len(fx.Verdicts()) != 8 {
			t.Errorf("Expected 8 verdicts, got %d", len(fx.Verdicts()))
		}
	})

	t.Run("one_past_capacity", func(t *testing.T) {
		err := s.RunFixture("overflows")
		var oe *channel.OverflowError
		if !errors.As(err, &oe) {
			t.Fatalf("Expected OverflowError, got %v", err)
		}
		if oe.Claimed != 9 {
			t.Errorf("Expected 9 claimed slots, got %d", oe.Claimed)
		}
		if state := s.byName["overflows"].State(); state != "FailedOverflow" {
			t.Errorf("Expected state FailedOverflow, got %s", state)
		}
	})
}

func TestSuite_DispatchTimeout(t *testing.T) {
	// No deferred Close: the spinning kernel may still be executing after
	// the deadline, so freeing its buffers would race it. The suite is
	// deliberately leaked.
	s := newTestSuite(t, func(cfg *Config) {
		cfg.DispatchTimeout = 50 * time.Millisecond
	})

	fx := s.Register("slowSpin", func(fx *Fixture) error {
		fx.Scalar(int32(2000000000))
		return nil
	})

	err := s.RunFixture("slowSpin")
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if te.Kernel != "slowSpin" {
		t.Errorf("Expected kernel name in error, got %q", te.Kernel)
	}
	if te.Timeout != 50*time.Millisecond {
		t.Errorf("Expected configured timeout in error, got %v", te.Timeout)
	}

	// Readback is skipped on timeout, so no verdicts exist
	if len(fx.Verdicts()) != 0 {
		t.Errorf("Expected no verdicts after timeout, got %d", len(fx.Verdicts()))
	}
	if fx.State() != "FailedTimeout" {
		t.Errorf("Expected state FailedTimeout, got %s", fx.State())
	}
}

func TestSuite_ClearingBetweenRuns(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	fx := s.Register("allPass", nil)
	s.Register("secondFails", nil)

	// A failing run must not leak verdicts into the next one
	if err := s.RunFixture("secondFails"); err == nil {
		t.Fatal("Expected secondFails to fail")
	}
	if err := s.RunFixture("allPass"); err != nil {
		t.Fatalf("Expected clean pass after a failing run, got %v", err)
	}
	if len(fx.Verdicts()) != 3 {
		t.Errorf("Expected exactly 3 verdicts after reuse, got %d", len(fx.Verdicts()))
	}

	// Back-to-back identical runs decode identically
	if err := s.RunFixture("allPass"); err != nil {
		t.Fatalf("Expected repeat run to pass, got %v", err)
	}
	if len(fx.Verdicts()) != 3 {
		t.Errorf("Expected exactly 3 verdicts on repeat run, got %d", len(fx.Verdicts()))
	}
}

func TestSuite_ManyThreadsOneAssertionEach(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	fx := s.Register("manyThreads", nil)

	if err := s.RunFixture("manyThreads"); err != nil {
		t.Fatalf("Expected passing run, got %v", err)
	}

	verdicts := fx.Verdicts()
	if len(verdicts) != 64 {
		t.Fatalf("Expected 64 verdicts from 64 threads, got %d", len(verdicts))
	}
	for i, v := range verdicts {
		if v.Line != 68 || !v.Passed {
			t.Errorf("verdict[%d] = %+v, expected line 68 pass", i, v)
		}
	}
}

// ============================================================================
// Section 5: Test-framework integration and reporting
// ============================================================================

func TestSuite_RunAsSubtests(t *testing.T) {
	s := newTestSuite(t, nil)
	defer s.Close()

	s.Register("allPass", nil)
	s.Register("manyThreads", nil)
	s.Run(t)
}

func TestSuite_ReportArtifact(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "report.json")
	s := newTestSuite(t, func(cfg *Config) {
		cfg.ReportPath = reportPath
	})

	s.Register("allPass", nil)
	s.Register("secondFails", nil)

	require.NoError(t, s.RunFixture("allPass"))
	require.Error(t, s.RunFixture("secondFails"))
	// Re-running a fixture replaces its entry rather than duplicating it
	require.NoError(t, s.RunFixture("allPass"))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	var report RunReport
	require.NoError(t, json.Unmarshal(data, &report))

	require.NotEmpty(t, report.RunID)
	require.NotEmpty(t, report.DeviceMode)
	require.Len(t, report.Fixtures, 2)

	require.Equal(t, "allPass", report.Fixtures[0].Name)
	require.Equal(t, "Passed", report.Fixtures[0].State)
	require.Equal(t, 3, report.Fixtures[0].Assertions)

	require.Equal(t, "secondFails", report.Fixtures[1].Name)
	require.Equal(t, "FailedOnAssertion", report.Fixtures[1].State)
	require.Equal(t, 19, report.Fixtures[1].FailLine)
}
