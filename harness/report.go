package harness

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// FixtureReport summarizes one fixture's run for the JSON artifact.
type FixtureReport struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Assertions int    `json:"assertions"`
	FailLine   int    `json:"fail_line,omitempty"`
}

// RunReport is the machine-readable summary written at Close when
// Config.ReportPath is set.
type RunReport struct {
	RunID      string          `json:"run_id"`
	DeviceMode string          `json:"device_mode"`
	KernelFile string          `json:"kernel_file"`
	Fixtures   []FixtureReport `json:"fixtures"`
}

func (s *Suite) writeReport(path string) error {
	data, err := json.MarshalIndent(&s.report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	return nil
}
