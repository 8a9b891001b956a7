package harness

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oklunit/oklunit/channel"
	"github.com/oklunit/oklunit/utils"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the optional per-project overlay looked up by LoadConfig.
const ConfigFile = "oklunit.yaml"

// Config holds suite-wide settings. The zero value is usable: DefaultConfig
// fills in the channel capacity, 1x1x1 dispatch dimensions, and the default
// device backend chain.
type Config struct {
	// Capacity is the number of verdict slots in the result channel.
	// Device and host buffers are both sized from it.
	Capacity int

	// Dims are the default dispatch dimensions, exposed to kernels as
	// KT_DISPATCH_X/Y/Z. Individual fixtures may override them.
	Dims [3]int

	// DeviceModes is the backend preference list tried in order, as OCCA
	// mode names ("OpenMP", "CUDA", "Serial", "OpenCL").
	DeviceModes []string

	// KernelFile overrides the naming-convention lookup that pairs the
	// calling test file with a sibling .okl file.
	KernelFile string

	// DispatchTimeout bounds a single kernel dispatch. Zero means no
	// timeout: a hung kernel hangs the run.
	DispatchTimeout time.Duration

	// ReportPath, when set, makes Close write a JSON run report there.
	ReportPath string

	// Logger receives the suite's structured diagnostics. Defaults to a
	// text handler on stderr.
	Logger *slog.Logger
}

// DefaultConfig returns the standard settings: 1024-slot channel, single
// work group, OpenMP then CUDA then Serial.
func DefaultConfig() Config {
	return Config{
		Capacity:    channel.Capacity,
		Dims:        [3]int{1, 1, 1},
		DeviceModes: utils.DefaultModes(),
	}
}

type fileConfig struct {
	Capacity        int      `yaml:"capacity"`
	DeviceModes     []string `yaml:"device_modes"`
	DispatchTimeout string   `yaml:"dispatch_timeout"`
	ReportPath      string   `yaml:"report_path"`
}

// LoadConfig returns DefaultConfig overlaid with the YAML file at path.
// A missing file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if fc.Capacity > 0 {
		cfg.Capacity = fc.Capacity
	}
	if len(fc.DeviceModes) > 0 {
		cfg.DeviceModes = fc.DeviceModes
	}
	if fc.DispatchTimeout != "" {
		d, err := time.ParseDuration(fc.DispatchTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid dispatch_timeout in %s: %w", path, err)
		}
		cfg.DispatchTimeout = d
	}
	if fc.ReportPath != "" {
		cfg.ReportPath = fc.ReportPath
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = channel.Capacity
	}
	if c.Dims == ([3]int{}) {
		c.Dims = [3]int{1, 1, 1}
	}
	if len(c.DeviceModes) == 0 {
		c.DeviceModes = utils.DefaultModes()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
}
