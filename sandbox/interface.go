package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// ErrUnavailable marks a failure to reach the runtime itself rather than a
// failure of one operation on one environment.
var ErrUnavailable = errors.New("runtime unavailable")

// ErrNotRunning is returned by Exec when the target environment exists but is not running.
var ErrNotRunning = errors.New("environment is not running")

// Status is the normalized state of an environment
type Status string

// Status values
const (
	StatusAbsent   Status = "absent"
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ShortIDLength matches the abbreviated container id printed by docker ps
const ShortIDLength = 12

// Handle identifies one environment as last reported by the runtime
type Handle struct {
	ID     string
	Name   string
	Image  string
	State  string // raw runtime state, e.g. "exited"
	Labels map[string]string
}

// Status maps the raw runtime state onto the normalized status set. A
// paused container counts as stopped; the gateways unpause it on Start.
func (h Handle) Status() Status {
	switch strings.ToLower(h.State) {
	case "running":
		return StatusRunning
	case "created", "exited", "paused", "stopped", "configured", "initialized":
		return StatusStopped
	case "restarting", "starting", "creating":
		return StatusCreating
	default:
		return StatusError
	}
}

// ShortID returns the abbreviated id
func (h Handle) ShortID() string {
	if len(h.ID) > ShortIDLength {
		return h.ID[:ShortIDLength]
	}
	return h.ID
}

// Limits is the fixed resource policy applied to every environment
type Limits struct {
	MemoryBytes int64
	CPUPeriod   int64
	CPUQuota    int64
}

// ParseLimits builds Limits from a human memory size such as "256m"
func ParseLimits(memory string, cpuPeriod, cpuQuota int64) (Limits, error) {
	memBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return Limits{}, fmt.Errorf("invalid memory limit %q: %w", memory, err)
	}
	if memBytes <= 0 {
		return Limits{}, fmt.Errorf("memory limit must be positive, got: %q", memory)
	}
	return Limits{MemoryBytes: memBytes, CPUPeriod: cpuPeriod, CPUQuota: cpuQuota}, nil
}

// CreateSpec describes a new environment. Environments are always created
// detached with a tty and open stdin, running the configured shell.
type CreateSpec struct {
	Name   string
	Image  string
	Limits Limits
	Labels map[string]string
}

// ExecSpec is a single command to run inside an existing environment
type ExecSpec struct {
	Command        string
	Workdir        string
	MaxOutputBytes int64 // 0 selects DefaultMaxOutputBytes
}

// ExecOutput is the outcome of a command that actually ran. A non-zero
// ExitCode is a normal outcome. Output holds stdout and stderr interleaved
// as written, cut at the spec's MaxOutputBytes when Truncated is set.
type ExecOutput struct {
	ExitCode  int
	Output    string
	Truncated bool
}

// Gateway is the narrow interface to the external isolation runtime.
//
// Get is tri-state: (handle, true, nil) when found, (Handle{}, false, nil)
// when absent, and a non-nil error for anything else. Stop and Remove treat
// an absent environment as success. Every method blocks on I/O and must
// honour ctx cancellation.
type Gateway interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, name string) (Handle, bool, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle, grace time.Duration) error
	Remove(ctx context.Context, h Handle, force bool) error
	Exec(ctx context.Context, h Handle, spec ExecSpec) (ExecOutput, error)
	List(ctx context.Context, labelKey string) ([]Handle, error)
	Close() error
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
