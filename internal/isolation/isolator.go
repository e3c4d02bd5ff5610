package isolation

import (
	"context"
	"os/exec"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// ResourceLimits specifies constraints applied to an isolated node process.
// Zero fields mean "no limit" except AllowNetwork, which defaults to no
// network.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	CPUPercent     int           `json:"cpu_percent,omitempty"` // CPU share, 1-100
	Timeout        time.Duration `json:"timeout,omitempty"`     // hard wall-clock limit
	AllowNetwork   bool          `json:"allow_network"`
}

// Caps describes what a platform's isolator can actually enforce.
type Caps struct {
	CanLimitMemory  bool `json:"can_limit_memory"`
	CanLimitCPU     bool `json:"can_limit_cpu"`
	CanLimitNetwork bool `json:"can_limit_network"`
	CanIsolatePID   bool `json:"can_isolate_pid"`
	CanSampleUsage  bool `json:"can_sample_usage"`
}

// Handle is returned by Wrap and observes one isolated execution. Usage must
// be called before Cleanup; after Cleanup the accounting state is gone.
type Handle struct {
	// Cmd is the command to start; the caller must use it, not the original.
	Cmd *exec.Cmd
	// Usage samples resources consumed so far (zero value when the platform
	// cannot sample).
	Usage func() schema.ResourceUsage
	// Cleanup reclaims isolation state. Must always be called after the
	// process completes, and is safe to call more than once.
	Cleanup func()
}

// Isolator wraps a command with platform-specific process isolation.
// Implementations are detected at startup: Linux uses cgroups v2, everything
// else falls back to os/exec plus timeout.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*Handle, error)
	Capabilities() Caps
}
