package isolation

import (
	"context"
	"os/exec"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator provides minimal isolation using os/exec plus a timeout.
// Used on platforms where kernel-level isolation is unavailable. Only the
// timeout can be enforced; usage sampling reports wall time only.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap clones the command onto a context-aware exec.Cmd with timeout
// enforcement. The caller must start the Handle's Cmd, not the original,
// and must call Cleanup after the process completes.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// Clone cmd onto exec.CommandContext to guarantee context cancellation
	// works. exec.Cmd.Cancel is only honored for cmds created via
	// exec.CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args // CommandContext resolves Args[0] differently.
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	// Kill process on context cancellation and allow 5s for pipe drain.
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second

	started := time.Now()
	return &Handle{
		Cmd: wrapped,
		Usage: func() schema.ResourceUsage {
			return schema.ResourceUsage{WallMillis: time.Since(started).Milliseconds()}
		},
		Cleanup: func() {
			if cancel != nil {
				cancel()
			}
		},
	}, nil
}

// Capabilities returns all-false caps (FallbackIsolator only enforces timeout).
func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
