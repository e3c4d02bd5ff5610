package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// DefaultInstallTimeout bounds the whole provisioning step: runtime setup
// plus dependency installation.
const DefaultInstallTimeout = 2 * time.Minute

// InstallResult reports the outcome of installing one requested package.
// Partial failure is always reported per package.
type InstallResult struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Installed bool   `json:"installed"`
	Output    string `json:"output,omitempty"`
}

// Provisioner builds sandbox workspaces: a per-sandbox directory holding an
// isolated runtime environment with the requested dependency set installed.
type Provisioner struct {
	baseDir        string
	policy         *InstallPolicy
	installTimeout time.Duration
	logger         *slog.Logger
}

// NewProvisioner creates a Provisioner rooted at baseDir. policy may be nil,
// meaning all packages are allowed.
func NewProvisioner(baseDir string, policy *InstallPolicy, installTimeout time.Duration, logger *slog.Logger) *Provisioner {
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		baseDir:        baseDir,
		policy:         policy,
		installTimeout: installTimeout,
		logger:         logger,
	}
}

// Provision creates the workspace for one sandbox: runtime environment plus
// dependency set. On dependency failure the returned results list which
// packages installed and which did not.
func (p *Provisioner) Provision(ctx context.Context, id string, spec schema.RuntimeSpec, deps []schema.PackageDep) (dir, runtimeBin string, results []InstallResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.installTimeout)
	defer cancel()

	dir = filepath.Join(p.baseDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "work"), 0o755); err != nil {
		return "", "", nil, schema.NewErrorf(schema.ErrCodeSandboxFault,
			"create sandbox workspace: %s", err.Error()).WithCause(err)
	}

	cleanupOnError := func() { _ = os.RemoveAll(dir) }

	runtimeBin, err = p.setupRuntime(ctx, dir, spec)
	if err != nil {
		cleanupOnError()
		return "", "", nil, err
	}

	results, err = p.installDeps(ctx, dir, spec, deps)
	if err != nil {
		cleanupOnError()
		return "", "", results, err
	}

	return dir, runtimeBin, results, nil
}

// setupRuntime prepares the runtime environment inside the workspace. Python
// gets a dedicated venv; other runtimes resolve to a host binary.
func (p *Provisioner) setupRuntime(ctx context.Context, dir string, spec schema.RuntimeSpec) (string, error) {
	if spec.Kind != "python" {
		bin, err := exec.LookPath(spec.Kind)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeSandboxFault,
				"runtime %q not available on host", spec.String()).WithCause(err)
		}
		return bin, nil
	}

	base, err := exec.LookPath("python3")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSandboxFault,
			"python3 not available on host").WithCause(err)
	}

	venv := filepath.Join(dir, "venv")
	cmd := exec.CommandContext(ctx, base, "-m", "venv", venv)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if timedOut(ctx, err) {
			return "", schema.NewErrorf(schema.ErrCodeProvisionTimeout,
				"runtime setup for %s exceeded install timeout", spec.String()).WithCause(err)
		}
		return "", schema.NewErrorf(schema.ErrCodeSandboxFault,
			"create venv for %s: %s", spec.String(), firstLines(out.String(), 5)).WithCause(err)
	}
	return filepath.Join(venv, "bin", "python"), nil
}

// installDeps installs each requested package separately so partial failure
// can be reported per package. Policy denials count as failed installs.
func (p *Provisioner) installDeps(ctx context.Context, dir string, spec schema.RuntimeSpec, deps []schema.PackageDep) ([]InstallResult, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	if spec.Kind != "python" {
		return nil, schema.NewErrorf(schema.ErrCodeDependencyInstall,
			"runtime %q does not support dependency installation", spec.String())
	}

	pip := filepath.Join(dir, "venv", "bin", "pip")
	results := make([]InstallResult, 0, len(deps))
	failed := 0

	for _, dep := range deps {
		res := InstallResult{Name: dep.Name, Version: dep.Version}

		if p.policy != nil {
			if err := p.policy.Check(spec, dep); err != nil {
				res.Output = err.Error()
				results = append(results, res)
				failed++
				continue
			}
		}

		target := dep.Name
		if dep.Version != "" {
			target = dep.Name + "==" + dep.Version
		}

		cmd := exec.CommandContext(ctx, pip, "install", "--no-input", "--disable-pip-version-check", target)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if err != nil && timedOut(ctx, err) {
			res.Output = "install timeout"
			results = append(results, res)
			return results, schema.NewErrorf(schema.ErrCodeProvisionTimeout,
				"dependency installation exceeded install timeout at package %q", dep.Name).
				WithCause(err).
				WithDetails(map[string]any{"packages": results})
		}
		if err != nil {
			res.Output = firstLines(out.String(), 10)
			results = append(results, res)
			failed++
			p.logger.Warn("sandbox: package install failed",
				slog.String("package", dep.Name),
				slog.String("runtime", spec.String()),
			)
			continue
		}

		res.Installed = true
		results = append(results, res)
	}

	if failed > 0 {
		return results, schema.NewErrorf(schema.ErrCodeDependencyInstall,
			"%d of %d packages failed to install", failed, len(deps)).
			WithDetails(map[string]any{"packages": results})
	}
	return results, nil
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// firstLines truncates command output for error messages.
func firstLines(s string, n int) string {
	count := 0
	for i, r := range s {
		if r == '\n' {
			count++
			if count >= n {
				return s[:i] + "\n..."
			}
		}
	}
	return s
}
