package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/skeinhq/skein/internal/codec"
	"github.com/skeinhq/skein/internal/isolation"
	"github.com/skeinhq/skein/internal/sandbox"
	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

const (
	defaultNodeTimeout   = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// Config configures an Executor.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// Executor runs one node's entry function inside a leased sandbox: inputs
// are decoded per port, the harness subprocess invokes the entry, and the
// produced values are checked against declared output types and re-encoded.
type Executor struct {
	registry *typesys.Registry
	codec    *codec.Codec
	isolator isolation.Isolator
	cfg      Config
	logger   *slog.Logger
}

// New creates an Executor.
func New(registry *typesys.Registry, c *codec.Codec, iso isolation.Isolator, cfg Config, logger *slog.Logger) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultNodeTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, codec: c, isolator: iso, cfg: cfg, logger: logger}
}

// Run executes def's entry function in sb against the given wire inputs.
// The returned Result is always classified; Run never returns a Go error
// because every failure mode maps onto the result taxonomy.
func (e *Executor) Run(ctx context.Context, def *schema.NodeDefinition, nodeID string, inputs map[string]schema.WireValue, sb *sandbox.Sandbox, limits isolation.ResourceLimits) Result {
	decoded, derr := e.decodeInputs(ctx, def, nodeID, inputs)
	if derr != nil {
		return Failure(derr, schema.ResourceUsage{})
	}

	harnessPath, err := materializeHarness(sb.WorkDir())
	if err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"write harness: %s", err.Error()).WithCause(err).WithNode(nodeID), schema.ResourceUsage{})
	}
	scriptPath, err := materializeScript(sb.WorkDir(), def.Script)
	if err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"write node script: %s", err.Error()).WithCause(err).WithNode(nodeID), schema.ResourceUsage{})
	}

	req, err := json.Marshal(harnessRequest{Script: scriptPath, Entry: def.Entry, Inputs: decoded})
	if err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeCodec,
			"marshal harness request: %s", err.Error()).WithCause(err).WithNode(nodeID), schema.ResourceUsage{})
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	// Own the deadline so timeout kills are distinguishable from other
	// context cancellation; the isolator enforces the remaining limits.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	isoLimits := limits
	isoLimits.Timeout = 0

	cmd := exec.Command(sb.RuntimeBin, harnessPath)
	cmd.Dir = sb.WorkDir()
	cmd.Stdin = bytes.NewReader(req)

	handle, err := e.isolator.Wrap(execCtx, cmd, isoLimits)
	if err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"isolation wrap failed: %s", err.Error()).WithCause(err).WithNode(nodeID), schema.ResourceUsage{})
	}
	defer handle.Cleanup()

	var stdout, stderr bytes.Buffer
	handle.Cmd.Stdout = &limitedWriter{w: &stdout, limit: e.cfg.MaxOutputSize}
	handle.Cmd.Stderr = &limitedWriter{w: &stderr, limit: e.cfg.MaxOutputSize}

	runErr := handle.Cmd.Run()
	usage := handle.Usage()

	if runErr != nil {
		return e.classifyRunError(execCtx, ctx, runErr, nodeID, limits, stderr.String(), usage)
	}

	var resp harnessResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"unparsable harness response").WithCause(err).WithNode(nodeID).
			WithDetails(map[string]any{"stdout": truncate(stdout.String(), 1024)}), usage)
	}

	if !resp.OK {
		msg := "node raised an exception"
		stack := ""
		if resp.Error != nil {
			msg = resp.Error.Message
			stack = resp.Error.Traceback
		}
		return Failure(schema.NewError(schema.ErrCodeUserCode, msg).
			WithNode(nodeID).WithStack(stack), usage)
	}

	outputs, oerr := e.encodeOutputs(ctx, def, nodeID, resp.Outputs)
	if oerr != nil {
		return Failure(oerr, usage)
	}
	return Success(outputs, usage)
}

// decodeInputs decodes each wire input against its declared port type.
func (e *Executor) decodeInputs(ctx context.Context, def *schema.NodeDefinition, nodeID string, inputs map[string]schema.WireValue) (map[string]any, *schema.EngineError) {
	decoded := make(map[string]any, len(inputs))
	for name, wire := range inputs {
		port := def.InputPort(name)
		if port == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node has no input port %q", name).WithNode(nodeID)
		}
		v, err := e.codec.Decode(ctx, wire, port.Type)
		if err != nil {
			// A bad wire value is the producer's fault. The port name lets
			// the engine re-attribute the error to the upstream node.
			var engineErr *schema.EngineError
			if errors.As(err, &engineErr) {
				return nil, engineErr.WithNode(nodeID).
					WithDetails(map[string]any{"input_port": name})
			}
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"decode input %q: %s", name, err.Error()).WithCause(err).WithNode(nodeID).
				WithDetails(map[string]any{"input_port": name})
		}
		decoded[name] = v
	}
	return decoded, nil
}

// encodeOutputs checks each produced value against its declared output type
// and encodes it onto the wire. A shape mismatch is a type violation, never
// retried.
func (e *Executor) encodeOutputs(ctx context.Context, def *schema.NodeDefinition, nodeID string, produced map[string]any) (map[string]schema.WireValue, *schema.EngineError) {
	// A bare return maps onto the node's single output port.
	if v, ok := produced[bareValueKey]; ok && len(def.Outputs) == 1 {
		produced = map[string]any{def.Outputs[0].Name: v}
	}

	outputs := make(map[string]schema.WireValue, len(def.Outputs))
	for _, port := range def.Outputs {
		v, ok := produced[port.Name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTypeViolation,
				"node produced no value for declared output port %q", port.Name).WithNode(nodeID)
		}

		declared, err := e.registry.Get(port.Type)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"output port %q declares unknown type %q", port.Name, port.Type).WithNode(nodeID)
		}
		if !producedMatches(declared, v) {
			return nil, schema.NewErrorf(schema.ErrCodeTypeViolation,
				"output port %q declares %q but produced value has inferred type %q",
				port.Name, port.Type, inferTypeID(v)).WithNode(nodeID)
		}

		wire, err := e.codec.Encode(ctx, v, port.Type)
		if err != nil {
			var engineErr *schema.EngineError
			if errors.As(err, &engineErr) {
				return nil, engineErr.WithNode(nodeID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"encode output %q: %s", port.Name, err.Error()).WithCause(err).WithNode(nodeID)
		}
		outputs[port.Name] = wire
	}
	return outputs, nil
}

// classifyRunError maps a subprocess failure onto the error taxonomy.
func (e *Executor) classifyRunError(execCtx, parentCtx context.Context, runErr error, nodeID string, limits isolation.ResourceLimits, stderr string, usage schema.ResourceUsage) Result {
	if errors.Is(parentCtx.Err(), context.Canceled) {
		return Failure(schema.NewError(schema.ErrCodeCancelled,
			"node execution cancelled").WithNode(nodeID), usage)
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return Timeout(schema.NewErrorf(schema.ErrCodeTimeout,
			"node exceeded wall-clock limit").WithNode(nodeID), usage)
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if killedByOOM(exitErr, limits) {
			return Failure(schema.NewErrorf(schema.ErrCodeResourceExceeded,
				"node killed after breaching the %d byte memory ceiling", limits.MaxMemoryBytes).
				WithNode(nodeID), usage)
		}
		// The harness catches user exceptions; a raw non-zero exit means the
		// interpreter itself died.
		return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"harness exited with code %d", exitErr.ExitCode()).
			WithNode(nodeID).
			WithDetails(map[string]any{"stderr": truncate(stderr, 1024)}), usage)
	}

	return Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
		"failed to run node process: %s", runErr.Error()).WithCause(runErr).WithNode(nodeID), usage)
}

// killedByOOM reports whether the process died from SIGKILL while a memory
// ceiling was in force, the signature of a cgroup OOM kill.
func killedByOOM(exitErr *exec.ExitError, limits isolation.ResourceLimits) bool {
	if limits.MaxMemoryBytes <= 0 {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() && status.Signal() == syscall.SIGKILL
}

// producedMatches checks a produced value against the declared type's
// expected shape.
func producedMatches(declared schema.DataType, v any) bool {
	if declared.ID == schema.TypeAny || declared.Category == schema.CategoryUniversal || declared.Category == schema.CategoryOpaque {
		return true
	}
	inferred := inferTypeID(v)
	if inferred == declared.ID {
		return true
	}
	switch declared.Category {
	case schema.CategoryScalar:
		switch declared.ID {
		case "string", "text":
			return inferred == "string"
		case "float":
			return inferred == "float" || inferred == "integer"
		case "integer":
			return inferred == "integer"
		case "boolean":
			return inferred == "boolean"
		}
		// Custom scalars carry their own serialization; accept scalars.
		return inferred == "string" || inferred == "integer" || inferred == "float" || inferred == "boolean"
	case schema.CategoryCollection:
		return inferred == "array" || inferred == "object"
	}
	return false
}

// inferTypeID names the wire-level type of a decoded JSON value.
func inferTypeID(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if t == float64(int64(t)) {
			return "integer"
		}
		return "float"
	case int, int64:
		return "integer"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// limitedWriter discards bytes beyond the limit while reporting full writes,
// so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       *bytes.Buffer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, _ := lw.w.Write(p)
	lw.written += int64(n)
	return total, nil
}
