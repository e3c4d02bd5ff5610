package executor

import "github.com/skeinhq/skein/pkg/schema"

// Outcome classifies one node execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Result is the outcome of running one node inside a sandbox.
type Result struct {
	Outcome Outcome
	Outputs map[string]schema.WireValue
	Usage   schema.ResourceUsage
	Err     *schema.EngineError
}

// Success builds a successful result.
func Success(outputs map[string]schema.WireValue, usage schema.ResourceUsage) Result {
	return Result{Outcome: OutcomeSuccess, Outputs: outputs, Usage: usage}
}

// Failure builds a failed result carrying the classified error.
func Failure(err *schema.EngineError, usage schema.ResourceUsage) Result {
	return Result{Outcome: OutcomeFailure, Err: err, Usage: usage}
}

// Timeout builds a timed-out result.
func Timeout(err *schema.EngineError, usage schema.ResourceUsage) Result {
	return Result{Outcome: OutcomeTimeout, Err: err, Usage: usage}
}

// Retryable reports whether the engine may retry this result with a fresh
// sandbox.
func (r Result) Retryable() bool {
	return r.Err != nil && r.Err.IsRetryable()
}
