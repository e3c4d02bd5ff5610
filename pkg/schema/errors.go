package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateType     = "DUPLICATE_TYPE"
	ErrCodeTypeMismatch      = "TYPE_MISMATCH"
	ErrCodeCodec             = "CODEC_ERROR"
	ErrCodeUserCode          = "USER_CODE_ERROR"
	ErrCodeTypeViolation     = "TYPE_VIOLATION"
	ErrCodeResourceExceeded  = "RESOURCE_EXCEEDED"
	ErrCodeSandboxFault      = "SANDBOX_FAULT"
	ErrCodeProvisionTimeout  = "PROVISION_TIMEOUT"
	ErrCodeDependencyInstall = "DEPENDENCY_INSTALL"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodePortConflict      = "PORT_CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// EngineError is the structured error type for all skein operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Stack   string         `json:"stack,omitempty"` // captured trace text from user code
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the engine may retry the failed node with a
// freshly provisioned sandbox. User-code and type-violation failures are
// never auto-retried.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeResourceExceeded, ErrCodeSandboxFault, ErrCodeProvisionTimeout, ErrCodeDependencyInstall, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node instance ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithStack attaches captured stack/trace text.
func (e *EngineError) WithStack(stack string) *EngineError {
	e.Stack = stack
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
