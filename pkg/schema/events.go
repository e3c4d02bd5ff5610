package schema

// Event type constants for the run event log and the streaming hub.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"
	EventNodeCancelled = "node_cancelled"

	EventValidationFailed = "validation_failed"
	EventBlobSpilled      = "blob_spilled"

	EventSandboxProvisioned = "sandbox_provisioned"
	EventSandboxDestroyed   = "sandbox_destroyed"
)
