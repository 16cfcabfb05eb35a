package broadcast

// Event types carried on the change-notification stream.
const (
	EventRunChanged      = "run.changed"
	EventPipelineChanged = "pipeline.changed"
	EventSyncStatus      = "sync.status"
)

// RunChangedEvent is broadcast when an agent run's observed state changes.
type RunChangedEvent struct {
	RunID      string `json:"run_id"`
	ExternalID string `json:"external_id,omitempty"`
	Status     string `json:"status"`
}

// PipelineChangedEvent is broadcast when a validation pipeline mutates.
type PipelineChangedEvent struct {
	PipelineID  string `json:"pipeline_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
}

// SyncStatusEvent is broadcast when an organization's sync state changes.
type SyncStatusEvent struct {
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}
