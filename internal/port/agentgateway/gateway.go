// Package agentgateway defines the port for the remote agent-execution API:
// the external service that actually runs code-generation jobs.
package agentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRejected marks a remote-rejected request (4xx-equivalent). Rejections
// are surfaced to the caller immediately and recorded as a terminal failed
// run, unlike transient transport failures which are retried by polling.
var ErrRejected = errors.New("agent gateway rejected request")

// Snapshot is the remote system's view of one run at a point in time.
type Snapshot struct {
	ExternalID  string          `json:"external_id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"current_step,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateResult is the remote acknowledgement of a newly accepted run.
type CreateResult struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

// Gateway is the narrow client abstraction over the remote agent API.
// Every call carries a bounded timeout via ctx.
type Gateway interface {
	Create(ctx context.Context, prompt string, runContext map[string]string) (*CreateResult, error)
	Resume(ctx context.Context, externalID, instruction string) (string, error)
	Fetch(ctx context.Context, externalID string) (*Snapshot, error)
	List(ctx context.Context, orgID string) ([]Snapshot, error)
	Cancel(ctx context.Context, externalID string) error
}
