// Package run defines the AgentRun domain entity: the local view of one
// asynchronous execution of the remote code-generation service.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the current state of an agent run as reported by the
// remote system (or forced locally, e.g. on cancel).
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimedOut     Status = "timed_out"
	StatusMaxIters     Status = "max_iterations_reached"
	StatusOutOfTokens  Status = "out_of_tokens"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled,
		StatusTimedOut, StatusMaxIters, StatusOutOfTokens:
		return true
	}
	return false
}

// ResponseType defines the shape of output the remote agent is asked for.
type ResponseType string

const (
	ResponseTypePlain       ResponseType = "plain"
	ResponseTypePlan        ResponseType = "plan"
	ResponseTypePullRequest ResponseType = "pull-request"
)

// AgentRun is the local record of a remote agent execution. The local ID is
// stable and assigned at creation; ExternalID is assigned by the remote
// system once the run is accepted and never changes afterwards.
type AgentRun struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id,omitempty"`
	OrgID         string          `json:"org_id"`
	Prompt        string          `json:"prompt"`
	ResponseType  ResponseType    `json:"response_type"`
	Status        Status          `json:"status"`
	Progress      int             `json:"progress"` // 0-100
	CurrentStep   string          `json:"current_step,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// Terminal reports whether the run has reached a terminal status.
func (r *AgentRun) Terminal() bool {
	return r.Status.Terminal()
}

// CreateRequest holds the fields needed to create a new agent run.
type CreateRequest struct {
	OrgID        string       `json:"org_id"`
	Prompt       string       `json:"prompt"`
	ResponseType ResponseType `json:"response_type,omitempty"`
}

// Update is one observed remote state change for a run, delivered by a poll
// response or a webhook payload. Optional fields are nil when the source did
// not include them. Timestamp orders competing writers: the update loses to
// any state already bearing a later timestamp, regardless of arrival order.
type Update struct {
	Status      Status          `json:"status"`
	Progress    *int            `json:"progress,omitempty"`
	CurrentStep *string         `json:"current_step,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Apply merges u into r under the last-writer-wins rule and reports whether
// anything changed. It refuses updates older than the stored record and
// refuses any status change away from a terminal status, cancelled included:
// a run only moves non-terminal to non-terminal or non-terminal to terminal.
// Applying the same terminal update twice is a no-op after the first.
func (r *AgentRun) Apply(u Update) bool {
	if u.Timestamp.Before(r.LastUpdatedAt) {
		return false
	}
	if r.Terminal() && u.Status != "" && u.Status != r.Status {
		return false
	}

	changed := false
	if u.Status != "" && u.Status != r.Status {
		r.Status = u.Status
		changed = true
	}
	if u.Progress != nil && *u.Progress != r.Progress {
		r.Progress = *u.Progress
		changed = true
	}
	if u.CurrentStep != nil && *u.CurrentStep != r.CurrentStep {
		r.CurrentStep = *u.CurrentStep
		changed = true
	}
	if u.Error != nil && *u.Error != r.ErrorMessage {
		r.ErrorMessage = *u.Error
		changed = true
	}
	if len(u.Result) > 0 && string(u.Result) != string(r.Result) {
		r.Result = u.Result
		changed = true
	}
	if changed {
		r.LastUpdatedAt = u.Timestamp
	}
	return changed
}

// ListFilter narrows and orders a run listing.
type ListFilter struct {
	Status  Status // empty = all
	SortBy  string // "created_at" (default) or "last_updated_at"
	SortAsc bool
	Limit   int // 0 = no limit
	Offset  int
}
