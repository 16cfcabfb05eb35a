// Package validation defines the ValidationPipeline domain entity: the
// ordered sequence of build/test/deploy checks run against a pull request.
package validation

import (
	"errors"
	"time"
)

// Stage names, in execution order. A stage only starts once its predecessor
// has reached success.
const (
	StageEnvironmentSetup   = "environment_setup"
	StageDependencyInstall  = "dependency_install"
	StageBuild              = "build"
	StageTest               = "test"
	StageDeploymentValidate = "deployment_validate"
)

// StageOrder is the fixed stage sequence of every pipeline.
var StageOrder = []string{
	StageEnvironmentSetup,
	StageDependencyInstall,
	StageBuild,
	StageTest,
	StageDeploymentValidate,
}

// Status represents the overall pipeline state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus represents the state of a single stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
)

// StageResult records the outcome of one stage execution.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// ErrNoPendingStage is returned when every stage has already succeeded.
var ErrNoPendingStage = errors.New("no pending stage")

// Pipeline tracks one validation of a pull request through the fixed stage
// sequence. LinkedAgentRunID is set while a remediation run dispatched for
// this pipeline is outstanding; it acts as the at-most-one-remediation lock.
type Pipeline struct {
	ID               string        `json:"id"`
	OrgID            string        `json:"org_id"`
	ProjectID        string        `json:"project_id"`
	PullRequestID    string        `json:"pull_request_id"`
	PullRequestURL   string        `json:"pull_request_url"`
	Status           Status        `json:"status"`
	CurrentStep      string        `json:"current_step,omitempty"`
	Progress         int           `json:"progress"` // 0-100
	DeploymentURL    string        `json:"deployment_url,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Stages           []StageResult `json:"stages"`
	LinkedAgentRunID string        `json:"linked_agent_run_id,omitempty"`
	MergeOnSuccess   bool          `json:"merge_on_success"`
	RetryCount       int           `json:"retry_count"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// New creates a pending pipeline with all stages initialized in order.
func New(orgID, projectID, prID, prURL string) *Pipeline {
	stages := make([]StageResult, len(StageOrder))
	for i, name := range StageOrder {
		stages[i] = StageResult{Name: name, Status: StagePending}
	}
	now := time.Now().UTC()
	return &Pipeline{
		OrgID:          orgID,
		ProjectID:      projectID,
		PullRequestID:  prID,
		PullRequestURL: prURL,
		Status:         StatusPending,
		Stages:         stages,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NextStage returns the index of the first stage that has not yet succeeded.
// After a remediation the failed stage is re-run from this same index; the
// results of earlier stages remain valid and untouched.
func (p *Pipeline) NextStage() (int, error) {
	for i := range p.Stages {
		if p.Stages[i].Status != StageSuccess {
			return i, nil
		}
	}
	return 0, ErrNoPendingStage
}

// Stage returns the stage result with the given name, or nil.
func (p *Pipeline) Stage(name string) *StageResult {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// RecomputeProgress sets Progress from the share of succeeded stages.
func (p *Pipeline) RecomputeProgress() {
	if len(p.Stages) == 0 {
		p.Progress = 0
		return
	}
	done := 0
	for i := range p.Stages {
		if p.Stages[i].Status == StageSuccess {
			done++
		}
	}
	p.Progress = done * 100 / len(p.Stages)
}

// RemediationOutstanding reports whether a remediation run is linked and
// its outcome still pending.
func (p *Pipeline) RemediationOutstanding() bool {
	return p.LinkedAgentRunID != ""
}
