// Package executor defines the port for the external build/sandbox executor
// that runs validation stage commands.
package executor

import "context"

// WorkContext carries everything a stage execution needs to know about the
// pull request under validation.
type WorkContext struct {
	ProjectID      string `json:"project_id"`
	PullRequestID  string `json:"pull_request_id"`
	PullRequestURL string `json:"pull_request_url"`
	DeploymentURL  string `json:"deployment_url,omitempty"`
}

// StageResult is the executor's report for one stage invocation.
type StageResult struct {
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	DeploymentURL string `json:"deployment_url,omitempty"` // set by deployment stages
}

// Executor runs a single named validation stage in the external sandbox.
// A context deadline expiring during execution is a stage failure like any
// other (eligible for remediation).
type Executor interface {
	RunStage(ctx context.Context, stageName string, work WorkContext) (*StageResult, error)
}
