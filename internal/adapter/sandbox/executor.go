// Package sandbox implements the executor port by dispatching stage jobs to
// the external sandbox runner over the message queue and correlating result
// messages back to the waiting caller by job ID.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/port/executor"
	"github.com/droverhq/drover/internal/port/messagequeue"
)

// stageJob is the message published to the sandbox runner.
type stageJob struct {
	JobID string               `json:"job_id"`
	Stage string               `json:"stage"`
	Work  executor.WorkContext `json:"work"`
}

// stageOutcome is the message the sandbox runner publishes back.
type stageOutcome struct {
	JobID         string `json:"job_id"`
	Success       bool   `json:"success"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
	DeploymentURL string `json:"deployment_url,omitempty"`
}

// Executor runs validation stages via the external sandbox runner.
type Executor struct {
	queue   messagequeue.Queue
	waiters *resultWaiter[executor.StageResult]
}

// NewExecutor creates a sandbox executor on the given queue.
func NewExecutor(queue messagequeue.Queue) *Executor {
	return &Executor{
		queue:   queue,
		waiters: newResultWaiter[executor.StageResult]("stage"),
	}
}

// Start subscribes to stage results. The returned cancel function stops the
// subscription.
func (e *Executor) Start(ctx context.Context) (func(), error) {
	cancel, err := e.queue.Subscribe(ctx, messagequeue.SubjectStageResult+".>", e.handleResult)
	if err != nil {
		return nil, fmt.Errorf("subscribe stage results: %w", err)
	}
	return cancel, nil
}

// RunStage publishes a stage job and blocks until the runner reports the
// outcome or ctx expires. A deadline expiry is reported to the caller as an
// error; the orchestrator treats it as a stage failure.
func (e *Executor) RunStage(ctx context.Context, stageName string, work executor.WorkContext) (*executor.StageResult, error) {
	jobID := uuid.NewString()

	ch := e.waiters.register(jobID)
	defer e.waiters.unregister(jobID)

	data, err := json.Marshal(stageJob{JobID: jobID, Stage: stageName, Work: work})
	if err != nil {
		return nil, fmt.Errorf("marshal stage job: %w", err)
	}

	if err := e.queue.Publish(ctx, messagequeue.SubjectStageRun, data); err != nil {
		return nil, fmt.Errorf("publish stage job: %w", err)
	}

	slog.Debug("stage job dispatched", "job_id", jobID, "stage", stageName)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("stage %s: %w", stageName, ctx.Err())
	}
}

// handleResult routes one result message to its waiter.
func (e *Executor) handleResult(subject string, data []byte) error {
	var outcome stageOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return fmt.Errorf("unmarshal stage outcome: %w", err)
	}

	jobID := outcome.JobID
	if jobID == "" {
		// Older runners only carry the job ID in the subject suffix.
		if i := strings.LastIndex(subject, "."); i >= 0 {
			jobID = subject[i+1:]
		}
	}

	e.waiters.deliver(jobID, &executor.StageResult{
		Success:       outcome.Success,
		DurationMS:    outcome.DurationMS,
		Error:         outcome.Error,
		DeploymentURL: outcome.DeploymentURL,
	})
	return nil
}
