package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/domain/validation"
	"github.com/droverhq/drover/internal/port/broadcast"
	"github.com/droverhq/drover/internal/port/database"
	"github.com/droverhq/drover/internal/port/executor"
	"github.com/droverhq/drover/internal/port/notifier"
	"github.com/droverhq/drover/internal/port/sourcehost"
)

// ValidationService drives validation pipelines through their stage sequence.
// When a stage fails it dispatches a remediation agent run through the sync
// service (at most one outstanding per pipeline, capped by the configured
// retry budget) and pauses until the run's outcome arrives via webhook.
type ValidationService struct {
	store       database.Store
	exec        executor.Executor
	merger      sourcehost.Client
	runs        *SyncService
	notify      notifier.Notifier
	broadcaster broadcast.Broadcaster
	metrics     *otel.Metrics
	cfg         config.Validation
}

// NewValidation creates the validation service. merger, notify, broadcaster
// and metrics may be nil.
func NewValidation(store database.Store, exec executor.Executor, merger sourcehost.Client,
	runs *SyncService, notify notifier.Notifier, broadcaster broadcast.Broadcaster,
	cfg config.Validation, metrics *otel.Metrics) *ValidationService {
	return &ValidationService{
		store:       store,
		exec:        exec,
		merger:      merger,
		runs:        runs,
		notify:      notify,
		broadcaster: broadcaster,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// Start creates a pipeline for the pull request and begins executing stages
// in the background. At most one non-terminal pipeline may exist per PR.
// mergeOnSuccess is the owning project's merge-on-success setting; nil falls
// back to the deployment-wide default.
func (s *ValidationService) Start(ctx context.Context, orgID, projectID, prID, prURL string, mergeOnSuccess *bool) (*validation.Pipeline, error) {
	if orgID == "" || prID == "" {
		return nil, fmt.Errorf("%w: org_id and pull_request_id are required", domain.ErrInvalidRequest)
	}

	existing, err := s.store.ListPipelines(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	for i := range existing {
		if existing[i].PullRequestID == prID && !existing[i].Status.Terminal() {
			return nil, fmt.Errorf("%w: pipeline %s already validating pull request %s",
				domain.ErrConflict, existing[i].ID, prID)
		}
	}

	p := validation.New(orgID, projectID, prID, prURL)
	p.ID = uuid.NewString()
	p.Status = validation.StatusRunning
	p.MergeOnSuccess = s.cfg.AutoMerge
	if mergeOnSuccess != nil {
		p.MergeOnSuccess = *mergeOnSuccess
	}
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("persist pipeline: %w", err)
	}

	slog.Info("pipeline started", "pipeline_id", p.ID, "org_id", orgID, "pr_id", prID)
	s.broadcastPipeline(ctx, p)

	go s.advance(context.WithoutCancel(ctx), p.ID)
	return p, nil
}

// GetPipeline returns one pipeline by ID.
func (s *ValidationService) GetPipeline(ctx context.Context, id string) (*validation.Pipeline, error) {
	return s.store.GetPipeline(ctx, id)
}

// ListPipelines returns the organization's pipelines.
func (s *ValidationService) ListPipelines(ctx context.Context, orgID string) ([]validation.Pipeline, error) {
	return s.store.ListPipelines(ctx, orgID)
}

// Cancel marks a non-terminal pipeline cancelled. The currently executing
// stage, if any, runs to completion but its result no longer advances the
// pipeline.
func (s *ValidationService) Cancel(ctx context.Context, id string) (*validation.Pipeline, error) {
	p, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: pipeline %s is already %s", domain.ErrConflict, id, p.Status)
	}

	p.Status = validation.StatusCancelled
	p.LinkedAgentRunID = ""
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("persist cancelled pipeline: %w", err)
	}

	slog.Info("pipeline cancelled", "pipeline_id", id)
	s.broadcastPipeline(ctx, p)
	return p, nil
}

// advance executes stages until the pipeline completes, fails, pauses for a
// remediation run, or is cancelled out from under it.
func (s *ValidationService) advance(ctx context.Context, pipelineID string) {
	for {
		p, err := s.store.GetPipeline(ctx, pipelineID)
		if err != nil {
			slog.Error("load pipeline", "pipeline_id", pipelineID, "error", err)
			return
		}
		if p.Status.Terminal() || p.RemediationOutstanding() {
			return
		}

		idx, err := p.NextStage()
		if err != nil {
			s.complete(ctx, p)
			return
		}

		stage := &p.Stages[idx]
		stage.Status = validation.StageRunning
		stage.Error = ""
		p.Status = validation.StatusRunning
		p.CurrentStep = stage.Name
		p.UpdatedAt = time.Now().UTC()
		if err := s.store.UpsertPipeline(ctx, p); err != nil {
			slog.Error("persist pipeline", "pipeline_id", pipelineID, "error", err)
			return
		}
		s.broadcastPipeline(ctx, p)

		res := s.runStage(ctx, p, stage.Name)

		// Reload: a cancel may have landed while the stage ran.
		p, err = s.store.GetPipeline(ctx, pipelineID)
		if err != nil {
			slog.Error("load pipeline", "pipeline_id", pipelineID, "error", err)
			return
		}
		if p.Status.Terminal() {
			return
		}
		stage = p.Stage(res.name)
		if stage == nil {
			return
		}

		stage.DurationMS = res.result.DurationMS
		if res.result.Success {
			stage.Status = validation.StageSuccess
			if res.result.DeploymentURL != "" {
				p.DeploymentURL = res.result.DeploymentURL
			}
			p.RecomputeProgress()
			p.UpdatedAt = time.Now().UTC()
			if err := s.store.UpsertPipeline(ctx, p); err != nil {
				slog.Error("persist pipeline", "pipeline_id", pipelineID, "error", err)
				return
			}
			s.broadcastPipeline(ctx, p)
			continue
		}

		stage.Status = validation.StageFailure
		stage.Error = res.result.Error
		if !s.remediate(ctx, p, stage) {
			return
		}
	}
}

type stageRun struct {
	name   string
	result executor.StageResult
}

// runStage executes one stage under the configured timeout. Transport errors
// and deadline expiries are reported as stage failures.
func (s *ValidationService) runStage(ctx context.Context, p *validation.Pipeline, name string) stageRun {
	ctx, span := otel.StartSpan(ctx, "validation.stage",
		otel.String("pipeline_id", p.ID), otel.String("stage", name))
	defer span.End()

	stageCtx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
	defer cancel()

	started := time.Now()
	res, err := s.exec.RunStage(stageCtx, name, executor.WorkContext{
		ProjectID:      p.ProjectID,
		PullRequestID:  p.PullRequestID,
		PullRequestURL: p.PullRequestURL,
		DeploymentURL:  p.DeploymentURL,
	})
	elapsed := time.Since(started)

	if err != nil {
		res = &executor.StageResult{
			Success:    false,
			DurationMS: elapsed.Milliseconds(),
			Error:      err.Error(),
		}
	}

	s.metrics.StageExecuted(ctx, name, res.Success, elapsed.Seconds())
	slog.Info("stage finished", "pipeline_id", p.ID, "stage", name,
		"success", res.Success, "duration", elapsed)
	return stageRun{name: name, result: *res}
}

// remediate handles a failed stage: dispatch a remediation run when budget
// remains, otherwise fail the pipeline. Returns false in both cases so the
// advance loop stops; a completed remediation re-enters via
// ResumeAfterRemediation.
func (s *ValidationService) remediate(ctx context.Context, p *validation.Pipeline, stage *validation.StageResult) bool {
	if p.RetryCount >= s.cfg.MaxRetries {
		s.fail(ctx, p, fmt.Sprintf("stage %s failed after %d remediation attempts: %s",
			stage.Name, p.RetryCount, stage.Error))
		return false
	}

	prompt := remediationPrompt(p, stage)
	r, err := s.runs.CreateRun(ctx, run.CreateRequest{
		OrgID:        p.OrgID,
		Prompt:       prompt,
		ResponseType: run.ResponseTypePullRequest,
	})
	if err != nil {
		s.fail(ctx, p, fmt.Sprintf("stage %s failed and remediation dispatch failed: %v", stage.Name, err))
		return false
	}

	p.LinkedAgentRunID = r.ID
	p.RetryCount++
	p.CurrentStep = "remediation:" + stage.Name
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		slog.Error("persist pipeline", "pipeline_id", p.ID, "error", err)
		return false
	}

	s.metrics.RemediationDispatched(ctx)
	slog.Info("remediation dispatched", "pipeline_id", p.ID, "run_id", r.ID,
		"stage", stage.Name, "attempt", p.RetryCount, "max_retries", s.cfg.MaxRetries)
	s.broadcastPipeline(ctx, p)
	s.sendNotification(ctx, p.OrgID, "pipeline.remediation", "warning",
		"Remediation dispatched",
		fmt.Sprintf("Stage %s of %s failed, remediation run %s dispatched (attempt %d/%d)",
			stage.Name, p.PullRequestURL, r.ID, p.RetryCount, s.cfg.MaxRetries))
	return false
}

// remediationPrompt builds the instruction handed to the remediation run.
func remediationPrompt(p *validation.Pipeline, stage *validation.StageResult) string {
	prompt := fmt.Sprintf(
		"The validation stage %q failed for pull request %s.\n\nFailure output:\n%s\n\n"+
			"Fix the underlying problem and push the fix to the same pull request.",
		stage.Name, p.PullRequestURL, stage.Error)
	if p.DeploymentURL != "" {
		prompt += fmt.Sprintf("\n\nPreview deployment: %s", p.DeploymentURL)
	}
	return prompt
}

// ResumeAfterRemediation is called when a linked remediation run completed.
// The failed stage is reset and the pipeline re-enters the stage loop at that
// stage; earlier successes are preserved.
func (s *ValidationService) ResumeAfterRemediation(ctx context.Context, agentRunID string) error {
	p, err := s.store.GetPipelineByLinkedRun(ctx, agentRunID)
	if err != nil {
		return err
	}

	p.LinkedAgentRunID = ""
	for i := range p.Stages {
		if p.Stages[i].Status == validation.StageFailure {
			p.Stages[i].Status = validation.StagePending
			p.Stages[i].Error = ""
		}
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		return fmt.Errorf("persist pipeline: %w", err)
	}

	slog.Info("remediation completed, pipeline resuming", "pipeline_id", p.ID, "run_id", agentRunID)
	s.broadcastPipeline(ctx, p)

	go s.advance(context.WithoutCancel(ctx), p.ID)
	return nil
}

// FailAfterRemediation is called when a linked remediation run ended in any
// terminal status other than completed. The pipeline fails; its retry budget
// is not re-spent on a remediation that never delivered a fix.
func (s *ValidationService) FailAfterRemediation(ctx context.Context, agentRunID, reason string) error {
	p, err := s.store.GetPipelineByLinkedRun(ctx, agentRunID)
	if err != nil {
		return err
	}

	p.LinkedAgentRunID = ""
	s.fail(ctx, p, fmt.Sprintf("remediation run %s did not complete: %s", agentRunID, reason))
	return nil
}

// OnLinkedRunTerminal wakes the pipeline whose outstanding remediation run is
// the given agent run: the pipeline resumes at its failed stage when the run
// completed and fails otherwise. Runs without a linked pipeline are the
// common case and a no-op, which makes repeated invocations for the same
// terminal observation harmless.
func (s *ValidationService) OnLinkedRunTerminal(ctx context.Context, agentRunID string, status run.Status) {
	if _, err := s.store.GetPipelineByLinkedRun(ctx, agentRunID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("lookup linked pipeline", "run_id", agentRunID, "error", err)
		}
		return
	}

	var err error
	if status == run.StatusCompleted {
		err = s.ResumeAfterRemediation(ctx, agentRunID)
	} else {
		err = s.FailAfterRemediation(ctx, agentRunID, string(status))
	}
	if err != nil {
		slog.Error("wake linked pipeline", "run_id", agentRunID, "status", status, "error", err)
	}
}

// complete finalizes a pipeline whose stages all succeeded and performs the
// merge when the pipeline carries merge-on-success. A failed merge is
// reported but never fails the pipeline; validation itself succeeded.
func (s *ValidationService) complete(ctx context.Context, p *validation.Pipeline) {
	p.Status = validation.StatusCompleted
	p.CurrentStep = ""
	p.Progress = 100
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		slog.Error("persist completed pipeline", "pipeline_id", p.ID, "error", err)
		return
	}

	slog.Info("pipeline completed", "pipeline_id", p.ID, "pr_id", p.PullRequestID)
	s.broadcastPipeline(ctx, p)
	s.sendNotification(ctx, p.OrgID, "pipeline.completed", "success",
		"Validation passed", fmt.Sprintf("All stages passed for %s", p.PullRequestURL))

	if !p.MergeOnSuccess || s.merger == nil {
		return
	}
	res, err := s.merger.Merge(ctx, p.PullRequestURL)
	if err != nil {
		slog.Error("auto-merge failed", "pipeline_id", p.ID, "pr_url", p.PullRequestURL, "error", err)
		s.sendNotification(ctx, p.OrgID, "merge.failed", "error",
			"Auto-merge failed", fmt.Sprintf("Validation passed but merging %s failed: %v", p.PullRequestURL, err))
		return
	}
	if !res.Merged {
		slog.Warn("auto-merge declined", "pipeline_id", p.ID, "pr_url", p.PullRequestURL)
		s.sendNotification(ctx, p.OrgID, "merge.failed", "warning",
			"Auto-merge declined", fmt.Sprintf("Validation passed but %s was not merged", p.PullRequestURL))
		return
	}
	slog.Info("pull request merged", "pipeline_id", p.ID, "sha", res.SHA)
	s.sendNotification(ctx, p.OrgID, "merge.completed", "success",
		"Pull request merged", fmt.Sprintf("%s merged as %s", p.PullRequestURL, res.SHA))
}

// fail moves the pipeline to failed and notifies.
func (s *ValidationService) fail(ctx context.Context, p *validation.Pipeline, reason string) {
	p.Status = validation.StatusFailed
	p.CurrentStep = ""
	p.ErrorMessage = reason
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertPipeline(ctx, p); err != nil {
		slog.Error("persist failed pipeline", "pipeline_id", p.ID, "error", err)
		return
	}

	slog.Warn("pipeline failed", "pipeline_id", p.ID, "reason", reason)
	s.broadcastPipeline(ctx, p)
	s.sendNotification(ctx, p.OrgID, "pipeline.failed", "error",
		"Validation failed", fmt.Sprintf("%s: %s", p.PullRequestURL, reason))
}

func (s *ValidationService) broadcastPipeline(ctx context.Context, p *validation.Pipeline) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastEvent(ctx, p.OrgID, broadcast.EventPipelineChanged, broadcast.PipelineChangedEvent{
		PipelineID:  p.ID,
		Status:      string(p.Status),
		CurrentStep: p.CurrentStep,
	})
}

func (s *ValidationService) sendNotification(ctx context.Context, orgID, source, level, title, message string) {
	if s.notify == nil {
		return
	}
	err := s.notify.Notify(ctx, notifier.Event{
		OrgID:   orgID,
		Source:  source,
		Title:   title,
		Message: message,
		Level:   level,
	})
	if err != nil {
		slog.Warn("notification failed", "source", source, "error", err)
	}
}
