package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/validation"
)

const pipelineColumns = `id, org_id, project_id, pull_request_id, pull_request_url, status,
	current_step, progress, deployment_url, error_message, stages, linked_agent_run_id,
	merge_on_success, retry_count, created_at, updated_at`

func (s *Store) GetPipeline(ctx context.Context, id string) (*validation.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM validation_pipelines WHERE id = $1`, id)

	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get pipeline %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return p, nil
}

// GetPipelineByLinkedRun finds the pipeline whose outstanding remediation run
// is the given agent run. Used by webhook correlation to cascade terminal
// remediation outcomes.
func (s *Store) GetPipelineByLinkedRun(ctx context.Context, agentRunID string) (*validation.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM validation_pipelines WHERE linked_agent_run_id = $1`,
		agentRunID)

	p, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get pipeline by linked run %s: %w", agentRunID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get pipeline by linked run %s: %w", agentRunID, err)
	}
	return p, nil
}

func (s *Store) ListPipelines(ctx context.Context, orgID string) ([]validation.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM validation_pipelines
		 WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []validation.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

func (s *Store) UpsertPipeline(ctx context.Context, p *validation.Pipeline) error {
	stagesJSON, err := json.Marshal(p.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO validation_pipelines (id, org_id, project_id, pull_request_id,
		   pull_request_url, status, current_step, progress, deployment_url, error_message,
		   stages, linked_agent_run_id, merge_on_success, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status              = EXCLUDED.status,
		   current_step        = EXCLUDED.current_step,
		   progress            = EXCLUDED.progress,
		   deployment_url      = EXCLUDED.deployment_url,
		   error_message       = EXCLUDED.error_message,
		   stages              = EXCLUDED.stages,
		   linked_agent_run_id = EXCLUDED.linked_agent_run_id,
		   merge_on_success    = EXCLUDED.merge_on_success,
		   retry_count         = EXCLUDED.retry_count,
		   updated_at          = EXCLUDED.updated_at`,
		p.ID, p.OrgID, p.ProjectID, p.PullRequestID, p.PullRequestURL, p.Status,
		p.CurrentStep, p.Progress, p.DeploymentURL, p.ErrorMessage, stagesJSON,
		p.LinkedAgentRunID, p.MergeOnSuccess, p.RetryCount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pipeline %s: %w", p.ID, err)
	}
	return nil
}

func scanPipeline(row pgx.Row) (*validation.Pipeline, error) {
	var p validation.Pipeline
	var stagesJSON []byte
	err := row.Scan(&p.ID, &p.OrgID, &p.ProjectID, &p.PullRequestID, &p.PullRequestURL,
		&p.Status, &p.CurrentStep, &p.Progress, &p.DeploymentURL, &p.ErrorMessage,
		&stagesJSON, &p.LinkedAgentRunID, &p.MergeOnSuccess, &p.RetryCount,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &p.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &p, nil
}
