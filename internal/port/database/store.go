// Package database defines the durable store port (interface).
// The store is the single source of truth for the local view of agent runs
// and validation pipelines; every other component depends on it through
// this interface only.
package database

import (
	"context"

	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/domain/validation"
)

// Store is the port interface for persistent state.
//
// All run and pipeline writes are last-writer-wins keyed by the record's
// timestamp: UpsertRun reports false (and leaves the row untouched) when the
// stored record already carries a newer last_updated_at. This resolves the
// hazard of a slow poll response clobbering a faster webhook update.
type Store interface {
	// Agent runs (org-scoped, keyed by local ID, secondary index on external ID)
	GetRun(ctx context.Context, orgID, runID string) (*run.AgentRun, error)
	GetRunByExternalID(ctx context.Context, externalID string) (*run.AgentRun, error)
	ListRuns(ctx context.Context, orgID string, filter run.ListFilter) ([]run.AgentRun, error)
	ListNonTerminalRuns(ctx context.Context, orgID string) ([]run.AgentRun, error)
	UpsertRun(ctx context.Context, r *run.AgentRun) (applied bool, err error)
	DeleteRun(ctx context.Context, orgID, runID string) error

	// Validation pipelines (keyed by local ID, secondary index on PR ID)
	GetPipeline(ctx context.Context, id string) (*validation.Pipeline, error)
	GetPipelineByLinkedRun(ctx context.Context, agentRunID string) (*validation.Pipeline, error)
	ListPipelines(ctx context.Context, orgID string) ([]validation.Pipeline, error)
	UpsertPipeline(ctx context.Context, p *validation.Pipeline) error

	// Sync status singleton per organization
	GetSyncStatus(ctx context.Context, orgID string) (*run.SyncStatus, error)
	SetSyncStatus(ctx context.Context, s *run.SyncStatus) error
}
