package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, org_id, COALESCE(external_id, ''), prompt, response_type, status,
	progress, current_step, result, error_message, retry_count, created_at, last_updated_at`

// --- Agent runs ---

func (s *Store) GetRun(ctx context.Context, orgID, runID string) (*run.AgentRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1 AND org_id = $2`, runID, orgID)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

func (s *Store) GetRunByExternalID(ctx context.Context, externalID string) (*run.AgentRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE external_id = $1`, externalID)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run by external id %s: %w", externalID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run by external id %s: %w", externalID, err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, orgID string, filter run.ListFilter) ([]run.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE org_id = $1`
	args := []any{orgID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	sortCol := "created_at"
	if filter.SortBy == "last_updated_at" {
		sortCol = "last_updated_at"
	}
	dir := "DESC"
	if filter.SortAsc {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortCol, dir)

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

func (s *Store) ListNonTerminalRuns(ctx context.Context, orgID string) ([]run.AgentRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE org_id = $1 AND status IN ('pending', 'active', 'waiting_input', 'paused')
		 ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// UpsertRun writes r under the last-writer-wins rule: the update only lands
// when the stored row's last_updated_at is not newer than the incoming one.
// Reports whether the write was applied.
func (s *Store) UpsertRun(ctx context.Context, r *run.AgentRun) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, org_id, external_id, prompt, response_type, status,
		   progress, current_step, result, error_message, retry_count, created_at, last_updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   external_id     = COALESCE(agent_runs.external_id, EXCLUDED.external_id),
		   status          = EXCLUDED.status,
		   progress        = EXCLUDED.progress,
		   current_step    = EXCLUDED.current_step,
		   result          = EXCLUDED.result,
		   error_message   = EXCLUDED.error_message,
		   retry_count     = EXCLUDED.retry_count,
		   last_updated_at = EXCLUDED.last_updated_at
		 WHERE agent_runs.last_updated_at <= EXCLUDED.last_updated_at`,
		r.ID, r.OrgID, r.ExternalID, r.Prompt, r.ResponseType, r.Status,
		r.Progress, r.CurrentStep, nullableJSON(r.Result), r.ErrorMessage,
		r.RetryCount, r.CreatedAt, r.LastUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert run %s: %w", r.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteRun(ctx context.Context, orgID, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_runs WHERE id = $1 AND org_id = $2`, runID, orgID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// --- scan helpers ---

func scanRun(row pgx.Row) (*run.AgentRun, error) {
	var r run.AgentRun
	var result []byte
	err := row.Scan(&r.ID, &r.OrgID, &r.ExternalID, &r.Prompt, &r.ResponseType, &r.Status,
		&r.Progress, &r.CurrentStep, &result, &r.ErrorMessage, &r.RetryCount,
		&r.CreatedAt, &r.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Result = result
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]run.AgentRun, error) {
	var runs []run.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return sql.NullString{}
	}
	return data
}
