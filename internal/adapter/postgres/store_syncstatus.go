package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/droverhq/drover/internal/domain/run"
)

// GetSyncStatus returns the per-organization sync singleton. A missing row
// is reported as idle rather than an error: an organization that has never
// synced simply has nothing recorded yet.
func (s *Store) GetSyncStatus(ctx context.Context, orgID string) (*run.SyncStatus, error) {
	var st run.SyncStatus
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, state, last_synced_at, last_error FROM sync_status WHERE org_id = $1`,
		orgID,
	).Scan(&st.OrgID, &st.State, &st.LastSyncedAt, &st.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &run.SyncStatus{OrgID: orgID, State: run.SyncIdle}, nil
		}
		return nil, fmt.Errorf("get sync status %s: %w", orgID, err)
	}
	return &st, nil
}

func (s *Store) SetSyncStatus(ctx context.Context, st *run.SyncStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_status (org_id, state, last_synced_at, last_error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   last_synced_at = EXCLUDED.last_synced_at,
		   last_error = EXCLUDED.last_error`,
		st.OrgID, st.State, st.LastSyncedAt, st.LastError)
	if err != nil {
		return fmt.Errorf("set sync status %s: %w", st.OrgID, err)
	}
	return nil
}
