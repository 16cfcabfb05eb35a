// Package service contains the application services: state synchronization,
// background polling, webhook correlation and validation orchestration.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/agentgateway"
	"github.com/droverhq/drover/internal/port/broadcast"
	"github.com/droverhq/drover/internal/port/database"
)

// remoteStatus maps a status string reported by the remote agent API onto the
// local status set. Unknown values are rejected rather than stored.
func remoteStatus(s string) (run.Status, bool) {
	switch st := run.Status(s); st {
	case run.StatusPending, run.StatusActive, run.StatusWaitingInput,
		run.StatusPaused, run.StatusCompleted, run.StatusFailed,
		run.StatusCancelled, run.StatusTimedOut, run.StatusMaxIters,
		run.StatusOutOfTokens:
		return st, true
	}
	return "", false
}

// updateFromSnapshot converts a remote snapshot into a domain update.
func updateFromSnapshot(snap *agentgateway.Snapshot) (run.Update, bool) {
	status, ok := remoteStatus(snap.Status)
	if !ok {
		return run.Update{}, false
	}
	u := run.Update{
		Status:      status,
		Progress:    &snap.Progress,
		CurrentStep: &snap.CurrentStep,
		Result:      snap.Result,
		Timestamp:   snap.UpdatedAt,
	}
	if snap.Error != "" {
		u.Error = &snap.Error
	}
	return u, true
}

// SyncService owns the local view of agent runs: it creates, resumes and
// cancels runs against the remote gateway and reconciles local state with
// remote state on demand. Concurrent full syncs for the same organization are
// coalesced into a single remote call.
type SyncService struct {
	store       database.Store
	gateway     agentgateway.Gateway
	broadcaster broadcast.Broadcaster
	metrics     *otel.Metrics

	syncGroup singleflight.Group
}

// NewSync creates the sync service. metrics may be nil.
func NewSync(store database.Store, gateway agentgateway.Gateway, broadcaster broadcast.Broadcaster, metrics *otel.Metrics) *SyncService {
	return &SyncService{
		store:       store,
		gateway:     gateway,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// CreateRun records a new run locally, then submits it to the remote gateway.
// The local record exists (status pending) before the remote call, so a crash
// between the two leaves a visible stuck-pending run rather than an orphaned
// remote job. A gateway rejection marks the run failed and is returned to the
// caller; the error wraps agentgateway.ErrRejected when the remote refused
// the request outright.
func (s *SyncService) CreateRun(ctx context.Context, req run.CreateRequest) (*run.AgentRun, error) {
	if req.OrgID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: org_id and prompt are required", domain.ErrInvalidRequest)
	}
	if req.ResponseType == "" {
		req.ResponseType = run.ResponseTypePlain
	}

	now := time.Now().UTC()
	r := &run.AgentRun{
		ID:            uuid.NewString(),
		OrgID:         req.OrgID,
		Prompt:        req.Prompt,
		ResponseType:  req.ResponseType,
		Status:        run.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if _, err := s.store.UpsertRun(ctx, r); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	res, err := s.gateway.Create(ctx, req.Prompt, map[string]string{
		"org_id":        req.OrgID,
		"run_id":        r.ID,
		"response_type": string(req.ResponseType),
	})
	if err != nil {
		msg := err.Error()
		r.Apply(run.Update{
			Status:    run.StatusFailed,
			Error:     &msg,
			Timestamp: time.Now().UTC(),
		})
		if _, perr := s.store.UpsertRun(ctx, r); perr != nil {
			slog.Error("mark run failed after create error", "run_id", r.ID, "error", perr)
		}
		s.broadcastRun(ctx, r)
		return nil, fmt.Errorf("create remote run: %w", err)
	}

	status := run.StatusActive
	if st, ok := remoteStatus(res.Status); ok {
		status = st
	}
	r.ExternalID = res.ExternalID
	r.Apply(run.Update{Status: status, Timestamp: time.Now().UTC()})
	if _, err := s.store.UpsertRun(ctx, r); err != nil {
		return nil, fmt.Errorf("persist accepted run: %w", err)
	}

	slog.Info("run created", "run_id", r.ID, "external_id", r.ExternalID, "org_id", r.OrgID)
	s.broadcastRun(ctx, r)
	return r, nil
}

// GetRun returns one run by local ID.
func (s *SyncService) GetRun(ctx context.Context, orgID, runID string) (*run.AgentRun, error) {
	return s.store.GetRun(ctx, orgID, runID)
}

// ListRuns returns the organization's runs under the given filter.
func (s *SyncService) ListRuns(ctx context.Context, orgID string, filter run.ListFilter) ([]run.AgentRun, error) {
	return s.store.ListRuns(ctx, orgID, filter)
}

// ResumeRun forwards an instruction to a run that is waiting for input.
func (s *SyncService) ResumeRun(ctx context.Context, orgID, runID, instruction string) (*run.AgentRun, error) {
	r, err := s.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrRunNotResumable, runID, r.Status)
	}
	if r.ExternalID == "" {
		return nil, fmt.Errorf("%w: run %s has no remote counterpart", domain.ErrRunNotResumable, runID)
	}

	newStatus, err := s.gateway.Resume(ctx, r.ExternalID, instruction)
	if err != nil {
		return nil, fmt.Errorf("resume remote run: %w", err)
	}

	status := run.StatusActive
	if st, ok := remoteStatus(newStatus); ok {
		status = st
	}
	if r.Apply(run.Update{Status: status, Timestamp: time.Now().UTC()}) {
		if _, err := s.store.UpsertRun(ctx, r); err != nil {
			return nil, fmt.Errorf("persist resumed run: %w", err)
		}
		s.broadcastRun(ctx, r)
	}
	return r, nil
}

// CancelRun marks the run cancelled locally and requests remote cancellation
// best-effort. The local cancel sticks even when the remote call fails; a
// later poll or webhook can no longer resurrect the run.
func (s *SyncService) CancelRun(ctx context.Context, orgID, runID string) (*run.AgentRun, error) {
	r, err := s.store.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	if r.Status == run.StatusCancelled {
		return r, nil
	}
	if r.Terminal() {
		return nil, fmt.Errorf("%w: run %s is already %s", domain.ErrRunNotCancellable, runID, r.Status)
	}

	if r.Apply(run.Update{Status: run.StatusCancelled, Timestamp: time.Now().UTC()}) {
		if _, err := s.store.UpsertRun(ctx, r); err != nil {
			return nil, fmt.Errorf("persist cancelled run: %w", err)
		}
		s.broadcastRun(ctx, r)
	}

	if r.ExternalID != "" {
		if err := s.gateway.Cancel(ctx, r.ExternalID); err != nil {
			slog.Warn("remote cancel failed, local cancel kept", "run_id", r.ID, "error", err)
		}
	}

	slog.Info("run cancelled", "run_id", r.ID, "org_id", orgID)
	return r, nil
}

// FullSync reconciles every run of the organization with the remote system.
// Concurrent callers for the same org share a single in-flight sync and all
// receive its result.
func (s *SyncService) FullSync(ctx context.Context, orgID string) (*run.SyncStatus, error) {
	v, err, _ := s.syncGroup.Do(orgID, func() (any, error) {
		return s.fullSync(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*run.SyncStatus), nil
}

func (s *SyncService) fullSync(ctx context.Context, orgID string) (*run.SyncStatus, error) {
	ctx, span := otel.StartSpan(ctx, "sync.full", otel.String("org_id", orgID))
	defer span.End()

	started := time.Now()

	status := &run.SyncStatus{OrgID: orgID, State: run.SyncSyncing}
	if err := s.store.SetSyncStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("set sync status: %w", err)
	}
	s.broadcastSyncStatus(ctx, status)

	snaps, err := s.gateway.List(ctx, orgID)
	if err != nil {
		status.State = run.SyncError
		status.LastError = err.Error()
		if serr := s.store.SetSyncStatus(ctx, status); serr != nil {
			slog.Error("record sync error", "org_id", orgID, "error", serr)
		}
		s.broadcastSyncStatus(ctx, status)
		return nil, fmt.Errorf("list remote runs: %w", err)
	}

	applied := 0
	for i := range snaps {
		if err := s.applySnapshot(ctx, orgID, &snaps[i], &applied); err != nil {
			slog.Warn("apply remote snapshot", "org_id", orgID, "external_id", snaps[i].ExternalID, "error", err)
		}
	}

	status.State = run.SyncSuccess
	status.LastSyncedAt = time.Now().UTC()
	status.LastError = ""
	if err := s.store.SetSyncStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("set sync status: %w", err)
	}
	s.broadcastSyncStatus(ctx, status)
	s.metrics.SyncCompleted(ctx, orgID, time.Since(started).Seconds())

	slog.Info("full sync done", "org_id", orgID, "remote_runs", len(snaps), "applied", applied,
		"duration", time.Since(started))
	return status, nil
}

// applySnapshot merges one remote snapshot into the local store, creating a
// local record for runs first seen remotely.
func (s *SyncService) applySnapshot(ctx context.Context, orgID string, snap *agentgateway.Snapshot, applied *int) error {
	u, ok := updateFromSnapshot(snap)
	if !ok {
		slog.Warn("unknown remote status, skipped", "external_id", snap.ExternalID, "status", snap.Status)
		return nil
	}

	r, err := s.store.GetRunByExternalID(ctx, snap.ExternalID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := time.Now().UTC()
		r = &run.AgentRun{
			ID:            uuid.NewString(),
			ExternalID:    snap.ExternalID,
			OrgID:         orgID,
			Status:        run.StatusPending,
			CreatedAt:     now,
			LastUpdatedAt: time.Time{}, // any remote timestamp wins
		}
	case err != nil:
		return fmt.Errorf("lookup run: %w", err)
	}

	prev := r.Status
	if !r.Apply(u) {
		return nil
	}
	stored, err := s.store.UpsertRun(ctx, r)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if !stored {
		return nil
	}

	*applied++
	s.metrics.RunSynced(ctx, "full_sync")
	if r.Status != prev {
		s.broadcastRun(ctx, r)
	}
	return nil
}

// SyncStatus returns the organization's current sync state.
func (s *SyncService) SyncStatus(ctx context.Context, orgID string) (*run.SyncStatus, error) {
	return s.store.GetSyncStatus(ctx, orgID)
}

func (s *SyncService) broadcastRun(ctx context.Context, r *run.AgentRun) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastEvent(ctx, r.OrgID, broadcast.EventRunChanged, broadcast.RunChangedEvent{
		RunID:      r.ID,
		ExternalID: r.ExternalID,
		Status:     string(r.Status),
	})
}

func (s *SyncService) broadcastSyncStatus(ctx context.Context, st *run.SyncStatus) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastEvent(ctx, st.OrgID, broadcast.EventSyncStatus, broadcast.SyncStatusEvent{
		State:     string(st.State),
		LastError: st.LastError,
	})
}
