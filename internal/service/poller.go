package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/agentgateway"
	"github.com/droverhq/drover/internal/port/broadcast"
	"github.com/droverhq/drover/internal/port/database"
)

// PollerService periodically refreshes the non-terminal runs of every watched
// organization from the remote gateway. It is the safety net for missed
// webhooks: a run that never receives its terminal webhook is still driven to
// its final state by polling.
//
// Ticks never overlap. If a tick is still running when the next one fires,
// the new tick is skipped, not queued.
type PollerService struct {
	store       database.Store
	gateway     agentgateway.Gateway
	broadcaster broadcast.Broadcaster
	pipelines   *ValidationService
	metrics     *otel.Metrics
	cfg         config.Poller

	started atomic.Bool
	ticking atomic.Bool
	sem     *semaphore.Weighted

	mu   sync.RWMutex
	orgs map[string]struct{}
}

// NewPoller creates the poller service. pipelines and metrics may be nil.
func NewPoller(store database.Store, gateway agentgateway.Gateway, broadcaster broadcast.Broadcaster,
	pipelines *ValidationService, cfg config.Poller, metrics *otel.Metrics) *PollerService {
	return &PollerService{
		store:       store,
		gateway:     gateway,
		broadcaster: broadcaster,
		pipelines:   pipelines,
		metrics:     metrics,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.MaxInFlight),
		orgs:        make(map[string]struct{}),
	}
}

// Watch registers an organization for background polling. Watching the same
// org twice is a no-op.
func (s *PollerService) Watch(orgID string) {
	if orgID == "" {
		return
	}
	s.mu.Lock()
	s.orgs[orgID] = struct{}{}
	s.mu.Unlock()
}

// Unwatch removes an organization from polling.
func (s *PollerService) Unwatch(orgID string) {
	s.mu.Lock()
	delete(s.orgs, orgID)
	s.mu.Unlock()
}

// WatchedOrgs returns a snapshot of the watched organization IDs.
func (s *PollerService) WatchedOrgs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		out = append(out, id)
	}
	return out
}

// Start launches the poll loop. Calling Start more than once has no effect.
// The loop stops when ctx is cancelled.
func (s *PollerService) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	slog.Info("poller started", "interval", s.cfg.Interval, "max_in_flight", s.cfg.MaxInFlight)

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("poller stopped")
				return
			case <-ticker.C:
				if !s.ticking.CompareAndSwap(false, true) {
					slog.Warn("poll tick still running, skipping")
					continue
				}
				s.Tick(ctx)
				s.ticking.Store(false)
			}
		}
	}()
}

// Tick polls every watched organization once. Exposed for manual triggering;
// the background loop guards against overlap itself.
func (s *PollerService) Tick(ctx context.Context) {
	for _, orgID := range s.WatchedOrgs() {
		s.pollOrg(ctx, orgID)
	}
}

// pollOrg refreshes each non-terminal run of the org with a bounded fan-out.
// Individual fetch failures are logged and skipped; the run stays as-is until
// a later tick or webhook reaches it.
func (s *PollerService) pollOrg(ctx context.Context, orgID string) {
	runs, err := s.store.ListNonTerminalRuns(ctx, orgID)
	if err != nil {
		slog.Error("list non-terminal runs", "org_id", orgID, "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range runs {
		r := runs[i]
		if r.ExternalID == "" {
			continue // never accepted remotely, nothing to fetch
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			s.refreshRun(ctx, &r)
		}()
	}
	wg.Wait()
}

// refreshRun fetches one run's remote snapshot and applies it under the
// last-writer-wins rule.
func (s *PollerService) refreshRun(ctx context.Context, r *run.AgentRun) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	snap, err := s.gateway.Fetch(fetchCtx, r.ExternalID)
	if err != nil {
		slog.Warn("poll fetch failed", "run_id", r.ID, "external_id", r.ExternalID, "error", err)
		return
	}

	u, ok := updateFromSnapshot(snap)
	if !ok {
		slog.Warn("unknown remote status, skipped", "external_id", snap.ExternalID, "status", snap.Status)
		return
	}

	prev := r.Status
	if !r.Apply(u) {
		return
	}
	stored, err := s.store.UpsertRun(ctx, r)
	if err != nil {
		slog.Error("persist polled run", "run_id", r.ID, "error", err)
		return
	}
	if !stored {
		// A webhook beat us to a newer state between fetch and write.
		return
	}

	s.metrics.RunSynced(ctx, "poll")
	if r.Status != prev {
		slog.Info("run state changed by poll", "run_id", r.ID, "from", prev, "to", r.Status)
		if s.broadcaster != nil {
			s.broadcaster.BroadcastEvent(ctx, r.OrgID, broadcast.EventRunChanged, broadcast.RunChangedEvent{
				RunID:      r.ID,
				ExternalID: r.ExternalID,
				Status:     string(r.Status),
			})
		}
		// The poll can be the first observer of a remediation run's terminal
		// outcome; the pipeline must not stay paused waiting for a webhook
		// that may never land.
		if r.Terminal() && s.pipelines != nil {
			s.pipelines.OnLinkedRunTerminal(ctx, r.ID, r.Status)
		}
	}
}
