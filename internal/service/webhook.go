package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/run"
	"github.com/droverhq/drover/internal/port/broadcast"
	"github.com/droverhq/drover/internal/port/cache"
	"github.com/droverhq/drover/internal/port/database"
)

// WebhookPayload is the state-change notification the remote agent system
// posts to Drover. Optional fields are nil when the sender omitted them.
type WebhookPayload struct {
	DeliveryID  string          `json:"delivery_id,omitempty"`
	ExternalID  string          `json:"external_id"`
	Status      string          `json:"status"`
	Progress    *int            `json:"progress,omitempty"`
	CurrentStep *string         `json:"current_step,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// WebhookService correlates inbound webhook updates to local runs and applies
// them under last-writer-wins. Updates for unknown runs, stale updates and
// duplicate deliveries are dropped without error: webhook senders retry on
// non-2xx, and none of these drops is repairable by a retry.
type WebhookService struct {
	store       database.Store
	dedupe      cache.Cache
	pipelines   *ValidationService
	broadcaster broadcast.Broadcaster
	metrics     *otel.Metrics
	dedupTTL    time.Duration
}

// NewWebhook creates the webhook service. dedupe, pipelines, broadcaster and
// metrics may be nil.
func NewWebhook(store database.Store, dedupe cache.Cache, pipelines *ValidationService,
	broadcaster broadcast.Broadcaster, dedupTTL time.Duration, metrics *otel.Metrics) *WebhookService {
	return &WebhookService{
		store:       store,
		dedupe:      dedupe,
		pipelines:   pipelines,
		broadcaster: broadcaster,
		metrics:     metrics,
		dedupTTL:    dedupTTL,
	}
}

// Handle processes one webhook delivery. It is safe under concurrent
// deliveries for the same run and idempotent for repeated deliveries.
func (s *WebhookService) Handle(ctx context.Context, p WebhookPayload) error {
	if p.ExternalID == "" {
		return fmt.Errorf("%w: external_id is required", domain.ErrInvalidRequest)
	}
	if s.isDuplicate(ctx, p.DeliveryID) {
		slog.Debug("duplicate webhook delivery dropped", "delivery_id", p.DeliveryID)
		s.metrics.WebhookDropped(ctx, "duplicate")
		return nil
	}

	status, ok := remoteStatus(p.Status)
	if !ok {
		// Same drop policy as unknown runs: a retry of this delivery would
		// carry the same unmappable status.
		slog.Warn("webhook with unknown status dropped", "external_id", p.ExternalID, "status", p.Status)
		s.metrics.WebhookDropped(ctx, "unknown_status")
		s.markProcessed(ctx, p.DeliveryID)
		return nil
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	r, err := s.store.GetRunByExternalID(ctx, p.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		// Not ours (or not yet accepted locally). Dropping is deliberate:
		// a retry of this delivery cannot make the run appear.
		slog.Warn("webhook for unknown run dropped", "external_id", p.ExternalID, "status", p.Status)
		s.metrics.WebhookDropped(ctx, "unknown_run")
		s.markProcessed(ctx, p.DeliveryID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup run: %w", err)
	}

	prev := r.Status
	u := run.Update{
		Status:      status,
		Progress:    p.Progress,
		CurrentStep: p.CurrentStep,
		Error:       p.Error,
		Result:      p.Result,
		Timestamp:   p.Timestamp,
	}
	if !r.Apply(u) {
		slog.Debug("stale webhook update dropped", "run_id", r.ID, "status", p.Status, "timestamp", p.Timestamp)
		s.metrics.WebhookDropped(ctx, "stale")
	} else {
		stored, err := s.store.UpsertRun(ctx, r)
		if err != nil {
			return fmt.Errorf("persist webhook update: %w", err)
		}
		if !stored {
			// Lost the write race to a newer concurrent update.
			s.metrics.WebhookDropped(ctx, "stale")
		} else {
			s.metrics.WebhookApplied(ctx)
			slog.Info("webhook applied", "run_id", r.ID, "external_id", r.ExternalID,
				"from", prev, "to", r.Status)
			if r.Status != prev && s.broadcaster != nil {
				s.broadcaster.BroadcastEvent(ctx, r.OrgID, broadcast.EventRunChanged, broadcast.RunChangedEvent{
					RunID:      r.ID,
					ExternalID: r.ExternalID,
					Status:     string(r.Status),
				})
			}
		}
	}
	s.markProcessed(ctx, p.DeliveryID)

	// A dropped delivery can still be the first terminal observation a
	// linked pipeline hears about: the poller may have landed the terminal
	// state before the webhook arrived, making the delivery a stale no-op.
	// Waking the pipeline is idempotent, so do it on every terminal sighting.
	if r.Terminal() && s.pipelines != nil {
		s.pipelines.OnLinkedRunTerminal(ctx, r.ID, r.Status)
	}
	return nil
}

// isDuplicate reports whether this delivery ID has already been processed.
func (s *WebhookService) isDuplicate(ctx context.Context, deliveryID string) bool {
	if s.dedupe == nil || deliveryID == "" {
		return false
	}
	_, found, err := s.dedupe.Get(ctx, "webhook:"+deliveryID)
	if err != nil {
		slog.Warn("dedupe lookup failed", "delivery_id", deliveryID, "error", err)
		return false
	}
	return found
}

// markProcessed remembers the delivery ID for the dedup window.
func (s *WebhookService) markProcessed(ctx context.Context, deliveryID string) {
	if s.dedupe == nil || deliveryID == "" {
		return
	}
	if err := s.dedupe.Set(ctx, "webhook:"+deliveryID, nil, s.dedupTTL); err != nil {
		slog.Warn("dedupe store failed", "delivery_id", deliveryID, "error", err)
	}
}
