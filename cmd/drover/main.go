// Drover core service: synchronizes agent-run state with the remote
// execution system and orchestrates validation pipelines for the pull
// requests those runs produce.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/droverhq/drover/internal/adapter/agentapi"
	httpapi "github.com/droverhq/drover/internal/adapter/http"
	"github.com/droverhq/drover/internal/adapter/nats"
	"github.com/droverhq/drover/internal/adapter/natsrelay"
	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/adapter/postgres"
	"github.com/droverhq/drover/internal/adapter/ristretto"
	"github.com/droverhq/drover/internal/adapter/sandbox"
	"github.com/droverhq/drover/internal/adapter/sourcehostapi"
	"github.com/droverhq/drover/internal/adapter/ws"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/internal/resilience"
	"github.com/droverhq/drover/internal/service"
)

const webhookSignatureHeader = "X-Drover-Signature-256"

func main() {
	if err := run(); err != nil {
		slog.Error("drover-core exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("starting drover-core", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *otel.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("telemetry setup: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("telemetry shutdown", "error", err)
			}
		}()
		if metrics, err = otel.NewMetrics(); err != nil {
			return fmt.Errorf("telemetry metrics: %w", err)
		}
	}

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	queue, err := nats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	dedupe, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer dedupe.Close()

	agent := agentapi.NewClient(cfg.Agent.URL, cfg.Agent.APIKey, cfg.Agent.CallTimeout)
	agent.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	merger := sourcehostapi.NewClient(cfg.SourceHost.URL, cfg.SourceHost.Token, cfg.SourceHost.CallTimeout)

	exec := sandbox.NewExecutor(queue)
	stopExec, err := exec.Start(ctx)
	if err != nil {
		return fmt.Errorf("sandbox executor: %w", err)
	}
	defer stopExec()

	hub := ws.NewHub()
	notify := natsrelay.New(queue)

	syncSvc := service.NewSync(store, agent, hub, metrics)
	valSvc := service.NewValidation(store, exec, merger, syncSvc, notify, hub, cfg.Validation, metrics)
	pollerSvc := service.NewPoller(store, agent, hub, valSvc, cfg.Poller, metrics)
	webhookSvc := service.NewWebhook(store, dedupe, valSvc, hub, cfg.Webhook.DedupTTL, metrics)

	pollerSvc.Start(ctx)

	opts := httpapi.RouterOptions{
		CORSOrigin:    cfg.Server.CORSOrigin,
		WebhookSecret: cfg.Webhook.Secret,
		WebhookHeader: webhookSignatureHeader,
		WebSocket:     hub.HandleWS,
		Health:        healthHandler(pool, queue, hub),
	}
	if cfg.Telemetry.Enabled {
		opts.OTelMiddleware = otel.HTTPMiddleware("drover-http")
	}

	router := httpapi.NewRouter(&httpapi.Handlers{
		Sync:       syncSvc,
		Poller:     pollerSvc,
		Webhook:    webhookSvc,
		Validation: valSvc,
	}, opts)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// healthHandler reports liveness of the service's dependencies.
func healthHandler(pool interface{ Ping(context.Context) error }, queue interface{ IsConnected() bool }, hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK

		dbOK := pool.Ping(r.Context()) == nil
		natsOK := queue.IsConnected()
		if !dbOK || !natsOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"database":       dbOK,
			"nats":           natsOK,
			"ws_connections": hub.ConnectionCount(),
		})
	}
}
