package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/internal/middleware"
)

// RouterOptions carries the cross-cutting pieces the router needs beyond the
// service handlers.
type RouterOptions struct {
	CORSOrigin     string
	WebhookSecret  string
	WebhookHeader  string
	WebSocket      http.HandlerFunc // nil disables /ws
	Health         http.HandlerFunc // nil disables /healthz
	OTelMiddleware func(http.Handler) http.Handler
}

// NewRouter builds the chi router with the full REST surface mounted under
// /api/v1. The webhook route is wrapped in HMAC signature verification.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if opts.OTelMiddleware != nil {
		r.Use(opts.OTelMiddleware)
	}
	r.Use(Logger)
	r.Use(CORS(opts.CORSOrigin))

	if opts.Health != nil {
		r.Get("/healthz", opts.Health)
	}
	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.Post("/runs", h.createRun)
			r.Get("/runs", h.listRuns)
			r.Get("/runs/{runID}", h.getRun)
			r.Post("/runs/{runID}/resume", h.resumeRun)
			r.Post("/runs/{runID}/cancel", h.cancelRun)

			r.Post("/sync", h.triggerSync)
			r.Get("/sync", h.getSyncStatus)

			r.Post("/validations", h.startValidation)
			r.Get("/validations", h.listValidations)
		})

		r.Get("/validations/{pipelineID}", h.getValidation)
		r.Post("/validations/{pipelineID}/cancel", h.cancelValidation)

		r.With(middleware.WebhookHMAC(opts.WebhookSecret, opts.WebhookHeader)).
			Post("/webhooks/agent", h.handleWebhook)
	})

	return r
}
