package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cscx-ai/agentd/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. The two
// mutating POSTs honor the Idempotency-Key header so a retried request
// replays the recorded first response.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Healthz)

	idem := h.idempotent()

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Intent routing
		r.Post("/intent/classify", h.ClassifyIntent)

		// Executions
		r.With(idem).Post("/executions", h.StartExecution)
		r.Get("/executions/{id}", h.GetExecution)
		r.With(idem).Post("/executions/{id}/resume", h.ResumeExecution)

		// Approvals
		r.Get("/approvals", h.ListApprovals)

		// Circuit breakers
		r.Get("/breakers", h.BreakerStatus)

		// Streaming chat
		r.Post("/chat/stream", h.ChatStream)
	})
}

// idempotent builds the idempotency middleware, or a pass-through when
// no cache is wired (tests, minimal deployments).
func (h *Handlers) idempotent() func(http.Handler) http.Handler {
	if h.IdemCache == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	ttl := h.IdemTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return middleware.Idempotency(h.IdemCache, ttl)
}
