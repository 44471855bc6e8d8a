package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-issuance/internal/idempotency"
	"github.com/robertarktes/ticket-issuance/internal/observability"
	"github.com/robertarktes/ticket-issuance/internal/rateLimit"
)

// SetupRouter mounts every route. rl and idemp may be nil when Redis is not
// configured.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)
		if rl != nil {
			r.Use(rl.Middleware)
		}
		if idemp != nil {
			r.Use(idemp.Middleware)
		}

		r.Route("/v1/ticket-types", func(r chi.Router) {
			r.Post("/", h.CreateTicketType)
			r.Get("/", h.ListTicketTypes)
			r.Get("/{id}", h.GetTicketType)
			r.Put("/{id}", h.UpdateTicketType)
			r.Delete("/{id}", h.DeleteTicketType)
			r.Post("/{id}/issue", h.IssueBulk)
		})

		r.Route("/v1/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Post("/batch", h.CreateOrdersBatch)
			r.Get("/", h.ListOrders)
			r.Get("/{id}", h.GetOrder)
			r.Put("/{id}", h.UpdateOrderHolder)
			r.Put("/{id}/quantity", h.UpdateOrderQuantity)
			r.Delete("/{id}", h.DeleteOrder)
			r.Post("/{id}/issue", h.IssueOrder)
		})

		r.Post("/v1/checkin/{code}", h.Redeem)
		r.Post("/v1/tickets/{code}/void", h.VoidTicket)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no such route"})
	})
	return r
}
