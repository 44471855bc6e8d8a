package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/catalog"
	"github.com/robertarktes/ticket-issuance/internal/checkin"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/issuance"
	"github.com/robertarktes/ticket-issuance/internal/registry"
)

// Pinger is a dependency that must answer for the service to be ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handlers struct {
	catalog  *catalog.Service
	registry *registry.Registry
	engine   *issuance.Engine
	checkin  *checkin.Machine
	ready    map[string]Pinger
}

func NewHandlers(cat *catalog.Service, reg *registry.Registry, engine *issuance.Engine, machine *checkin.Machine, ready map[string]Pinger) *Handlers {
	return &Handlers{
		catalog:  cat,
		registry: reg,
		engine:   engine,
		checkin:  machine,
		ready:    ready,
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(domain.ErrInvalidInput, "malformed JSON body")
	}
	return nil
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidInput, "invalid %s", name)
	}
	return id, nil
}

// Ticket types

func (h *Handlers) CreateTicketType(w http.ResponseWriter, r *http.Request) {
	var in catalog.Input
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	tt, err := h.catalog.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tt)
}

func (h *Handlers) GetTicketType(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	tt, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

// ListTicketTypes lists by event_id, or searches by name when no event is
// given.
func (h *Handlers) ListTicketTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []domain.TicketType
		err  error
	)
	switch {
	case q.Get("event_id") != "":
		eventID, perr := uuid.Parse(q.Get("event_id"))
		if perr != nil {
			writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "invalid event_id"))
			return
		}
		list, err = h.catalog.ListByEvent(r.Context(), eventID)
	case q.Has("name"):
		list, err = h.catalog.Search(r.Context(), q.Get("name"))
	default:
		err = errors.Wrap(domain.ErrInvalidInput, "event_id or name is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) UpdateTicketType(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in catalog.Input
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	tt, err := h.catalog.Update(r.Context(), actorFrom(r.Context()), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tt)
}

func (h *Handlers) DeleteTicketType(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.catalog.Delete(r.Context(), actorFrom(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Orders

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in domain.OrderInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.registry.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) CreateOrdersBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketTypeID uuid.UUID           `json:"ticket_type_id"`
		Orders       []domain.OrderInput `json:"orders"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.registry.CreateBatch(r.Context(), actorFrom(r.Context()), req.TicketTypeID, req.Orders)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orders)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ticketTypeID, err := uuid.Parse(q.Get("ticket_type_id"))
	if err != nil {
		writeError(w, r, errors.Wrap(domain.ErrInvalidInput, "ticket_type_id is required"))
		return
	}
	orders, err := h.registry.List(r.Context(), ticketTypeID, q.Get("q"), q.Get("sort"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) UpdateOrderHolder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		HolderName  string `json:"holder_name"`
		HolderEmail string `json:"holder_email"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.registry.UpdateHolder(r.Context(), actorFrom(r.Context()), id, req.HolderName, req.HolderEmail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) UpdateOrderQuantity(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.registry.UpdateQuantity(r.Context(), actorFrom(r.Context()), id, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.registry.Delete(r.Context(), actorFrom(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Issuance

// IssueOrder answers 502 with the recorded order when delivery failed after
// the tickets were minted.
func (h *Handlers) IssueOrder(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.engine.IssueOrder(r.Context(), id, actorFrom(r.Context()))
	if errors.Is(err, domain.ErrDeliveryFailed) && order != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "delivery_failed", Message: err.Error(), Order: order})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handlers) IssueBulk(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.engine.IssueBulk(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Check-in

// Redeem answers 200 for both acceptance and denial; the body tells which.
func (h *Handlers) Redeem(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkin.Redeem(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) VoidTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.checkin.Void(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// Probes

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, p := range h.ready {
		if err := p.Ping(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		loggerFrom(r.Context()).WithField("failed", failed).Warn("not ready")
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
