// Package issuance mints tickets against committed stock and drives their
// delivery. Stock is committed first; delivery is attempted afterwards and
// its outcome recorded on the order.
package issuance

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/authz"
	"github.com/robertarktes/ticket-issuance/internal/codegen"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/ledger"
	"github.com/robertarktes/ticket-issuance/internal/observability"
)

// mintAttempts bounds regeneration when the store rejects a code collision.
const mintAttempts = 3

type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	// CommitStock reserves the orders' summed quantity and moves them from
	// PENDING to SEND_ERROR atomically.
	CommitStock(ctx context.Context, ticketTypeID uuid.UUID, orders []domain.Order) error
	ReplaceTickets(ctx context.Context, orderID uuid.UUID, tickets []domain.Ticket) error
	RecordDispatch(ctx context.Context, orderID uuid.UUID, status domain.DispatchStatus) error
}

type Owners interface {
	RequireOwner(ctx context.Context, eventID, actorID uuid.UUID) (authz.EventInfo, error)
}

type Notifier interface {
	Deliver(ctx context.Context, d domain.Delivery) error
}

// Auditor records issuance runs. It is fire-and-forget: implementations
// report their own write failures.
type Auditor interface {
	LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{})
}

type Engine struct {
	store    Store
	owners   Owners
	notifier Notifier
	codes    codegen.Generator
	audit    Auditor
	inflight *ledger.Locks
	logger   observability.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithAuditor(a Auditor) Option { return func(e *Engine) { e.audit = a } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, owners Owners, notifier Notifier, codes codegen.Generator, logger observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		owners:   owners,
		notifier: notifier,
		codes:    codes,
		audit:    nopAuditor{},
		inflight: ledger.NewLocks(),
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BulkResult lists every processed order with its recorded dispatch status.
type BulkResult struct {
	Orders    []domain.Order `json:"orders"`
	Processed int            `json:"processed"`
	Sent      int            `json:"sent"`
	Failed    int            `json:"failed"`
}

// IssueOrder issues the tickets of one PENDING or SEND_ERROR order. A
// delivery failure is returned wrapped in domain.ErrDeliveryFailed together
// with the order as recorded.
func (e *Engine) IssueOrder(ctx context.Context, orderID, actorID uuid.UUID) (*domain.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	tt, err := e.ticketTypeOf(ctx, *order)
	if err != nil {
		return nil, err
	}
	info, err := e.owners.RequireOwner(ctx, tt.EventID, actorID)
	if err != nil {
		return nil, err
	}
	if order.DispatchStatus == domain.DispatchSent {
		return nil, errors.Wrapf(domain.ErrAlreadyIssued, "order %s", order.ID)
	}

	if order.DispatchStatus == domain.DispatchPending {
		if err := e.store.CommitStock(ctx, tt.ID, []domain.Order{*order}); err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				observability.StockRejections.Inc()
			}
			return nil, err
		}
		order.DispatchStatus = domain.DispatchSendError
	}

	issued, err := e.mintAndDeliver(ctx, *order, *tt, info)
	e.auditIssue(ctx, "order.issued", actorID, issued, err)
	return &issued, err
}

// IssueBulk issues every PENDING and SEND_ERROR order of a ticket type. New
// stock demand is checked and committed for the PENDING subset in one step
// before any order is touched; after that each order succeeds or fails on
// its own. An order issued by another caller meanwhile is skipped.
func (e *Engine) IssueBulk(ctx context.Context, ticketTypeID, actorID uuid.UUID) (*BulkResult, error) {
	tt, err := e.store.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return nil, err
	}
	info, err := e.owners.RequireOwner(ctx, tt.EventID, actorID)
	if err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrders(ctx, domain.OrderFilter{
		TicketTypeID: tt.ID,
		Statuses:     []domain.DispatchStatus{domain.DispatchPending, domain.DispatchSendError},
		Ascending:    true,
	})
	if err != nil {
		return nil, err
	}
	result := &BulkResult{Orders: []domain.Order{}}
	if len(orders) == 0 {
		return result, nil
	}

	var pending []domain.Order
	for _, o := range orders {
		if o.DispatchStatus == domain.DispatchPending {
			pending = append(pending, o)
		}
	}
	if err := ledger.Check(*tt, ledger.Demand(pending)); err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			observability.StockRejections.Inc()
		}
		return nil, err
	}
	if len(pending) > 0 {
		if err := e.store.CommitStock(ctx, tt.ID, pending); err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				observability.StockRejections.Inc()
			}
			return nil, err
		}
	}

	for _, o := range orders {
		issued, err := e.mintAndDeliver(ctx, o, *tt, info)
		if errors.Is(err, domain.ErrAlreadyIssued) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrDeliveryFailed) {
			e.logger.WithField("order_id", o.ID).WithError(err).Error("bulk issuance step failed")
		}
		result.Orders = append(result.Orders, issued)
		if issued.DispatchStatus == domain.DispatchSent {
			result.Sent++
		} else {
			result.Failed++
		}
	}
	result.Processed = len(result.Orders)
	e.audit.LogEvent(ctx, "ticket_type.bulk_issued", actorID, map[string]interface{}{
		"ticket_type_id": tt.ID.String(),
		"processed":      result.Processed,
		"sent":           result.Sent,
		"failed":         result.Failed,
	})
	return result, nil
}

// mintAndDeliver replaces the order's tickets with a fresh set, requests
// delivery and records the outcome. The order's stock must already be
// committed. Callers on one engine are serialized per order and the stored
// status is re-read under that lock, so an order that became SENT meanwhile
// fails with domain.ErrAlreadyIssued instead of being minted again.
func (e *Engine) mintAndDeliver(ctx context.Context, order domain.Order, tt domain.TicketType, info authz.EventInfo) (domain.Order, error) {
	unlock := e.inflight.Lock(order.ID)
	defer unlock()

	cur, err := e.store.GetOrder(ctx, order.ID)
	if err != nil {
		return order, err
	}
	switch cur.DispatchStatus {
	case domain.DispatchSent:
		return *cur, errors.Wrapf(domain.ErrAlreadyIssued, "order %s", order.ID)
	case domain.DispatchPending:
		return *cur, errors.Wrapf(domain.ErrConflict, "order %s has no committed stock", order.ID)
	}
	order = *cur

	tickets, err := e.mint(ctx, order)
	if err != nil {
		return order, err
	}
	observability.TicketsMinted.Add(float64(len(tickets)))

	delivery := domain.Delivery{
		OrderID:        order.ID,
		RecipientEmail: order.HolderEmail,
		RecipientName:  order.HolderName,
		EventName:      info.Name,
		TicketTypeID:   tt.ID,
		TicketTypeName: tt.Name,
		Tickets:        make([]domain.DeliveryTicket, 0, len(tickets)),
	}
	for _, t := range tickets {
		delivery.Tickets = append(delivery.Tickets, domain.DeliveryTicket{Code: t.Code, Status: t.UsageStatus})
	}

	status := domain.DispatchSent
	deliverErr := e.notifier.Deliver(ctx, delivery)
	if deliverErr != nil {
		status = domain.DispatchSendError
		e.logger.WithFields(map[string]interface{}{
			"order_id":       order.ID,
			"ticket_type_id": tt.ID,
		}).Warn("ticket delivery failed: ", deliverErr)
		observability.Deliveries.WithLabelValues("failed").Inc()
	} else {
		observability.Deliveries.WithLabelValues("sent").Inc()
	}

	if err := e.store.RecordDispatch(ctx, order.ID, status); err != nil {
		return order, errors.Wrapf(err, "record dispatch of order %s", order.ID)
	}
	order.DispatchStatus = status
	if deliverErr != nil {
		return order, errors.Mark(errors.Wrapf(deliverErr, "deliver order %s", order.ID), domain.ErrDeliveryFailed)
	}
	return order, nil
}

func (e *Engine) mint(ctx context.Context, order domain.Order) ([]domain.Ticket, error) {
	var err error
	for attempt := 0; attempt < mintAttempts; attempt++ {
		now := e.now()
		tickets := make([]domain.Ticket, 0, order.Quantity)
		for i := 0; i < order.Quantity; i++ {
			tickets = append(tickets, domain.Ticket{
				ID:           uuid.New(),
				OrderID:      order.ID,
				TicketTypeID: order.TicketTypeID,
				Code:         e.codes.Next(),
				IssuedAt:     now,
				UsageStatus:  domain.UsageUnused,
			})
		}
		err = e.store.ReplaceTickets(ctx, order.ID, tickets)
		if err == nil {
			return tickets, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		e.logger.WithField("order_id", order.ID).Warn("ticket code collision, regenerating")
	}
	return nil, errors.Wrapf(err, "mint tickets for order %s", order.ID)
}

func (e *Engine) ticketTypeOf(ctx context.Context, order domain.Order) (*domain.TicketType, error) {
	tt, err := e.store.GetTicketType(ctx, order.TicketTypeID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.WithFields(map[string]interface{}{
			"order_id":       order.ID,
			"ticket_type_id": order.TicketTypeID,
		}).Error("order references a missing ticket type")
		return nil, domain.Integrity("order %s references missing ticket type %s", order.ID, order.TicketTypeID)
	}
	return tt, err
}

func (e *Engine) auditIssue(ctx context.Context, action string, actorID uuid.UUID, order domain.Order, err error) {
	data := map[string]interface{}{
		"order_id":        order.ID.String(),
		"ticket_type_id":  order.TicketTypeID.String(),
		"quantity":        order.Quantity,
		"dispatch_status": string(order.DispatchStatus),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	e.audit.LogEvent(ctx, action, actorID, data)
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, string, uuid.UUID, map[string]interface{}) {}
