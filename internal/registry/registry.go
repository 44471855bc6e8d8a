// Package registry keeps the guest orders that anchor issuance.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

type Store interface {
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	CreateOrders(ctx context.Context, orders []domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	UpdateOrderHolder(ctx context.Context, id uuid.UUID, name, email string) (*domain.Order, error)
	UpdateOrderQuantity(ctx context.Context, id uuid.UUID, quantity int) (*domain.Order, error)
	// DeleteOrder releases committed stock and removes the tickets and the
	// order in one unit.
	DeleteOrder(ctx context.Context, id uuid.UUID) error
}

type Permissions interface {
	Require(ctx context.Context, eventID, actorID uuid.UUID, capability string) error
}

type Registry struct {
	store Store
	perms Permissions
	now   func() time.Time
}

func New(store Store, perms Permissions) *Registry {
	return &Registry{store: store, perms: perms, now: time.Now}
}

type OrderDetails struct {
	domain.Order
	Tickets []domain.Ticket `json:"tickets"`
}

func (r *Registry) Create(ctx context.Context, actorID uuid.UUID, in domain.OrderInput) (*domain.Order, error) {
	orders, err := r.CreateBatch(ctx, actorID, in.TicketTypeID, []domain.OrderInput{in})
	if err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// CreateBatch registers several orders for one ticket type; either all are
// stored or none.
func (r *Registry) CreateBatch(ctx context.Context, actorID, ticketTypeID uuid.UUID, inputs []domain.OrderInput) ([]domain.Order, error) {
	if len(inputs) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "no orders given")
	}
	if err := r.authorize(ctx, ticketTypeID, actorID); err != nil {
		return nil, err
	}
	now := r.now()
	orders := make([]domain.Order, 0, len(inputs))
	for i, in := range inputs {
		in.TicketTypeID = ticketTypeID
		if err := in.Validate(); err != nil {
			return nil, errors.Wrapf(err, "order %d", i)
		}
		// Keep creation order stable for batches sorted by time.
		orders = append(orders, domain.NewOrder(in, now.Add(time.Duration(i)*time.Microsecond)))
	}
	if err := r.store.CreateOrders(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*OrderDetails, error) {
	o, err := r.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	tickets, err := r.store.ListTickets(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: *o, Tickets: tickets}, nil
}

// List filters the orders of a ticket type by holder name or email. sort is
// "asc" or "desc" on creation time; anything else means desc.
func (r *Registry) List(ctx context.Context, ticketTypeID uuid.UUID, term, sort string) ([]domain.Order, error) {
	if _, err := r.store.GetTicketType(ctx, ticketTypeID); err != nil {
		return nil, err
	}
	return r.store.ListOrders(ctx, domain.OrderFilter{
		TicketTypeID: ticketTypeID,
		Term:         term,
		Ascending:    strings.EqualFold(sort, "asc"),
	})
}

func (r *Registry) UpdateHolder(ctx context.Context, actorID, id uuid.UUID, name, email string) (*domain.Order, error) {
	o, err := r.authorizedOrder(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	in := domain.OrderInput{TicketTypeID: o.TicketTypeID, HolderName: name, HolderEmail: email, Quantity: o.Quantity}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return r.store.UpdateOrderHolder(ctx, id, strings.TrimSpace(name), strings.TrimSpace(email))
}

func (r *Registry) UpdateQuantity(ctx context.Context, actorID, id uuid.UUID, quantity int) (*domain.Order, error) {
	o, err := r.authorizedOrder(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if o.DispatchStatus != domain.DispatchPending {
		return nil, errors.Wrapf(domain.ErrQuantityLocked, "order %s is %s", id, o.DispatchStatus)
	}
	if err := domain.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	return r.store.UpdateOrderQuantity(ctx, id, quantity)
}

func (r *Registry) Delete(ctx context.Context, actorID, id uuid.UUID) error {
	if _, err := r.authorizedOrder(ctx, id, actorID); err != nil {
		return err
	}
	return r.store.DeleteOrder(ctx, id)
}

func (r *Registry) authorizedOrder(ctx context.Context, id, actorID uuid.UUID) (*domain.Order, error) {
	o, err := r.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, o.TicketTypeID, actorID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Registry) authorize(ctx context.Context, ticketTypeID, actorID uuid.UUID) error {
	tt, err := r.store.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return err
	}
	return r.perms.Require(ctx, tt.EventID, actorID, domain.CapabilityRegisterGuests)
}
