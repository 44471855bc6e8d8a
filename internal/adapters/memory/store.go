// Package memory is an in-process store. Stock mutations on one ticket type
// are serialized by a mutex keyed by ticket type id.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/ledger"
)

type Store struct {
	mu      sync.RWMutex
	locks   *ledger.Locks
	types   map[uuid.UUID]domain.TicketType
	orders  map[uuid.UUID]domain.Order
	tickets map[uuid.UUID]domain.Ticket
	byCode  map[string]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		locks:   ledger.NewLocks(),
		types:   make(map[uuid.UUID]domain.TicketType),
		orders:  make(map[uuid.UUID]domain.Order),
		tickets: make(map[uuid.UUID]domain.Ticket),
		byCode:  make(map[string]uuid.UUID),
	}
}

// Ticket types

func (s *Store) CreateTicketType(_ context.Context, tt domain.TicketType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[tt.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "ticket type %s exists", tt.ID)
	}
	s.types[tt.ID] = tt
	return nil
}

func (s *Store) GetTicketType(_ context.Context, id uuid.UUID) (*domain.TicketType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.types[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return &tt, nil
}

func (s *Store) ListTicketTypesByEvent(_ context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	return s.filterTypes(func(tt domain.TicketType) bool { return tt.EventID == eventID }), nil
}

func (s *Store) SearchTicketTypes(_ context.Context, name string) ([]domain.TicketType, error) {
	needle := strings.ToLower(name)
	return s.filterTypes(func(tt domain.TicketType) bool {
		return strings.Contains(strings.ToLower(tt.Name), needle)
	}), nil
}

func (s *Store) filterTypes(keep func(domain.TicketType) bool) []domain.TicketType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.TicketType{}
	for _, tt := range s.types {
		if keep(tt) {
			out = append(out, tt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateTicketType replaces the editable fields of tt. The counters stay as
// stored, and the capacity may not drop below what is already issued.
func (s *Store) UpdateTicketType(_ context.Context, tt domain.TicketType) (*domain.TicketType, error) {
	unlock := s.locks.Lock(tt.ID)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.types[tt.ID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket type %s", tt.ID)
	}
	if tt.TotalCapacity < cur.IssuedCount {
		return nil, errors.Wrapf(domain.ErrConflict, "capacity %d below issued count %d", tt.TotalCapacity, cur.IssuedCount)
	}
	cur.Name, cur.Description, cur.Price = tt.Name, tt.Description, tt.Price
	cur.TotalCapacity, cur.StartsAt, cur.EndsAt = tt.TotalCapacity, tt.StartsAt, tt.EndsAt
	cur.Status = domain.TicketTypeActive
	if tt.Status == domain.TicketTypeInactive {
		cur.Status = domain.TicketTypeInactive
	}
	cur.Status = ledger.StatusFor(cur)
	s.types[cur.ID] = cur
	return &cur, nil
}

func (s *Store) DeleteTicketType(_ context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[id]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	for tid, t := range s.tickets {
		if t.TicketTypeID == id {
			delete(s.byCode, t.Code)
			delete(s.tickets, tid)
		}
	}
	for oid, o := range s.orders {
		if o.TicketTypeID == id {
			delete(s.orders, oid)
		}
	}
	delete(s.types, id)
	return nil
}

// Ledger

var _ ledger.Ledger = (*Store)(nil)

func (s *Store) Reserve(_ context.Context, ticketTypeID uuid.UUID, quantity int) error {
	unlock := s.locks.Lock(ticketTypeID)
	defer unlock()
	return s.apply(ticketTypeID, func(tt *domain.TicketType) error { return ledger.Reserve(tt, quantity) })
}

func (s *Store) Release(_ context.Context, ticketTypeID uuid.UUID, quantity int) error {
	unlock := s.locks.Lock(ticketTypeID)
	defer unlock()
	return s.apply(ticketTypeID, func(tt *domain.TicketType) error { return ledger.Release(tt, quantity) })
}

// apply must be called with the ticket type's key lock held. The stored
// counters change only when fn succeeds.
func (s *Store) apply(id uuid.UUID, fn func(*domain.TicketType) error) error {
	s.mu.RLock()
	tt, ok := s.types[id]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	if err := fn(&tt); err != nil {
		return err
	}
	s.mu.Lock()
	s.types[id] = tt
	s.mu.Unlock()
	return nil
}

// CommitStock reserves the summed quantity of orders and moves each of them
// from PENDING to SEND_ERROR as one unit. Every order must still be PENDING
// with the quantity the caller saw; nothing changes if any check fails.
func (s *Store) CommitStock(_ context.Context, ticketTypeID uuid.UUID, orders []domain.Order) error {
	unlock := s.locks.Lock(ticketTypeID)
	defer unlock()

	s.mu.RLock()
	for _, want := range orders {
		o, ok := s.orders[want.ID]
		if !ok {
			s.mu.RUnlock()
			return errors.Wrapf(domain.ErrNotFound, "order %s", want.ID)
		}
		if o.TicketTypeID != ticketTypeID || o.DispatchStatus != domain.DispatchPending || o.Quantity != want.Quantity {
			s.mu.RUnlock()
			return errors.Wrapf(domain.ErrConflict, "order %s changed before stock commit", want.ID)
		}
	}
	s.mu.RUnlock()

	total := ledger.Demand(orders)
	if err := s.apply(ticketTypeID, func(tt *domain.TicketType) error { return ledger.Reserve(tt, total) }); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, want := range orders {
		o := s.orders[want.ID]
		o.DispatchStatus = domain.DispatchSendError
		s.orders[want.ID] = o
	}
	return nil
}

// Orders

func (s *Store) CreateOrders(_ context.Context, orders []domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range orders {
		if _, ok := s.types[o.TicketTypeID]; !ok {
			return errors.Wrapf(domain.ErrNotFound, "ticket type %s", o.TicketTypeID)
		}
		if _, ok := s.orders[o.ID]; ok {
			return errors.Wrapf(domain.ErrConflict, "order %s exists", o.ID)
		}
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return &o, nil
}

func (s *Store) ListOrders(_ context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	term := strings.ToLower(strings.TrimSpace(f.Term))
	s.mu.RLock()
	out := []domain.Order{}
	for _, o := range s.orders {
		if o.TicketTypeID != f.TicketTypeID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.DispatchStatus) {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(o.HolderName), term) &&
			!strings.Contains(strings.ToLower(o.HolderEmail), term) {
			continue
		}
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if f.Ascending {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func containsStatus(list []domain.DispatchStatus, st domain.DispatchStatus) bool {
	for _, x := range list {
		if x == st {
			return true
		}
	}
	return false
}

func (s *Store) UpdateOrderHolder(_ context.Context, id uuid.UUID, name, email string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	o.HolderName, o.HolderEmail = name, email
	s.orders[id] = o
	return &o, nil
}

func (s *Store) UpdateOrderQuantity(ctx context.Context, id uuid.UUID, quantity int) (*domain.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(o.TicketTypeID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	if cur.DispatchStatus != domain.DispatchPending {
		return nil, errors.Wrapf(domain.ErrQuantityLocked, "order %s is %s", id, cur.DispatchStatus)
	}
	cur.Quantity = quantity
	s.orders[id] = cur
	return &cur, nil
}

// DeleteOrder releases the order's committed stock, then removes its tickets
// and the order itself.
func (s *Store) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(o.TicketTypeID)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.orders[id]
	s.mu.RUnlock()
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	if cur.StockCommitted() {
		release := func(tt *domain.TicketType) error { return ledger.Release(tt, cur.Quantity) }
		if err := s.apply(cur.TicketTypeID, release); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropTicketsLocked(id)
	delete(s.orders, id)
	return nil
}

// Tickets

// ReplaceTickets swaps the tickets of an order whose stock is committed and
// whose delivery has not succeeded yet. A SENT order fails with
// domain.ErrAlreadyIssued and a PENDING one with domain.ErrConflict.
func (s *Store) ReplaceTickets(_ context.Context, orderID uuid.UUID, tickets []domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}
	if err := replaceable(o); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(tickets))
	for _, t := range tickets {
		if _, dup := seen[t.Code]; dup {
			return errors.Wrapf(domain.ErrConflict, "duplicate ticket code %s", t.Code)
		}
		seen[t.Code] = struct{}{}
		if tid, ok := s.byCode[t.Code]; ok && s.tickets[tid].OrderID != orderID {
			return errors.Wrapf(domain.ErrConflict, "duplicate ticket code %s", t.Code)
		}
	}
	s.dropTicketsLocked(orderID)
	for _, t := range tickets {
		s.tickets[t.ID] = t
		s.byCode[t.Code] = t.ID
	}
	return nil
}

func replaceable(o domain.Order) error {
	switch o.DispatchStatus {
	case domain.DispatchSendError:
		return nil
	case domain.DispatchSent:
		return errors.Wrapf(domain.ErrAlreadyIssued, "order %s", o.ID)
	default:
		return errors.Wrapf(domain.ErrConflict, "order %s has no committed stock", o.ID)
	}
}

func (s *Store) dropTicketsLocked(orderID uuid.UUID) {
	for tid, t := range s.tickets {
		if t.OrderID == orderID {
			delete(s.byCode, t.Code)
			delete(s.tickets, tid)
		}
	}
}

func (s *Store) ListTickets(_ context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Ticket{}
	for _, t := range s.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) GetTicketByCode(_ context.Context, code string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket code %s", code)
	}
	t := s.tickets[id]
	return &t, nil
}

func (s *Store) RecordDispatch(_ context.Context, orderID uuid.UUID, status domain.DispatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}
	o.DispatchStatus = status
	s.orders[orderID] = o
	return nil
}

// TransitionTicket moves a ticket from one usage status to another and
// reports false, without error, when the ticket is no longer in from.
func (s *Store) TransitionTicket(_ context.Context, ticketID uuid.UUID, from, to domain.UsageStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "ticket %s", ticketID)
	}
	if t.UsageStatus != from {
		return false, nil
	}
	t.UsageStatus = to
	if to == domain.UsageUsed {
		t.UsedAt = &at
	}
	s.tickets[ticketID] = t
	return true, nil
}
