// Package ledger holds the stock rules of a ticket type: a reservation is an
// indivisible check-and-increment of issuedCount bounded by totalCapacity.
package ledger

import (
	"context"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

// Ledger reserves and releases stock of a single ticket type. Reserve returns
// a *domain.InsufficientStockError when the request exceeds remaining stock.
// Both stores implement it under the same per-type serialization that
// CommitStock uses.
type Ledger interface {
	Reserve(ctx context.Context, ticketTypeID uuid.UUID, quantity int) error
	Release(ctx context.Context, ticketTypeID uuid.UUID, quantity int) error
}

// Check reports whether quantity more units fit into tt without mutating it.
func Check(tt domain.TicketType, quantity int) error {
	if quantity < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative reservation %d", quantity)
	}
	if tt.Status == domain.TicketTypeInactive && quantity > 0 {
		return errors.Wrapf(domain.ErrTicketTypeClosed, "ticket type %s", tt.ID)
	}
	if quantity > tt.Remaining() {
		return domain.NewInsufficientStock(tt, quantity)
	}
	return nil
}

// Demand sums the quantities of orders. The sum saturates at math.MaxInt so
// an oversized batch fails Check instead of wrapping around.
func Demand(orders []domain.Order) int {
	total := 0
	for _, o := range orders {
		if o.Quantity > math.MaxInt-total {
			return math.MaxInt
		}
		total += o.Quantity
	}
	return total
}

// Reserve applies a reservation of quantity units to tt in place.
func Reserve(tt *domain.TicketType, quantity int) error {
	if err := Check(*tt, quantity); err != nil {
		return err
	}
	tt.IssuedCount += quantity
	tt.Status = StatusFor(*tt)
	return nil
}

// Release returns quantity units to tt in place. Releasing more than was
// issued is an integrity fault.
func Release(tt *domain.TicketType, quantity int) error {
	if quantity < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative release %d", quantity)
	}
	if tt.IssuedCount < quantity {
		return domain.Integrity("release of %d exceeds issued count %d on ticket type %s", quantity, tt.IssuedCount, tt.ID)
	}
	tt.IssuedCount -= quantity
	tt.Status = StatusFor(*tt)
	return nil
}

// StatusFor derives the lifecycle status from the counters. INACTIVE is only
// ever set explicitly and is preserved.
func StatusFor(tt domain.TicketType) domain.TicketTypeStatus {
	switch {
	case tt.Status == domain.TicketTypeInactive:
		return domain.TicketTypeInactive
	case tt.TotalCapacity > 0 && tt.IssuedCount >= tt.TotalCapacity:
		return domain.TicketTypeSoldOut
	default:
		return domain.TicketTypeActive
	}
}

// Locks is a mutex keyed by id. The memory store keys it by ticket type and
// the issuance engine by order. An entry lives only while someone holds or
// waits for it.
type Locks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[uuid.UUID]*keyLock)}
}

// Lock blocks until the key is held and returns the matching unlock.
func (l *Locks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
