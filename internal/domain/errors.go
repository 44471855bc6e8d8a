package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrNotOwner          = errors.New("actor is not the event owner")
	ErrAccessDenied      = errors.New("access denied")
	ErrAlreadyIssued     = errors.New("tickets already issued for order")
	ErrQuantityLocked    = errors.New("quantity can only change while dispatch is pending")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrTicketTypeClosed  = errors.New("ticket type is inactive")
	ErrInvalidCode       = errors.New("invalid ticket code")
	ErrDeliveryFailed    = errors.New("ticket delivery failed")

	// ErrIntegrity marks internal-consistency faults, e.g. a ticket whose
	// ticket type no longer exists.
	ErrIntegrity = errors.New("integrity fault")
)

type InsufficientStockError struct {
	TicketTypeID uuid.UUID
	Requested    int
	Available    int
	Shortfall    int
}

func NewInsufficientStock(tt TicketType, requested int) *InsufficientStockError {
	return &InsufficientStockError{
		TicketTypeID: tt.ID,
		Requested:    requested,
		Available:    tt.Remaining(),
		Shortfall:    requested - tt.Remaining(),
	}
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for ticket type %s: requested %d, available %d, short by %d",
		e.TicketTypeID, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Integrity wraps a consistency fault so that it matches ErrIntegrity.
func Integrity(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIntegrity)
}
