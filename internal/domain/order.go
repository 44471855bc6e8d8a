package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type OrderInput struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	HolderName   string    `json:"holder_name"`
	HolderEmail  string    `json:"holder_email"`
	Quantity     int       `json:"quantity"`
}

func (in OrderInput) Validate() error {
	if in.TicketTypeID == uuid.Nil {
		return errors.Wrap(ErrInvalidInput, "ticket_type_id is required")
	}
	if strings.TrimSpace(in.HolderName) == "" {
		return errors.Wrap(ErrInvalidInput, "holder_name is required")
	}
	if !strings.Contains(in.HolderEmail, "@") {
		return errors.Wrap(ErrInvalidInput, "holder_email is invalid")
	}
	return ValidateQuantity(in.Quantity)
}

// MaxOrderQuantity caps the tickets a single order may request.
const MaxOrderQuantity = 10000

func ValidateQuantity(q int) error {
	if q <= 0 {
		return errors.Wrapf(ErrInvalidInput, "quantity must be positive, got %d", q)
	}
	if q > MaxOrderQuantity {
		return errors.Wrapf(ErrInvalidInput, "quantity must not exceed %d, got %d", MaxOrderQuantity, q)
	}
	return nil
}

func NewOrder(in OrderInput, now time.Time) Order {
	return Order{
		ID:             uuid.New(),
		TicketTypeID:   in.TicketTypeID,
		HolderName:     strings.TrimSpace(in.HolderName),
		HolderEmail:    strings.TrimSpace(in.HolderEmail),
		Quantity:       in.Quantity,
		CreatedAt:      now,
		DispatchStatus: DispatchPending,
	}
}

// OrderFilter selects the orders of one ticket type. Term matches holder name
// or email as a case-insensitive substring; empty Statuses means any status.
type OrderFilter struct {
	TicketTypeID uuid.UUID
	Term         string
	Statuses     []DispatchStatus
	Ascending    bool
}
