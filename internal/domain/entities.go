package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TicketTypeStatus string

const (
	TicketTypeActive   TicketTypeStatus = "ACTIVE"
	TicketTypeSoldOut  TicketTypeStatus = "SOLD_OUT"
	TicketTypeInactive TicketTypeStatus = "INACTIVE"
)

type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "PENDING"
	DispatchSent      DispatchStatus = "SENT"
	DispatchSendError DispatchStatus = "SEND_ERROR"
)

type UsageStatus string

const (
	UsageUnused UsageStatus = "UNUSED"
	UsageUsed   UsageStatus = "USED"
	UsageVoid   UsageStatus = "VOID"
)

// Capabilities a staff member may hold for one event.
const (
	CapabilityScan           = "scan"
	CapabilityRegisterGuests = "register-guests"
	CapabilityVoidTickets    = "void-tickets"
)

type TicketType struct {
	ID            uuid.UUID        `json:"id"`
	EventID       uuid.UUID        `json:"event_id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Price         decimal.Decimal  `json:"price"`
	TotalCapacity int              `json:"total_capacity"`
	IssuedCount   int              `json:"issued_count"`
	StartsAt      *time.Time       `json:"starts_at,omitempty"`
	EndsAt        *time.Time       `json:"ends_at,omitempty"`
	Status        TicketTypeStatus `json:"status"`
}

// Remaining is the stock still available for reservation.
func (t TicketType) Remaining() int {
	return t.TotalCapacity - t.IssuedCount
}

type Order struct {
	ID             uuid.UUID      `json:"id"`
	TicketTypeID   uuid.UUID      `json:"ticket_type_id"`
	HolderName     string         `json:"holder_name"`
	HolderEmail    string         `json:"holder_email"`
	Quantity       int            `json:"quantity"`
	CreatedAt      time.Time      `json:"created_at"`
	DispatchStatus DispatchStatus `json:"dispatch_status"`
}

// StockCommitted reports whether the order already holds its reservation.
func (o Order) StockCommitted() bool {
	return o.DispatchStatus == DispatchSent || o.DispatchStatus == DispatchSendError
}

type Ticket struct {
	ID           uuid.UUID   `json:"id"`
	OrderID      uuid.UUID   `json:"order_id"`
	TicketTypeID uuid.UUID   `json:"ticket_type_id"`
	Code         string      `json:"code"`
	IssuedAt     time.Time   `json:"issued_at"`
	UsageStatus  UsageStatus `json:"usage_status"`
	UsedAt       *time.Time  `json:"used_at,omitempty"`
}
