package domain

import "github.com/google/uuid"

// Delivery is what the notification collaborator receives for one order.
type Delivery struct {
	OrderID        uuid.UUID        `json:"order_id"`
	RecipientEmail string           `json:"recipient_email"`
	RecipientName  string           `json:"recipient_name"`
	EventName      string           `json:"event_name"`
	TicketTypeID   uuid.UUID        `json:"ticket_type_id"`
	TicketTypeName string           `json:"ticket_type_name"`
	Tickets        []DeliveryTicket `json:"tickets"`
}

type DeliveryTicket struct {
	Code   string      `json:"code"`
	Status UsageStatus `json:"status"`
}
