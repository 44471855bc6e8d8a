package collab

import (
	"context"

	"github.com/robertarktes/ticket-issuance/internal/domain"
)

// Notifier hands ticket deliveries to the notification service. Calls are
// never retried here; a failed delivery is retried by issuing the order
// again.
type Notifier struct{ c *client }

func NewNotifier(cfg Config) *Notifier {
	return &Notifier{c: newClient("notifications", cfg)}
}

func (n *Notifier) Deliver(ctx context.Context, d domain.Delivery) error {
	return n.c.postJSON(ctx, "deliver", "/api/notifications/tickets", d)
}
