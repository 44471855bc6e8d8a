package collab

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/authz"
)

// Events resolves the owner and display name of an event.
type Events struct{ c *client }

func NewEvents(cfg Config) *Events {
	return &Events{c: newClient("events", cfg)}
}

func (e *Events) OwnerAndName(ctx context.Context, eventID uuid.UUID) (authz.EventInfo, error) {
	var info authz.EventInfo
	err := e.c.getJSON(ctx, "owner", "/api/events/"+url.PathEscape(eventID.String()), &info)
	return info, err
}

// Permissions checks staff capabilities granted on an event.
type Permissions struct{ c *client }

func NewPermissions(cfg Config) *Permissions {
	return &Permissions{c: newClient("permissions", cfg)}
}

func (p *Permissions) HasCapability(ctx context.Context, eventID, userID uuid.UUID, capability string) (bool, error) {
	q := url.Values{}
	q.Set("user_id", userID.String())
	q.Set("capability", capability)
	var out struct {
		Allowed bool `json:"allowed"`
	}
	path := "/api/events/" + url.PathEscape(eventID.String()) + "/permissions/check?" + q.Encode()
	if err := p.c.getJSON(ctx, "check", path, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}
