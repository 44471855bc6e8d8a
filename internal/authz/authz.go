// Package authz answers one question: may this actor exercise a capability on
// an event. The event owner holds every capability.
package authz

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

type EventInfo struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Name    string    `json:"name"`
}

// EventDirectory is the event-ownership collaborator.
type EventDirectory interface {
	OwnerAndName(ctx context.Context, eventID uuid.UUID) (EventInfo, error)
}

// CapabilityStore is the staff-permission collaborator.
type CapabilityStore interface {
	HasCapability(ctx context.Context, eventID, userID uuid.UUID, capability string) (bool, error)
}

type Authorizer struct {
	events EventDirectory
	caps   CapabilityStore
}

func New(events EventDirectory, caps CapabilityStore) *Authorizer {
	return &Authorizer{events: events, caps: caps}
}

// Can reports whether actorID owns eventID or holds capability on it.
func (a *Authorizer) Can(ctx context.Context, eventID, actorID uuid.UUID, capability string) (bool, error) {
	info, err := a.events.OwnerAndName(ctx, eventID)
	if err != nil {
		return false, errors.Wrapf(err, "resolve owner of event %s", eventID)
	}
	if info.OwnerID == actorID {
		return true, nil
	}
	ok, err := a.caps.HasCapability(ctx, eventID, actorID, capability)
	if err != nil {
		return false, errors.Wrapf(err, "check %q capability on event %s", capability, eventID)
	}
	return ok, nil
}

// RequireOwner returns the event info when actorID owns eventID and
// domain.ErrNotOwner otherwise.
func (a *Authorizer) RequireOwner(ctx context.Context, eventID, actorID uuid.UUID) (EventInfo, error) {
	info, err := a.events.OwnerAndName(ctx, eventID)
	if err != nil {
		return EventInfo{}, errors.Wrapf(err, "resolve owner of event %s", eventID)
	}
	if info.OwnerID != actorID {
		return EventInfo{}, errors.Wrapf(domain.ErrNotOwner, "event %s", eventID)
	}
	return info, nil
}

// Require is Can with a denial mapped to domain.ErrAccessDenied.
func (a *Authorizer) Require(ctx context.Context, eventID, actorID uuid.UUID, capability string) error {
	ok, err := a.Can(ctx, eventID, actorID, capability)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(domain.ErrAccessDenied, "actor %s lacks %q on event %s", actorID, capability, eventID)
	}
	return nil
}
