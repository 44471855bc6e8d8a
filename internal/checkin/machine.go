// Package checkin redeems ticket codes at the door. A ticket moves from
// UNUSED to USED at most once; later scans get a denial carrying the
// original usage.
package checkin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/observability"
)

const (
	MessageAccepted    = "ACCESS GRANTED"
	MessageAlreadyUsed = "Ticket already used. Access denied."
	MessageVoided      = "Ticket has been voided. Access denied."
)

type Store interface {
	GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error)
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	TransitionTicket(ctx context.Context, ticketID uuid.UUID, from, to domain.UsageStatus, at time.Time) (bool, error)
}

type Permissions interface {
	Can(ctx context.Context, eventID, actorID uuid.UUID, capability string) (bool, error)
}

// Auditor records decisions. It is fire-and-forget: implementations report
// their own write failures.
type Auditor interface {
	LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{})
}

type Result struct {
	Accepted       bool               `json:"accepted"`
	Message        string             `json:"message"`
	Code           string             `json:"code"`
	UsageStatus    domain.UsageStatus `json:"usage_status"`
	UsedAt         *time.Time         `json:"used_at,omitempty"`
	HolderName     string             `json:"holder_name,omitempty"`
	HolderEmail    string             `json:"holder_email,omitempty"`
	TicketTypeName string             `json:"ticket_type_name,omitempty"`
}

type Machine struct {
	store  Store
	perms  Permissions
	audit  Auditor
	logger observability.Logger
	now    func() time.Time
}

func NewMachine(store Store, perms Permissions, audit Auditor, logger observability.Logger) *Machine {
	if audit == nil {
		audit = nopAuditor{}
	}
	return &Machine{store: store, perms: perms, audit: audit, logger: logger, now: time.Now}
}

// Redeem validates code for actorID and marks the ticket used. The only
// errors are an unknown code, an integrity fault, a permission failure or
// an infrastructure failure; an already used ticket is a denial Result.
func (m *Machine) Redeem(ctx context.Context, actorID uuid.UUID, code string) (*Result, error) {
	ticket, tt, err := m.resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	if err := m.authorize(ctx, "checkin", tt, actorID, ticket.Code, domain.CapabilityScan); err != nil {
		return nil, err
	}

	switch ticket.UsageStatus {
	case domain.UsageUsed:
		return m.deny(ctx, actorID, *ticket, *tt, MessageAlreadyUsed), nil
	case domain.UsageVoid:
		return m.deny(ctx, actorID, *ticket, *tt, MessageVoided), nil
	}

	now := m.now()
	swapped, err := m.store.TransitionTicket(ctx, ticket.ID, domain.UsageUnused, domain.UsageUsed, now)
	if err != nil {
		return nil, errors.Wrapf(err, "mark ticket %s used", ticket.ID)
	}
	if !swapped {
		// A concurrent scan won; report what it recorded.
		current, err := m.store.GetTicketByCode(ctx, code)
		if err != nil {
			return nil, errors.Wrapf(err, "reload ticket %s", ticket.ID)
		}
		msg := MessageAlreadyUsed
		if current.UsageStatus == domain.UsageVoid {
			msg = MessageVoided
		}
		return m.deny(ctx, actorID, *current, *tt, msg), nil
	}

	ticket.UsageStatus = domain.UsageUsed
	ticket.UsedAt = &now
	res := m.result(ctx, *ticket, *tt, true, MessageAccepted)
	observability.Checkins.WithLabelValues("accepted").Inc()
	m.audit.LogEvent(ctx, "checkin.accepted", actorID, auditData(*ticket, *tt))
	return res, nil
}

// Void revokes an unused ticket. Voiding a void ticket is a no-op; a used
// ticket cannot be voided.
func (m *Machine) Void(ctx context.Context, actorID uuid.UUID, code string) (*domain.Ticket, error) {
	ticket, tt, err := m.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, "void", tt, actorID, ticket.Code, domain.CapabilityVoidTickets); err != nil {
		return nil, err
	}
	if ticket.UsageStatus == domain.UsageVoid {
		return ticket, nil
	}
	swapped, err := m.store.TransitionTicket(ctx, ticket.ID, domain.UsageUnused, domain.UsageVoid, m.now())
	if err != nil {
		return nil, errors.Wrapf(err, "void ticket %s", ticket.ID)
	}
	if !swapped {
		return nil, errors.Wrapf(domain.ErrConflict, "ticket %s is already used", ticket.Code)
	}
	ticket.UsageStatus = domain.UsageVoid
	m.audit.LogEvent(ctx, "ticket.voided", actorID, auditData(*ticket, *tt))
	return ticket, nil
}

func (m *Machine) resolve(ctx context.Context, code string) (*domain.Ticket, *domain.TicketType, error) {
	ticket, err := m.store.GetTicketByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		observability.Checkins.WithLabelValues("invalid_code").Inc()
		return nil, nil, errors.Wrapf(domain.ErrInvalidCode, "code %q", code)
	}
	if err != nil {
		return nil, nil, err
	}
	tt, err := m.store.GetTicketType(ctx, ticket.TicketTypeID)
	if errors.Is(err, domain.ErrNotFound) {
		m.logger.WithFields(map[string]interface{}{
			"ticket_id":      ticket.ID,
			"ticket_type_id": ticket.TicketTypeID,
		}).Error("ticket references a missing ticket type")
		return nil, nil, domain.Integrity("ticket %s references missing ticket type %s", ticket.ID, ticket.TicketTypeID)
	}
	if err != nil {
		return nil, nil, err
	}
	return ticket, tt, nil
}

// authorize runs exactly one permission check per call and audits it.
func (m *Machine) authorize(ctx context.Context, op string, tt *domain.TicketType, actorID uuid.UUID, code, capability string) error {
	ok, err := m.perms.Can(ctx, tt.EventID, actorID, capability)
	if err != nil {
		return err
	}
	if !ok {
		observability.Checkins.WithLabelValues("access_denied").Inc()
		m.audit.LogEvent(ctx, op+".access_denied", actorID, map[string]interface{}{
			"code":     code,
			"event_id": tt.EventID.String(),
		})
		return errors.Wrapf(domain.ErrAccessDenied, "actor %s may not %s on event %s", actorID, op, tt.EventID)
	}
	return nil
}

func (m *Machine) deny(ctx context.Context, actorID uuid.UUID, t domain.Ticket, tt domain.TicketType, msg string) *Result {
	observability.Checkins.WithLabelValues("denied").Inc()
	m.audit.LogEvent(ctx, "checkin.denied", actorID, auditData(t, tt))
	return m.result(ctx, t, tt, false, msg)
}

func (m *Machine) result(ctx context.Context, t domain.Ticket, tt domain.TicketType, accepted bool, msg string) *Result {
	res := &Result{
		Accepted:       accepted,
		Message:        msg,
		Code:           t.Code,
		UsageStatus:    t.UsageStatus,
		UsedAt:         t.UsedAt,
		TicketTypeName: tt.Name,
	}
	if o, err := m.store.GetOrder(ctx, t.OrderID); err == nil {
		res.HolderName, res.HolderEmail = o.HolderName, o.HolderEmail
	} else {
		m.logger.WithField("order_id", t.OrderID).Warn("order lookup for check-in display failed: ", err)
	}
	return res
}

func auditData(t domain.Ticket, tt domain.TicketType) map[string]interface{} {
	data := map[string]interface{}{
		"ticket_id":      t.ID.String(),
		"code":           t.Code,
		"order_id":       t.OrderID.String(),
		"ticket_type_id": tt.ID.String(),
		"event_id":       tt.EventID.String(),
		"usage_status":   string(t.UsageStatus),
	}
	if t.UsedAt != nil {
		data["used_at"] = t.UsedAt.Format(time.RFC3339)
	}
	return data
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, string, uuid.UUID, map[string]interface{}) {}
