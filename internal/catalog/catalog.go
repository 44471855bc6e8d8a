// Package catalog manages the ticket types of an event. Only the event owner
// may create, change or delete them.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/authz"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateTicketType(ctx context.Context, tt domain.TicketType) error
	GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error)
	ListTicketTypesByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error)
	SearchTicketTypes(ctx context.Context, name string) ([]domain.TicketType, error)
	UpdateTicketType(ctx context.Context, tt domain.TicketType) (*domain.TicketType, error)
	// DeleteTicketType removes the ticket type with its orders and tickets.
	DeleteTicketType(ctx context.Context, id uuid.UUID) error
}

type Owners interface {
	RequireOwner(ctx context.Context, eventID, actorID uuid.UUID) (authz.EventInfo, error)
}

type Service struct {
	store  Store
	owners Owners
}

func NewService(store Store, owners Owners) *Service {
	return &Service{store: store, owners: owners}
}

// Input carries the editable fields of a ticket type.
type Input struct {
	EventID       uuid.UUID       `json:"event_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	TotalCapacity int             `json:"total_capacity"`
	StartsAt      *time.Time      `json:"starts_at,omitempty"`
	EndsAt        *time.Time      `json:"ends_at,omitempty"`
	Inactive      bool            `json:"inactive"`
}

func (in Input) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return errors.Wrap(domain.ErrInvalidInput, "name is required")
	case in.TotalCapacity < 0:
		return errors.Wrapf(domain.ErrInvalidInput, "negative capacity %d", in.TotalCapacity)
	case in.Price.IsNegative():
		return errors.Wrapf(domain.ErrInvalidInput, "negative price %s", in.Price)
	case in.StartsAt != nil && in.EndsAt != nil && in.EndsAt.Before(*in.StartsAt):
		return errors.Wrap(domain.ErrInvalidInput, "sale window ends before it starts")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, actorID uuid.UUID, in Input) (*domain.TicketType, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.owners.RequireOwner(ctx, in.EventID, actorID); err != nil {
		return nil, err
	}
	tt := domain.TicketType{
		ID:            uuid.New(),
		EventID:       in.EventID,
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		Price:         in.Price,
		TotalCapacity: in.TotalCapacity,
		StartsAt:      in.StartsAt,
		EndsAt:        in.EndsAt,
		Status:        domain.TicketTypeActive,
	}
	if in.Inactive {
		tt.Status = domain.TicketTypeInactive
	}
	if err := s.store.CreateTicketType(ctx, tt); err != nil {
		return nil, err
	}
	return &tt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	return s.store.GetTicketType(ctx, id)
}

func (s *Service) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	return s.store.ListTicketTypesByEvent(ctx, eventID)
}

// Search matches name as a case-insensitive substring. A blank term matches
// nothing.
func (s *Service) Search(ctx context.Context, name string) ([]domain.TicketType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return []domain.TicketType{}, nil
	}
	return s.store.SearchTicketTypes(ctx, name)
}

// Update replaces the editable fields of ticket type id. The event cannot
// change and the capacity may not drop below the issued count.
func (s *Service) Update(ctx context.Context, actorID, id uuid.UUID, in Input) (*domain.TicketType, error) {
	cur, err := s.store.GetTicketType(ctx, id)
	if err != nil {
		return nil, err
	}
	in.EventID = cur.EventID
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.owners.RequireOwner(ctx, cur.EventID, actorID); err != nil {
		return nil, err
	}
	next := *cur
	next.Name = strings.TrimSpace(in.Name)
	next.Description = in.Description
	next.Price = in.Price
	next.TotalCapacity = in.TotalCapacity
	next.StartsAt, next.EndsAt = in.StartsAt, in.EndsAt
	next.Status = domain.TicketTypeActive
	if in.Inactive {
		next.Status = domain.TicketTypeInactive
	}
	return s.store.UpdateTicketType(ctx, next)
}

func (s *Service) Delete(ctx context.Context, actorID, id uuid.UUID) error {
	cur, err := s.store.GetTicketType(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.owners.RequireOwner(ctx, cur.EventID, actorID); err != nil {
		return err
	}
	return s.store.DeleteTicketType(ctx, id)
}
