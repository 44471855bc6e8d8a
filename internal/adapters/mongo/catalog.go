package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/authz"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventDirectory answers ownership and staff capability questions from an
// events collection. It stands in for the remote event service when none is
// configured.
type EventDirectory struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewEventDirectory(db *mongo.Database, logger observability.Logger) *EventDirectory {
	return &EventDirectory{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

type EventDoc struct {
	ID        string     `bson:"_id"`
	Name      string     `bson:"name"`
	OwnerID   string     `bson:"owner_id"`
	Staff     []StaffDoc `bson:"staff"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

type StaffDoc struct {
	UserID       string   `bson:"user_id"`
	Capabilities []string `bson:"capabilities"`
}

func (d *EventDirectory) getEvent(ctx context.Context, id uuid.UUID) (*EventDoc, error) {
	var event EventDoc
	err := d.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		d.logger.WithField("event_id", id).Error("failed to get event: ", err)
		return nil, err
	}
	return &event, nil
}

func (d *EventDirectory) OwnerAndName(ctx context.Context, eventID uuid.UUID) (authz.EventInfo, error) {
	event, err := d.getEvent(ctx, eventID)
	if err != nil {
		return authz.EventInfo{}, err
	}
	owner, err := uuid.Parse(event.OwnerID)
	if err != nil {
		return authz.EventInfo{}, domain.Integrity("event %s has malformed owner %q", eventID, event.OwnerID)
	}
	return authz.EventInfo{OwnerID: owner, Name: event.Name}, nil
}

func (d *EventDirectory) HasCapability(ctx context.Context, eventID, userID uuid.UUID, capability string) (bool, error) {
	n, err := d.coll.CountDocuments(ctx, bson.M{
		"_id": eventID.String(),
		"staff": bson.M{"$elemMatch": bson.M{
			"user_id":      userID.String(),
			"capabilities": capability,
		}},
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertEvent creates or replaces an event document.
func (d *EventDirectory) UpsertEvent(ctx context.Context, event EventDoc) error {
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	_, err := d.coll.ReplaceOne(ctx, bson.M{"_id": event.ID}, event, options.Replace().SetUpsert(true))
	if err != nil {
		d.logger.WithField("event_id", event.ID).Error("failed to upsert event: ", err)
		return err
	}
	return nil
}

// Grant adds capability to userID on the event, creating the staff entry
// when needed.
func (d *EventDirectory) Grant(ctx context.Context, eventID, userID uuid.UUID, capability string) error {
	res, err := d.coll.UpdateOne(ctx,
		bson.M{"_id": eventID.String(), "staff.user_id": userID.String()},
		bson.M{
			"$addToSet": bson.M{"staff.$.capabilities": capability},
			"$set":      bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	res, err = d.coll.UpdateOne(ctx,
		bson.M{"_id": eventID.String()},
		bson.M{
			"$push": bson.M{"staff": StaffDoc{UserID: userID.String(), Capabilities: []string{capability}}},
			"$set":  bson.M{"updated_at": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(domain.ErrNotFound, "event %s", eventID)
	}
	return nil
}
