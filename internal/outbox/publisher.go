// Package outbox relays committed domain events to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance/internal/adapters/crdb"
	"github.com/robertarktes/ticket-issuance/internal/observability"
)

type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	source   Source
	broker   Broker
	logger   observability.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(source Source, broker Broker, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{source: source, broker: broker, logger: logger, interval: interval, batch: batch}
}

// Run polls until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("outbox publisher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox poll failed")
			}
		}
	}
}

// RunOnce publishes one batch in creation order and stops at the first
// failed publish so that later events are not delivered ahead of it.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(time.Since(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Type:        rec.EventType,
			Body:        rec.Payload,
		}
		if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
			observability.RabbitPublishFailures.Inc()
			p.logger.WithFields(map[string]interface{}{
				"outbox_id":  rec.ID,
				"event_type": rec.EventType,
			}).Warn("publish failed: ", err)
			break
		}
		if err := p.source.MarkPublished(ctx, rec.ID, time.Now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
