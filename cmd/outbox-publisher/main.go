package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance/internal/adapters/crdb"
	"github.com/robertarktes/ticket-issuance/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-issuance/internal/config"
	"github.com/robertarktes/ticket-issuance/internal/observability"
	"github.com/robertarktes/ticket-issuance/internal/outbox"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("outbox publisher stopped")
		os.Exit(1)
	}
	logger.Info("Shutdown outbox publisher")
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	if cfg.CRDBDSN == "" || cfg.RabbitURL == "" {
		return errors.New("CRDB_DSN and RABBIT_URL must be set")
	}

	shutdownOtel, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "setup otel")
	}
	defer shutdownOtel()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		return errors.Wrap(err, "connect to crdb")
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return errors.Wrap(err, "connect to rabbitmq")
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		return errors.Wrap(err, "open publisher channel")
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(repo, rabbitPub, logger, cfg.OutboxInterval, cfg.OutboxBatch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return publisher.Run(gctx)
	})
	g.Go(func() error {
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok {
				return nil
			}
			return errors.Wrap(amqpErr, "rabbitmq connection closed")
		}
	})
	return g.Wait()
}
