package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-issuance/internal/adapters/crdb"
	"github.com/robertarktes/ticket-issuance/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/ticket-issuance/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-issuance/internal/adapters/redis"
	"github.com/robertarktes/ticket-issuance/internal/authz"
	"github.com/robertarktes/ticket-issuance/internal/catalog"
	"github.com/robertarktes/ticket-issuance/internal/checkin"
	"github.com/robertarktes/ticket-issuance/internal/codegen"
	"github.com/robertarktes/ticket-issuance/internal/collab"
	"github.com/robertarktes/ticket-issuance/internal/config"
	httphandler "github.com/robertarktes/ticket-issuance/internal/http"
	"github.com/robertarktes/ticket-issuance/internal/idempotency"
	"github.com/robertarktes/ticket-issuance/internal/issuance"
	"github.com/robertarktes/ticket-issuance/internal/observability"
	"github.com/robertarktes/ticket-issuance/internal/rateLimit"
	"github.com/robertarktes/ticket-issuance/internal/registry"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"
)

// store is satisfied by both the CockroachDB repository and the in-memory
// store.
type store interface {
	catalog.Store
	registry.Store
	issuance.Store
	checkin.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("api stopped")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	shutdown, err := observability.SetupOTel(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "setup otel")
	}
	defer shutdown()

	ready := map[string]httphandler.Pinger{}

	var st store
	if cfg.CRDBDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return errors.Wrap(err, "connect to crdb")
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		ready["crdb"] = repo
		st = repo
	} else {
		logger.Warn("CRDB_DSN not set, using in-memory store")
		st = memory.NewStore()
	}

	var (
		mongoDB *mongo.Database
		audit   *mongoadapter.AuditLogger
	)
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return errors.Wrap(err, "connect to mongo")
		}
		defer client.Disconnect(context.Background())
		mongoDB = client.Database(cfg.MongoDB)
		audit = mongoadapter.NewAuditLogger(mongoDB, logger)
		ready["mongo"] = httphandler.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		})
	}

	collabCfg := func(url string) collab.Config {
		return collab.Config{BaseURL: url, Timeout: cfg.CollabTimeout, Retries: cfg.CollabRetries}
	}

	var (
		events authz.EventDirectory
		caps   authz.CapabilityStore
	)
	switch {
	case cfg.EventsURL != "":
		events = collab.NewEvents(collabCfg(cfg.EventsURL))
		caps = collab.NewPermissions(collabCfg(cfg.EventsURL))
	case mongoDB != nil:
		dir := mongoadapter.NewEventDirectory(mongoDB, logger)
		events, caps = dir, dir
	default:
		return errors.New("either EVENTS_URL or MONGO_URI must be set")
	}
	if cfg.NotificationsURL == "" {
		return errors.New("NOTIFICATIONS_URL must be set")
	}
	notifier := collab.NewNotifier(collabCfg(cfg.NotificationsURL))
	az := authz.New(events, caps)

	var engineOpts []issuance.Option
	var checkinAudit checkin.Auditor
	if audit != nil {
		engineOpts = append(engineOpts, issuance.WithAuditor(audit))
		checkinAudit = audit
	}

	handlers := httphandler.NewHandlers(
		catalog.NewService(st, az),
		registry.New(st, az),
		issuance.NewEngine(st, az, notifier, codegen.New(), logger, engineOpts...),
		checkin.NewMachine(st, az, checkinAudit, logger),
		ready,
	)

	var (
		rl    *rateLimit.RateLimiter
		idemp *idempotency.Idempotency
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := redisadapter.NewCache(redisClient)
		ready["redis"] = cache
		rl = rateLimit.NewRateLimiter(cache, cfg.RateLimit, time.Minute, logger)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, logger)
	} else {
		logger.Warn("REDIS_ADDR not set, idempotency and rate limiting disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, logger, rl, idemp),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
