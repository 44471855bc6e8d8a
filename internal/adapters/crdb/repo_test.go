package crdb_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-issuance/internal/adapters/crdb"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRepository(t *testing.T) (*crdb.Repository, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { crdbContainer.Terminate(ctx) })

	dsn, err := crdbContainer.PortEndpoint(ctx, "26257/tcp", "postgresql")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn+"/defaultdb?sslmode=disable&user=root")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	require.NoError(t, repo.Migrate(ctx))
	return repo, pool
}

func seedTicketType(t *testing.T, repo *crdb.Repository, total, issued int) domain.TicketType {
	t.Helper()
	tt := domain.TicketType{
		ID:            uuid.New(),
		EventID:       uuid.New(),
		Name:          "General",
		Price:         decimal.RequireFromString("35.50"),
		TotalCapacity: total,
		IssuedCount:   issued,
		Status:        domain.TicketTypeActive,
	}
	require.NoError(t, repo.CreateTicketType(context.Background(), tt))
	return tt
}

func seedOrder(t *testing.T, repo *crdb.Repository, tt domain.TicketType, name string, qty int, at time.Time) domain.Order {
	t.Helper()
	o := domain.NewOrder(domain.OrderInput{
		TicketTypeID: tt.ID,
		HolderName:   name,
		HolderEmail:  name + "@example.com",
		Quantity:     qty,
	}, at)
	require.NoError(t, repo.CreateOrders(context.Background(), []domain.Order{o}))
	return o
}

func TestRepository(t *testing.T) {
	repo, pool := newRepository(t)
	ctx := context.Background()

	t.Run("ticket type round trip", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.True(t, got.Price.Equal(tt.Price))
		assert.Equal(t, domain.TicketTypeActive, got.Status)

		_, err = repo.GetTicketType(ctx, uuid.New())
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		found, err := repo.SearchTicketTypes(ctx, "gener")
		require.NoError(t, err)
		assert.NotEmpty(t, found)
	})

	t.Run("reserve rejects quantities that would overflow", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 4)
		err := repo.Reserve(ctx, tt.ID, math.MaxInt)
		var short *domain.InsufficientStockError
		require.True(t, errors.As(err, &short))
		assert.Equal(t, 6, short.Available)

		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, got.IssuedCount)
	})

	t.Run("reserve reports shortfall and mutates nothing", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 9)
		err := repo.Reserve(ctx, tt.ID, 2)
		var short *domain.InsufficientStockError
		require.True(t, errors.As(err, &short))
		assert.Equal(t, 1, short.Shortfall)

		require.NoError(t, repo.Reserve(ctx, tt.ID, 1))
		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.IssuedCount)
		assert.Equal(t, domain.TicketTypeSoldOut, got.Status)

		require.NoError(t, repo.Release(ctx, tt.ID, 4))
		got, err = repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 6, got.IssuedCount)
		assert.Equal(t, domain.TicketTypeActive, got.Status)
	})

	t.Run("concurrent reservations never oversell", func(t *testing.T) {
		tt := seedTicketType(t, repo, 5, 0)
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				repo.Reserve(ctx, tt.ID, 1)
			}()
		}
		wg.Wait()
		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.IssuedCount, 5)
	})

	t.Run("commit stock moves orders and reserves", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		now := time.Now().UTC()
		a := seedOrder(t, repo, tt, "ana", 4, now)
		b := seedOrder(t, repo, tt, "ben", 5, now.Add(time.Second))

		require.NoError(t, repo.CommitStock(ctx, tt.ID, []domain.Order{a, b}))
		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 9, got.IssuedCount)

		orders, err := repo.ListOrders(ctx, domain.OrderFilter{TicketTypeID: tt.ID, Ascending: true})
		require.NoError(t, err)
		require.Len(t, orders, 2)
		assert.Equal(t, a.ID, orders[0].ID)
		for _, o := range orders {
			assert.Equal(t, domain.DispatchSendError, o.DispatchStatus)
		}

		err = repo.CommitStock(ctx, tt.ID, []domain.Order{a})
		assert.True(t, errors.Is(err, domain.ErrConflict))
		_, err = repo.UpdateOrderQuantity(ctx, a.ID, 1)
		assert.True(t, errors.Is(err, domain.ErrQuantityLocked))
	})

	t.Run("commit stock shortfall rolls back the orders", func(t *testing.T) {
		tt := seedTicketType(t, repo, 3, 0)
		o := seedOrder(t, repo, tt, "carla", 4, time.Now().UTC())
		err := repo.CommitStock(ctx, tt.ID, []domain.Order{o})
		assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
		got, err := repo.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchPending, got.DispatchStatus)
	})

	t.Run("ticket codes are unique", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		a := seedOrder(t, repo, tt, "dan", 1, time.Now().UTC())
		b := seedOrder(t, repo, tt, "eve", 1, time.Now().UTC())
		code := uuid.NewString()
		ticket := func(orderID uuid.UUID) domain.Ticket {
			return domain.Ticket{ID: uuid.New(), OrderID: orderID, TicketTypeID: tt.ID, Code: code, IssuedAt: time.Now().UTC(), UsageStatus: domain.UsageUnused}
		}
		require.NoError(t, repo.CommitStock(ctx, tt.ID, []domain.Order{a, b}))
		require.NoError(t, repo.ReplaceTickets(ctx, a.ID, []domain.Ticket{ticket(a.ID)}))
		err := repo.ReplaceTickets(ctx, b.ID, []domain.Ticket{ticket(b.ID)})
		assert.True(t, errors.Is(err, domain.ErrConflict))

		tickets, err := repo.ListTickets(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, tickets)
	})

	t.Run("replace tickets requires committed undelivered order", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		o := seedOrder(t, repo, tt, "ian", 1, time.Now().UTC())
		ticket := func() domain.Ticket {
			return domain.Ticket{ID: uuid.New(), OrderID: o.ID, TicketTypeID: tt.ID, Code: uuid.NewString(), IssuedAt: time.Now().UTC(), UsageStatus: domain.UsageUnused}
		}
		err := repo.ReplaceTickets(ctx, o.ID, []domain.Ticket{ticket()})
		assert.True(t, errors.Is(err, domain.ErrConflict))

		require.NoError(t, repo.CommitStock(ctx, tt.ID, []domain.Order{o}))
		delivered := ticket()
		require.NoError(t, repo.ReplaceTickets(ctx, o.ID, []domain.Ticket{delivered}))
		require.NoError(t, repo.RecordDispatch(ctx, o.ID, domain.DispatchSent))

		err = repo.ReplaceTickets(ctx, o.ID, []domain.Ticket{ticket()})
		assert.True(t, errors.Is(err, domain.ErrAlreadyIssued))
		got, err := repo.GetTicketByCode(ctx, delivered.Code)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.OrderID)

		err = repo.ReplaceTickets(ctx, uuid.New(), nil)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("transition is a single winner compare and swap", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		o := seedOrder(t, repo, tt, "fay", 1, time.Now().UTC())
		tk := domain.Ticket{ID: uuid.New(), OrderID: o.ID, TicketTypeID: tt.ID, Code: uuid.NewString(), IssuedAt: time.Now().UTC(), UsageStatus: domain.UsageUnused}
		require.NoError(t, repo.CommitStock(ctx, tt.ID, []domain.Order{o}))
		require.NoError(t, repo.ReplaceTickets(ctx, o.ID, []domain.Ticket{tk}))

		at := time.Now().UTC().Truncate(time.Microsecond)
		ok, err := repo.TransitionTicket(ctx, tk.ID, domain.UsageUnused, domain.UsageUsed, at)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repo.TransitionTicket(ctx, tk.ID, domain.UsageUnused, domain.UsageUsed, at.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetTicketByCode(ctx, tk.Code)
		require.NoError(t, err)
		assert.Equal(t, domain.UsageUsed, got.UsageStatus)
		require.NotNil(t, got.UsedAt)
		assert.True(t, got.UsedAt.Equal(at))

		var events int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT count(*) FROM outbox WHERE aggregate_id = $1 AND event_type = $2`, tk.ID, crdb.EventTicketRedeemed).Scan(&events))
		assert.Equal(t, 1, events)

		_, err = repo.TransitionTicket(ctx, uuid.New(), domain.UsageUnused, domain.UsageUsed, at)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("delete order releases committed stock", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		o := seedOrder(t, repo, tt, "gus", 3, time.Now().UTC())
		require.NoError(t, repo.CommitStock(ctx, tt.ID, []domain.Order{o}))
		require.NoError(t, repo.RecordDispatch(ctx, o.ID, domain.DispatchSent))
		require.NoError(t, repo.DeleteOrder(ctx, o.ID))

		got, err := repo.GetTicketType(ctx, tt.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.IssuedCount)

		records, err := repo.GetUnpublishedOutbox(ctx, 100)
		require.NoError(t, err)
		var sent bool
		for _, rec := range records {
			if rec.AggregateID == o.ID && rec.EventType == crdb.EventOrderSent {
				sent = true
				require.NoError(t, repo.MarkPublished(ctx, rec.ID, time.Now()))
			}
		}
		assert.True(t, sent)
	})

	t.Run("update ticket type keeps capacity above issued", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 6)
		tt.TotalCapacity = 5
		_, err := repo.UpdateTicketType(ctx, tt)
		assert.True(t, errors.Is(err, domain.ErrConflict))

		tt.TotalCapacity = 6
		updated, err := repo.UpdateTicketType(ctx, tt)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketTypeSoldOut, updated.Status)

		require.NoError(t, repo.DeleteTicketType(ctx, tt.ID))
		assert.True(t, errors.Is(repo.DeleteTicketType(ctx, tt.ID), domain.ErrNotFound))
	})

	t.Run("list orders filters by holder", func(t *testing.T) {
		tt := seedTicketType(t, repo, 10, 0)
		now := time.Now().UTC()
		seedOrder(t, repo, tt, "hana", 1, now)
		seedOrder(t, repo, tt, "ivan", 1, now.Add(time.Second))

		orders, err := repo.ListOrders(ctx, domain.OrderFilter{TicketTypeID: tt.ID, Term: "HAN"})
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, "hana", orders[0].HolderName)

		orders, err = repo.ListOrders(ctx, domain.OrderFilter{TicketTypeID: tt.ID, Statuses: []domain.DispatchStatus{domain.DispatchSent}})
		require.NoError(t, err)
		assert.Empty(t, orders)
	})
}
