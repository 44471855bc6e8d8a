package ledger_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/adapters/memory"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticketType(total, issued int) domain.TicketType {
	return domain.TicketType{ID: uuid.New(), TotalCapacity: total, IssuedCount: issued, Status: domain.TicketTypeActive}
}

func TestReserve_Shortfall(t *testing.T) {
	tt := ticketType(10, 9)
	err := ledger.Reserve(&tt, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 1, short.Shortfall)
	assert.Equal(t, 1, short.Available)
	assert.Equal(t, 9, tt.IssuedCount)
}

func TestReserve_HugeQuantityDoesNotWrap(t *testing.T) {
	tt := ticketType(10, 4)
	err := ledger.Reserve(&tt, math.MaxInt)
	var short *domain.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 6, short.Available)
	assert.Equal(t, math.MaxInt-6, short.Shortfall)
	assert.Equal(t, 4, tt.IssuedCount)
	assert.Equal(t, domain.TicketTypeActive, tt.Status)
}

func TestDemand_Saturates(t *testing.T) {
	orders := []domain.Order{{Quantity: 3}, {Quantity: 4}}
	assert.Equal(t, 7, ledger.Demand(orders))

	orders = []domain.Order{{Quantity: math.MaxInt/2 + 1}, {Quantity: math.MaxInt/2 + 1}}
	assert.Equal(t, math.MaxInt, ledger.Demand(orders))
	assert.True(t, errors.Is(ledger.Check(ticketType(10, 0), ledger.Demand(orders)), domain.ErrInsufficientStock))
}

func TestReserve_SoldOutAndBack(t *testing.T) {
	tt := ticketType(3, 0)
	require.NoError(t, ledger.Reserve(&tt, 3))
	assert.Equal(t, domain.TicketTypeSoldOut, tt.Status)

	require.NoError(t, ledger.Release(&tt, 2))
	assert.Equal(t, 1, tt.IssuedCount)
	assert.Equal(t, domain.TicketTypeActive, tt.Status)
}

func TestReserve_ZeroCapacity(t *testing.T) {
	tt := ticketType(0, 0)
	require.NoError(t, ledger.Reserve(&tt, 0))
	err := ledger.Reserve(&tt, 1)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
	assert.Equal(t, domain.TicketTypeActive, tt.Status)
}

func TestReserve_Inactive(t *testing.T) {
	tt := ticketType(10, 0)
	tt.Status = domain.TicketTypeInactive
	assert.True(t, errors.Is(ledger.Reserve(&tt, 1), domain.ErrTicketTypeClosed))
	require.NoError(t, ledger.Release(&tt, 0))
	assert.Equal(t, domain.TicketTypeInactive, tt.Status)
}

func TestRelease_BeyondIssued(t *testing.T) {
	tt := ticketType(10, 1)
	err := ledger.Release(&tt, 2)
	assert.True(t, errors.Is(err, domain.ErrIntegrity))
	assert.Equal(t, 1, tt.IssuedCount)
}

func TestCheck_Negative(t *testing.T) {
	assert.True(t, errors.Is(ledger.Check(ticketType(1, 0), -1), domain.ErrInvalidInput))
}

func TestMemoryLedger_RejectsNegativeRelease(t *testing.T) {
	store := memory.NewStore()
	tt := ticketType(10, 2)
	require.NoError(t, store.CreateTicketType(context.Background(), tt))

	var l ledger.Ledger = store
	assert.True(t, errors.Is(l.Release(context.Background(), tt.ID, -3), domain.ErrInvalidInput))
	assert.True(t, errors.Is(l.Reserve(context.Background(), tt.ID, math.MaxInt), domain.ErrInsufficientStock))

	got, err := store.GetTicketType(context.Background(), tt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.IssuedCount)
}

func TestMemoryLedger_NeverOversells(t *testing.T) {
	store := memory.NewStore()
	tt := ticketType(10, 0)
	require.NoError(t, store.CreateTicketType(context.Background(), tt))

	var l ledger.Ledger = store
	var ok, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(context.Background(), tt.ID, 1)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, domain.ErrInsufficientStock):
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok)
	assert.EqualValues(t, 15, rejected)
	got, err := store.GetTicketType(context.Background(), tt.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.IssuedCount)
	assert.Equal(t, domain.TicketTypeSoldOut, got.Status)
}

func TestLocks_SerializeSameKey(t *testing.T) {
	locks := ledger.NewLocks()
	id := uuid.New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(id)
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)

	unlock := locks.Lock(id)
	other := locks.Lock(uuid.New())
	other()
	unlock()
}
