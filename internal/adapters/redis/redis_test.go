package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/ticket-issuance/internal/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_IncrWindow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := redisadapter.NewCache(db)
	ctx := context.Background()

	mock.ExpectIncr("rl:actor").SetVal(3)
	mock.ExpectExpireNX("rl:actor", time.Minute).SetVal(false)

	n, err := cache.IncrWindow(ctx, "rl:actor", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_IncrWindowError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := redisadapter.NewCache(db)

	mock.ExpectIncr("rl:actor").SetErr(errors.New("connection refused"))
	mock.ExpectExpireNX("rl:actor", time.Minute).SetVal(true)

	_, err := cache.IncrWindow(context.Background(), "rl:actor", time.Minute)
	assert.Error(t, err)
}

func TestIdempotency_GetMissing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	idem := redisadapter.NewIdempotency(db)

	mock.ExpectGet("idemp:k1").RedisNil()
	resp, err := idem.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_SetThenGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	idem := redisadapter.NewIdempotency(db)
	ctx := context.Background()

	stored := redisadapter.IdempResponse{Status: 201, ContentType: "application/json", Result: []byte(`{"id":"1"}`)}
	data, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectSet("idemp:k1", data, time.Hour).SetVal("OK")
	require.NoError(t, idem.Set(ctx, "k1", stored, time.Hour))

	mock.ExpectGet("idemp:k1").SetVal(string(data))
	got, err := idem.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, stored, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_Lock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	idem := redisadapter.NewIdempotency(db)
	ctx := context.Background()

	mock.ExpectSetNX("idemp:lock:k1", 1, 30*time.Second).SetVal(true)
	mock.ExpectSetNX("idemp:lock:k1", 1, 30*time.Second).SetVal(false)
	mock.ExpectDel("idemp:lock:k1").SetVal(1)

	ok, err := idem.Lock(ctx, "k1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = idem.Lock(ctx, "k1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, idem.Unlock(ctx, "k1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
