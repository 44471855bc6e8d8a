package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_OwnerAndName(t *testing.T) {
	event, owner := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events/"+event.String() {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"owner_id": owner.String(), "name": "Rock Night"})
	}))
	defer srv.Close()

	events := NewEvents(Config{BaseURL: srv.URL, Timeout: time.Second})
	info, err := events.OwnerAndName(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, owner, info.OwnerID)
	assert.Equal(t, "Rock Night", info.Name)

	_, err = events.OwnerAndName(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPermissions_HasCapability(t *testing.T) {
	event, staff := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		allowed := q.Get("user_id") == staff.String() && q.Get("capability") == domain.CapabilityScan
		json.NewEncoder(w).Encode(map[string]bool{"allowed": allowed})
	}))
	defer srv.Close()

	perms := NewPermissions(Config{BaseURL: srv.URL})
	ok, err := perms.HasCapability(context.Background(), event, staff, domain.CapabilityScan)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = perms.HasCapability(context.Background(), event, staff, domain.CapabilityVoidTickets)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRead_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"allowed": true})
	}))
	defer srv.Close()

	ok, err := NewPermissions(Config{BaseURL: srv.URL, Retries: 2}).
		HasCapability(context.Background(), uuid.New(), uuid.New(), domain.CapabilityScan)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestRead_NoRetriesByDefault(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewEvents(Config{BaseURL: srv.URL}).OwnerAndName(context.Background(), uuid.New())
	require.Error(t, err)
	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRead_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewEvents(Config{BaseURL: srv.URL, Retries: 3}).OwnerAndName(context.Background(), uuid.New())
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRead_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewEvents(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}).OwnerAndName(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestNotifier_Deliver(t *testing.T) {
	var got domain.Delivery
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/notifications/tickets", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.RecipientEmail == "bounce@example.com" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(Config{BaseURL: srv.URL, Retries: 5})
	d := domain.Delivery{
		OrderID:        uuid.New(),
		RecipientEmail: "ana@example.com",
		Tickets:        []domain.DeliveryTicket{{Code: "ABC", Status: domain.UsageUnused}},
	}
	require.NoError(t, n.Deliver(context.Background(), d))
	assert.Equal(t, "ABC", got.Tickets[0].Code)

	d.RecipientEmail = "bounce@example.com"
	assert.Error(t, n.Deliver(context.Background(), d))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "deliveries are not retried")
}
