package authz_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance/internal/authz"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events map[uuid.UUID]authz.EventInfo

func (e events) OwnerAndName(_ context.Context, id uuid.UUID) (authz.EventInfo, error) {
	info, ok := e[id]
	if !ok {
		return authz.EventInfo{}, domain.ErrNotFound
	}
	return info, nil
}

type caps struct {
	granted map[string]bool
	calls   int
}

func (c *caps) HasCapability(_ context.Context, eventID, userID uuid.UUID, capability string) (bool, error) {
	c.calls++
	return c.granted[eventID.String()+userID.String()+capability], nil
}

func TestAuthorizer_OwnerImpliesEveryCapability(t *testing.T) {
	eventID, owner := uuid.New(), uuid.New()
	c := &caps{}
	a := authz.New(events{eventID: {OwnerID: owner, Name: "Fest"}}, c)

	ok, err := a.Can(context.Background(), eventID, owner, domain.CapabilityScan)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, c.calls, "owner should not need a capability lookup")
}

func TestAuthorizer_StaffCapability(t *testing.T) {
	eventID, owner, staff, stranger := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	c := &caps{granted: map[string]bool{eventID.String() + staff.String() + domain.CapabilityScan: true}}
	a := authz.New(events{eventID: {OwnerID: owner}}, c)

	ok, err := a.Can(context.Background(), eventID, staff, domain.CapabilityScan)
	require.NoError(t, err)
	assert.True(t, ok)

	err = a.Require(context.Background(), eventID, staff, domain.CapabilityRegisterGuests)
	assert.True(t, errors.Is(err, domain.ErrAccessDenied))

	err = a.Require(context.Background(), eventID, stranger, domain.CapabilityScan)
	assert.True(t, errors.Is(err, domain.ErrAccessDenied))
}

func TestAuthorizer_RequireOwner(t *testing.T) {
	eventID, owner := uuid.New(), uuid.New()
	a := authz.New(events{eventID: {OwnerID: owner, Name: "Fest"}}, &caps{})

	info, err := a.RequireOwner(context.Background(), eventID, owner)
	require.NoError(t, err)
	assert.Equal(t, "Fest", info.Name)

	_, err = a.RequireOwner(context.Background(), eventID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotOwner))

	_, err = a.RequireOwner(context.Background(), uuid.New(), owner)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
