package access_test

import (
	"context"
	"errors"
	"testing"

	"disputeflow/access"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	server   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type fakeGrantStore struct {
	grants  []access.Grant
	saved   []access.Grant
	deleted []access.Grant
	failAll error
}

func (f *fakeGrantStore) LoadGrants(context.Context) ([]access.Grant, error) {
	return f.grants, f.failAll
}

func (f *fakeGrantStore) SaveGrant(_ context.Context, g access.Grant) error {
	if f.failAll != nil {
		return f.failAll
	}
	f.saved = append(f.saved, g)
	return nil
}

func (f *fakeGrantStore) DeleteGrant(_ context.Context, g access.Grant) error {
	if f.failAll != nil {
		return f.failAll
	}
	f.deleted = append(f.deleted, g)
	return nil
}

func newController(t *testing.T) *access.Controller {
	t.Helper()
	c, err := access.NewController(context.Background(), nil, admin, server)
	require.NoError(t, err)
	return c
}

func TestRequire(t *testing.T) {
	c := newController(t)

	require.NoError(t, c.Require(server, access.RoleServer))
	require.NoError(t, c.Require(admin, access.RoleServer, access.RoleAdmin))

	err := c.Require(stranger, access.RoleServer, access.RoleAdmin)
	require.ErrorIs(t, err, access.ErrUnauthorized)
	var missing *access.MissingRoleError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, stranger, missing.Account)
	require.Contains(t, err.Error(), "server|admin")
}

func TestGrantRequiresAdmin(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	err := c.Grant(ctx, server, access.RoleServer, stranger)
	require.ErrorIs(t, err, access.ErrUnauthorized)
	require.False(t, c.HasRole(access.RoleServer, stranger))

	require.NoError(t, c.Grant(ctx, admin, access.RoleServer, stranger))
	require.True(t, c.HasRole(access.RoleServer, stranger))
	require.Len(t, c.Members(access.RoleServer), 2)
}

func TestGrantRejectsUnknownRole(t *testing.T) {
	c := newController(t)
	err := c.Grant(context.Background(), admin, access.Role("root"), stranger)
	require.ErrorIs(t, err, access.ErrInvalidRole)
}

func TestRevokeKeepsLastAdmin(t *testing.T) {
	c := newController(t)
	ctx := context.Background()

	require.ErrorIs(t, c.Revoke(ctx, admin, access.RoleAdmin, admin), access.ErrLastAdmin)
	require.NoError(t, c.Grant(ctx, admin, access.RoleAdmin, stranger))
	require.NoError(t, c.Revoke(ctx, stranger, access.RoleAdmin, admin))
	require.False(t, c.HasRole(access.RoleAdmin, admin))
}

func TestRenounce(t *testing.T) {
	c := newController(t)
	require.NoError(t, c.Renounce(context.Background(), server, access.RoleServer))
	require.False(t, c.HasRole(access.RoleServer, server))
}

func TestControllerPersistsGrants(t *testing.T) {
	store := &fakeGrantStore{grants: []access.Grant{{Role: access.RoleServer, Account: stranger}}}
	ctx := context.Background()

	c, err := access.NewController(ctx, store, admin, server)
	require.NoError(t, err)
	require.True(t, c.HasRole(access.RoleServer, stranger))
	require.Len(t, store.saved, 2)

	require.NoError(t, c.Revoke(ctx, admin, access.RoleServer, stranger))
	require.Equal(t, []access.Grant{{Role: access.RoleServer, Account: stranger}}, store.deleted)
}

func TestGrantStoreFailureLeavesMembershipUnchanged(t *testing.T) {
	store := &fakeGrantStore{}
	ctx := context.Background()
	c, err := access.NewController(ctx, store, admin, server)
	require.NoError(t, err)

	store.failAll = errors.New("connection reset")
	require.Error(t, c.Grant(ctx, admin, access.RoleServer, stranger))
	require.False(t, c.HasRole(access.RoleServer, stranger))
}
