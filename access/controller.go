package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleServer Role = "server"
)

var (
	// ErrUnauthorized is matched by every MissingRoleError.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrLastAdmin signals an attempt to leave the system without an admin.
	ErrLastAdmin = errors.New("access: cannot remove the last admin")
	// ErrInvalidRole signals a role name outside the supported set.
	ErrInvalidRole = errors.New("access: invalid role")
)

// MissingRoleError reports a caller holding none of the required roles.
type MissingRoleError struct {
	Account common.Address
	Roles   []Role
}

func (e *MissingRoleError) Error() string {
	names := make([]string, len(e.Roles))
	for i, r := range e.Roles {
		names[i] = string(r)
	}
	return fmt.Sprintf("account %s is missing role %s", e.Account.Hex(), strings.Join(names, "|"))
}

func (e *MissingRoleError) Is(target error) bool {
	return target == ErrUnauthorized
}

// Grant is a single role membership.
type Grant struct {
	Role    Role
	Account common.Address
}

// GrantStore persists role memberships. A nil store keeps grants in memory only.
type GrantStore interface {
	LoadGrants(ctx context.Context) ([]Grant, error)
	SaveGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, g Grant) error
}

// Controller answers "may this caller do that" for the ledger.
type Controller struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
	store   GrantStore
}

// NewController seeds the admin and server roles. Persisted grants, when a
// store is given, are loaded on top of the seeds.
func NewController(ctx context.Context, store GrantStore, admin, server common.Address) (*Controller, error) {
	c := &Controller{
		members: map[Role]map[common.Address]struct{}{
			RoleAdmin:  {},
			RoleServer: {},
		},
		store: store,
	}
	seeds := []Grant{{Role: RoleAdmin, Account: admin}, {Role: RoleServer, Account: server}}
	for _, g := range seeds {
		if g.Account == (common.Address{}) {
			continue
		}
		c.members[g.Role][g.Account] = struct{}{}
	}
	if store == nil {
		return c, nil
	}

	persisted, err := store.LoadGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("access: load grants: %w", err)
	}
	for _, g := range persisted {
		if !IsValidRole(g.Role) {
			log.WithField("role", g.Role).Warn("ignoring persisted grant with unknown role")
			continue
		}
		c.members[g.Role][g.Account] = struct{}{}
	}
	for _, g := range seeds {
		if g.Account == (common.Address{}) {
			continue
		}
		if err := store.SaveGrant(ctx, g); err != nil {
			return nil, fmt.Errorf("access: seed %s: %w", g.Role, err)
		}
	}
	return c, nil
}

func (c *Controller) HasRole(role Role, account common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[role][account]
	return ok
}

// Require succeeds when caller holds at least one of roles.
func (c *Controller) Require(caller common.Address, roles ...Role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, role := range roles {
		if _, ok := c.members[role][caller]; ok {
			return nil
		}
	}
	return &MissingRoleError{Account: caller, Roles: roles}
}

// Grant adds account to role. Only admins may grant.
func (c *Controller) Grant(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if !IsValidRole(role) {
		return fmt.Errorf("%w %q", ErrInvalidRole, role)
	}
	if account == (common.Address{}) {
		return fmt.Errorf("access: zero address cannot hold %s", role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[RoleAdmin][caller]; !ok {
		return &MissingRoleError{Account: caller, Roles: []Role{RoleAdmin}}
	}
	if _, ok := c.members[role][account]; ok {
		return nil
	}
	if c.store != nil {
		if err := c.store.SaveGrant(ctx, Grant{Role: role, Account: account}); err != nil {
			return fmt.Errorf("access: grant: %w", err)
		}
	}
	c.members[role][account] = struct{}{}
	log.WithFields(log.Fields{"role": role, "account": account.Hex(), "caller": caller.Hex()}).Info("role granted")
	return nil
}

// Revoke removes account from role. Only admins may revoke.
func (c *Controller) Revoke(ctx context.Context, caller common.Address, role Role, account common.Address) error {
	if !IsValidRole(role) {
		return fmt.Errorf("%w %q", ErrInvalidRole, role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[RoleAdmin][caller]; !ok {
		return &MissingRoleError{Account: caller, Roles: []Role{RoleAdmin}}
	}
	return c.revokeLocked(ctx, role, account)
}

// Renounce drops one of the caller's own roles.
func (c *Controller) Renounce(ctx context.Context, caller common.Address, role Role) error {
	if !IsValidRole(role) {
		return fmt.Errorf("%w %q", ErrInvalidRole, role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revokeLocked(ctx, role, caller)
}

func (c *Controller) revokeLocked(ctx context.Context, role Role, account common.Address) error {
	if _, ok := c.members[role][account]; !ok {
		return nil
	}
	if role == RoleAdmin && len(c.members[RoleAdmin]) == 1 {
		return ErrLastAdmin
	}
	if c.store != nil {
		if err := c.store.DeleteGrant(ctx, Grant{Role: role, Account: account}); err != nil {
			return fmt.Errorf("access: revoke: %w", err)
		}
	}
	delete(c.members[role], account)
	log.WithFields(log.Fields{"role": role, "account": account.Hex()}).Info("role revoked")
	return nil
}

// Members lists the holders of role in address order.
func (c *Controller) Members(role Role) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.members[role]))
	for a := range c.members[role] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleServer:
		return true
	default:
		return false
	}
}
