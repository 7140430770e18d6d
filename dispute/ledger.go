package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"disputeflow/access"
	"disputeflow/arbiter"
	"disputeflow/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Authorizer is the slice of access.Controller the ledger depends on.
type Authorizer interface {
	Require(caller common.Address, roles ...access.Role) error
}

// Ledger owns every dispute and is the only writer to its Store. Mutating
// calls are serialised and all-or-nothing: each works on a private copy of
// the dispute and commits it, with its events, in a single store write.
type Ledger struct {
	mu           sync.Mutex
	store        Store
	acl          Authorizer
	token        escrow.Token
	collateral   escrow.Collateral
	vault        common.Address
	defaultAuto  bool
	reserveFunds bool
	newID        func() string
	now          func() time.Time
}

// NewLedger wires a ledger paying out of vault through token.
func NewLedger(store Store, acl Authorizer, token escrow.Token, collateral escrow.Collateral, vault common.Address) *Ledger {
	return &Ledger{
		store:      store,
		acl:        acl,
		token:      token,
		collateral: collateral,
		vault:      vault,
		newID:      func() string { return uuid.NewString() },
		now:        time.Now,
	}
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.newID = gen
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithDefaultAuto sets the isAuto flag given to new disputes.
func (l *Ledger) WithDefaultAuto(auto bool) *Ledger {
	l.defaultAuto = auto
	return l
}

// WithFundReservation makes finalize check the settlement amount against the
// vault balance not yet owed to other closed disputes. The check applies to
// auto disputes too, whose payout must not draw on another dispute's share.
func (l *Ledger) WithFundReservation(on bool) *Ledger {
	l.reserveFunds = on
	return l
}

// CreateParams describes a new dispute.
type CreateParams struct {
	Payer      common.Address
	Payee      common.Address
	HasClaim   bool
	Collateral *Collateral
	USDValue   *big.Int
	Arbiters   []common.Address
}

// Create opens a dispute. A duplicate arbiter rejects the whole call.
func (l *Ledger) Create(ctx context.Context, caller common.Address, p CreateParams) (_ *Dispute, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var created *uint64
	defer func() { l.logCall("create", caller, created, err) }()

	if err := l.authorize(caller, access.RoleServer); err != nil {
		return nil, err
	}
	if p.Payer == (common.Address{}) || p.Payee == (common.Address{}) {
		return nil, wrap(ErrInvalidAddress, errors.New("payer and payee are required"))
	}
	usd := p.USDValue
	if usd == nil {
		usd = new(big.Int)
	}
	if usd.Sign() < 0 {
		return nil, wrap(ErrInvalidAmount, fmt.Errorf("usd value %s", usd))
	}

	registry := arbiter.NewRegistry()
	for _, a := range p.Arbiters {
		if a == (common.Address{}) {
			return nil, wrap(ErrInvalidAddress, errors.New("zero arbiter address"))
		}
		if err := registry.Add(a); err != nil {
			return nil, wrap(ErrDuplicateArbiter, err)
		}
	}

	var collateral *Collateral
	if p.Collateral != nil {
		ok, err := l.collateral.Exists(ctx, p.Collateral.Contract, p.Collateral.TokenID)
		if err != nil {
			return nil, fmt.Errorf("dispute: check collateral: %w", err)
		}
		if !ok {
			return nil, ErrMissingCollateral
		}
		collateral = &Collateral{Contract: p.Collateral.Contract, TokenID: copyInt(p.Collateral.TokenID)}
	}

	now := l.now()
	d := &Dispute{
		Payer:      p.Payer,
		Payee:      p.Payee,
		Collateral: collateral,
		USDValue:   new(big.Int).Set(usd),
		State:      StateOpen,
		IsAuto:     l.defaultAuto,
		HasClaim:   p.HasClaim,
		Winner:     SideUnset,
		Arbiters:   registry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	payload := map[string]any{
		"payer":     d.Payer.Hex(),
		"payee":     d.Payee.Hex(),
		"usd_value": d.USDValue.String(),
		"has_claim": d.HasClaim,
		"is_auto":   d.IsAuto,
		"arbiters":  hexAddresses(registry.Addresses()),
	}
	if collateral != nil {
		payload["collateral_contract"] = collateral.Contract.Hex()
		payload["collateral_token_id"] = collateral.TokenID.String()
	}
	createdEvent := l.event(0, TopicCreated, payload)

	if err := l.store.Create(ctx, d, []Event{createdEvent}); err != nil {
		return nil, fmt.Errorf("dispute: create: %w", err)
	}
	created = &d.Index
	return d, nil
}

// AddArbiter registers a new arbiter on an open dispute.
func (l *Ledger) AddArbiter(ctx context.Context, caller common.Address, index uint64, addr common.Address) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("add_arbiter", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer, access.RoleAdmin); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return wrap(ErrInvalidAddress, errors.New("zero arbiter address"))
	}
	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		if err := d.Arbiters.Add(addr); err != nil {
			return nil, wrap(ErrDuplicateArbiter, err)
		}
		return []Event{l.event(index, TopicArbiterAdded, map[string]any{
			"arbiter": addr.Hex(),
		})}, nil
	})
	return err
}

// RemoveArbiter drops an arbiter from an open dispute. A vote already cast by
// that arbiter is withdrawn with it.
func (l *Ledger) RemoveArbiter(ctx context.Context, caller common.Address, index uint64, addr common.Address) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("remove_arbiter", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer, access.RoleAdmin); err != nil {
		return err
	}
	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		removed, err := d.Arbiters.Remove(addr)
		if err != nil {
			return nil, wrap(ErrUnknownArbiter, err)
		}
		if removed.Voted {
			d.VoteCount--
		}
		return []Event{l.event(index, TopicArbiterRemoved, map[string]any{
			"arbiter":   addr.Hex(),
			"had_voted": removed.Voted,
		})}, nil
	})
	return err
}

// Cancel moves an open dispute to the terminal Cancelled state.
func (l *Ledger) Cancel(ctx context.Context, caller common.Address, index uint64) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("cancel", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer); err != nil {
		return err
	}
	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		d.State = StateCancelled
		return []Event{l.event(index, TopicCancelled, nil)}, nil
	})
	return err
}

// ToggleAuto flips whether the dispute settles at finalization.
func (l *Ledger) ToggleAuto(ctx context.Context, caller common.Address, index uint64) (_ bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("toggle_auto", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer, access.RoleAdmin); err != nil {
		return false, err
	}
	d, err := l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		old := d.IsAuto
		d.IsAuto = !old
		return []Event{l.event(index, TopicAutoToggled, map[string]any{"old": old, "new": d.IsAuto})}, nil
	})
	if err != nil {
		return false, err
	}
	return d.IsAuto, nil
}

// ToggleHasClaim flips whether the winner may pull funds with Claim.
func (l *Ledger) ToggleHasClaim(ctx context.Context, caller common.Address, index uint64) (_ bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("toggle_has_claim", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer, access.RoleAdmin); err != nil {
		return false, err
	}
	d, err := l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		old := d.HasClaim
		d.HasClaim = !old
		return []Event{l.event(index, TopicClaimToggled, map[string]any{"old": old, "new": d.HasClaim})}, nil
	})
	if err != nil {
		return false, err
	}
	return d.HasClaim, nil
}

// UpdateSide replaces the address of the payer or payee.
func (l *Ledger) UpdateSide(ctx context.Context, caller common.Address, index uint64, side Side, addr common.Address) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("update_side", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer, access.RoleAdmin); err != nil {
		return err
	}
	if side != SidePayer && side != SidePayee {
		return wrap(ErrUnknownSide, fmt.Errorf("side %s", side))
	}
	if addr == (common.Address{}) {
		return wrap(ErrInvalidAddress, errors.New("zero side address"))
	}
	_, err = l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		var old common.Address
		if side == SidePayer {
			old, d.Payer = d.Payer, addr
		} else {
			old, d.Payee = d.Payee, addr
		}
		return []Event{l.event(index, TopicSideUpdated, map[string]any{
			"side": side.String(),
			"old":  old.Hex(),
			"new":  addr.Hex(),
		})}, nil
	})
	return err
}

// UpdateSideA replaces the payer address.
func (l *Ledger) UpdateSideA(ctx context.Context, caller common.Address, index uint64, addr common.Address) error {
	return l.UpdateSide(ctx, caller, index, SidePayer, addr)
}

// UpdateSideB replaces the payee address.
func (l *Ledger) UpdateSideB(ctx context.Context, caller common.Address, index uint64, addr common.Address) error {
	return l.UpdateSide(ctx, caller, index, SidePayee, addr)
}

// apply runs fn against a private copy of dispute index and commits the copy
// with the events fn returns. Nothing is written when fn fails.
// The caller holds l.mu.
func (l *Ledger) apply(ctx context.Context, index uint64, fn func(d *Dispute) ([]Event, error)) (*Dispute, error) {
	d, err := l.load(ctx, index)
	if err != nil {
		return nil, err
	}
	events, err := fn(d)
	if err != nil {
		return nil, err
	}
	if err := d.checkVoteCount(); err != nil {
		return nil, err
	}
	d.UpdatedAt = l.now()
	if err := l.store.Save(ctx, d, events); err != nil {
		return nil, fmt.Errorf("dispute: save %d: %w", index, err)
	}
	return d, nil
}

func (l *Ledger) load(ctx context.Context, index uint64) (*Dispute, error) {
	d, err := l.store.Get(ctx, index)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dispute: load %d: %w", index, err)
	}
	return d, nil
}

func (l *Ledger) authorize(caller common.Address, roles ...access.Role) error {
	if err := l.acl.Require(caller, roles...); err != nil {
		return wrap(ErrMissingRole, err)
	}
	return nil
}

func (l *Ledger) isServer(caller common.Address) bool {
	return l.acl.Require(caller, access.RoleServer) == nil
}

func (l *Ledger) logCall(op string, caller common.Address, index *uint64, err error) {
	fields := log.Fields{"op": op, "caller": caller.Hex()}
	if index != nil {
		fields["dispute"] = *index
	}
	entry := log.WithFields(fields)
	var domainErr *Error
	switch {
	case err == nil:
		entry.Info("dispute call committed")
	case errors.As(err, &domainErr):
		entry.WithField("reason", domainErr.Reason).Debug("dispute call rejected")
	default:
		entry.WithError(err).Warn("dispute call failed")
	}
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
