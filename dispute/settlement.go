package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"disputeflow/access"
	"disputeflow/escrow"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// usdScale is the fixed-point scale of usdValue (6 decimals).
var usdScale = big.NewInt(1_000_000)

// SettlementAmount converts a dispute value into settlement token units.
// With a USD value the rate is token units per whole USD; without one the
// rate is taken as the raw token amount.
func SettlementAmount(usdValue, rate *big.Int) *big.Int {
	if usdValue == nil || usdValue.Sign() == 0 {
		return new(big.Int).Set(rate)
	}
	v := new(big.Int).Mul(usdValue, rate)
	return v.Quo(v, usdScale)
}

// Finalize closes an open dispute, fixing the winner and the settlement
// amount. Without force every arbiter must have voted. A tied tally needs
// force and then goes to the payee. Auto disputes are paid out in the same
// call; a failed payout leaves the dispute open.
func (l *Ledger) Finalize(ctx context.Context, caller common.Address, index uint64, force bool, rate *big.Int) (_ *Dispute, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("finalize", caller, &index, err) }()

	if err := l.authorize(caller, access.RoleServer); err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, wrap(ErrInvalidAmount, errors.New("conversion rate must be positive"))
	}

	return l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		if d.State != StateOpen {
			return nil, ErrDisputeClosed
		}
		if !force && d.VoteCount != d.Arbiters.Size() {
			return nil, wrap(ErrVotesIncomplete, fmt.Errorf("%d of %d votes", d.VoteCount, d.Arbiters.Size()))
		}

		payerVotes, payeeVotes := d.Arbiters.Tally()
		switch {
		case payerVotes > payeeVotes:
			d.Winner = SidePayer
		case payeeVotes > payerVotes:
			d.Winner = SidePayee
		case force:
			d.Winner = SidePayee
		default:
			return nil, wrap(ErrTiedVote, fmt.Errorf("%d to %d", payerVotes, payeeVotes))
		}

		amount := SettlementAmount(d.USDValue, rate)
		// An auto payout leaves the vault at once, so it may only spend
		// what no closed, unclaimed dispute is already owed.
		if l.reserveFunds {
			if err := l.reserve(ctx, amount); err != nil {
				return nil, err
			}
		}
		d.TokenValue = amount
		d.State = StateClosed

		events := []Event{l.event(index, TopicFinalized, map[string]any{
			"winner":      d.Winner.String(),
			"payer_votes": payerVotes,
			"payee_votes": payeeVotes,
			"token_value": amount.String(),
			"forced":      force,
		})}
		if d.IsAuto {
			paid, err := l.payout(ctx, d, true)
			if err != nil {
				return nil, err
			}
			events = append(events, paid)
		}
		return events, nil
	})
}

// Claim pays the settlement of a closed dispute to the winner. The winner's
// current side address or a server may call it, once.
func (l *Ledger) Claim(ctx context.Context, caller common.Address, index uint64) (_ *Dispute, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() { l.logCall("claim", caller, &index, err) }()

	return l.apply(ctx, index, func(d *Dispute) ([]Event, error) {
		switch d.State {
		case StateCancelled:
			return nil, ErrDisputeClosed
		case StateOpen:
			return nil, ErrNotFinalized
		}
		if d.Claimed {
			return nil, ErrAlreadyClaimed
		}
		if caller != d.SideAddress(d.Winner) && !l.isServer(caller) {
			return nil, ErrNotAllowedToClaim
		}
		if !d.IsAuto && !d.HasClaim {
			return nil, ErrCannotClaim
		}
		paid, err := l.payout(ctx, d, false)
		if err != nil {
			return nil, err
		}
		return []Event{paid}, nil
	})
}

// payout transfers the settlement from the vault and marks the dispute
// claimed. The transfer is not rolled back if the following store write
// fails; that case is logged for reconciliation.
func (l *Ledger) payout(ctx context.Context, d *Dispute, auto bool) (Event, error) {
	to := d.SideAddress(d.Winner)
	if err := l.token.Transfer(ctx, l.vault, to, d.TokenValue); err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			return Event{}, wrap(ErrTransferExceedsBalance, err)
		}
		return Event{}, fmt.Errorf("dispute: %d: transfer: %w", d.Index, err)
	}
	d.Claimed = true
	log.WithFields(log.Fields{
		"dispute": d.Index,
		"to":      to.Hex(),
		"amount":  d.TokenValue.String(),
		"auto":    auto,
	}).Info("settlement transferred")
	return l.event(d.Index, TopicFundsClaimed, map[string]any{
		"to":     to.Hex(),
		"side":   d.Winner.String(),
		"amount": d.TokenValue.String(),
		"auto":   auto,
	}), nil
}

// reserve checks that the vault holds amount on top of every settlement
// already owed to closed, unclaimed disputes.
func (l *Ledger) reserve(ctx context.Context, amount *big.Int) error {
	owed, err := l.outstanding(ctx)
	if err != nil {
		return err
	}
	balance, err := l.token.BalanceOf(ctx, l.vault)
	if err != nil {
		return fmt.Errorf("dispute: vault balance: %w", err)
	}
	free := new(big.Int).Sub(balance, owed)
	if free.Cmp(amount) < 0 {
		return wrap(ErrUnreservedShortfall, fmt.Errorf("free %s, owed %s, needs %s", free, owed, amount))
	}
	return nil
}

func (l *Ledger) outstanding(ctx context.Context) (*big.Int, error) {
	all, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	total := new(big.Int)
	for _, d := range all {
		if d.Claimable() {
			total.Add(total, d.TokenValue)
		}
	}
	return total, nil
}
