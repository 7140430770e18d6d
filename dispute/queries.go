package dispute

import (
	"context"
	"fmt"
	"math/big"

	"disputeflow/arbiter"

	"github.com/ethereum/go-ethereum/common"
)

// StatusFilter narrows listings by lifecycle. Closed covers Cancelled too.
type StatusFilter string

const (
	StatusAny    StatusFilter = ""
	StatusOpen   StatusFilter = "open"
	StatusClosed StatusFilter = "closed"
)

// Filter selects disputes for a party. A zero Party matches everyone and
// SideUnset matches either side.
type Filter struct {
	Party  common.Address
	Side   Side
	Status StatusFilter
}

func (f Filter) matches(d *Dispute) bool {
	if f.Party != (common.Address{}) {
		switch f.Side {
		case SidePayer:
			if d.Payer != f.Party {
				return false
			}
		case SidePayee:
			if d.Payee != f.Party {
				return false
			}
		default:
			if d.Payer != f.Party && d.Payee != f.Party {
				return false
			}
		}
	}
	switch f.Status {
	case StatusOpen:
		return d.State == StateOpen
	case StatusClosed:
		return d.State != StateOpen
	}
	return true
}

func (l *Ledger) Get(ctx context.Context, index uint64) (*Dispute, error) {
	return l.load(ctx, index)
}

// All returns every dispute in index order.
func (l *Ledger) All(ctx context.Context) ([]*Dispute, error) {
	out, err := l.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	return out, nil
}

func (l *Ledger) Find(ctx context.Context, f Filter) ([]*Dispute, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Dispute, 0, len(all))
	for _, d := range all {
		if f.matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ByPayer lists the disputes where party is the payer, open or closed.
func (l *Ledger) ByPayer(ctx context.Context, party common.Address, open bool) ([]*Dispute, error) {
	return l.Find(ctx, Filter{Party: party, Side: SidePayer, Status: statusOf(open)})
}

// ByPayee lists the disputes where party is the payee, open or closed.
func (l *Ledger) ByPayee(ctx context.Context, party common.Address, open bool) ([]*Dispute, error) {
	return l.Find(ctx, Filter{Party: party, Side: SidePayee, Status: statusOf(open)})
}

// Votes returns the records of the arbiters that voted on index.
func (l *Ledger) Votes(ctx context.Context, index uint64) ([]arbiter.Record, error) {
	d, err := l.load(ctx, index)
	if err != nil {
		return nil, err
	}
	return d.Votes(), nil
}

func (l *Ledger) Events(ctx context.Context, index uint64) ([]Event, error) {
	events, err := l.store.Events(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("dispute: events %d: %w", index, err)
	}
	return events, nil
}

// Outstanding sums the settlements owed to closed, unclaimed disputes.
func (l *Ledger) Outstanding(ctx context.Context) (*big.Int, error) {
	return l.outstanding(ctx)
}

func statusOf(open bool) StatusFilter {
	if open {
		return StatusOpen
	}
	return StatusClosed
}
