package dispute

import (
	"fmt"
	"math/big"
	"time"

	"disputeflow/arbiter"

	"github.com/ethereum/go-ethereum/common"
)

// State is the dispute lifecycle. Open is the only non-terminal state.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StateOpen
	case "closed":
		*s = StateClosed
	case "cancelled":
		*s = StateCancelled
	default:
		return fmt.Errorf("dispute: unknown state %q", b)
	}
	return nil
}

// Side identifies a party. SideUnset is the winner before finalization.
type Side int

const (
	SideUnset Side = iota
	SidePayer
	SidePayee
)

func (s Side) String() string {
	switch s {
	case SideUnset:
		return "unset"
	case SidePayer:
		return "payer"
	case SidePayee:
		return "payee"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unset", "":
		*s = SideUnset
	case "payer":
		*s = SidePayer
	case "payee":
		*s = SidePayee
	default:
		return fmt.Errorf("dispute: unknown side %q", b)
	}
	return nil
}

// Collateral references a non-fungible token attached to a dispute.
type Collateral struct {
	Contract common.Address
	TokenID  *big.Int
}

// Dispute is one arbitration case. VoteCount always equals the number of
// voted arbiter records.
type Dispute struct {
	Index      uint64
	Payer      common.Address
	Payee      common.Address
	Collateral *Collateral
	USDValue   *big.Int
	TokenValue *big.Int
	State      State
	IsAuto     bool
	HasClaim   bool
	Winner     Side
	VoteCount  int
	Claimed    bool
	Arbiters   *arbiter.Registry
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	out := *d
	out.USDValue = copyInt(d.USDValue)
	out.TokenValue = copyInt(d.TokenValue)
	if d.Collateral != nil {
		out.Collateral = &Collateral{Contract: d.Collateral.Contract, TokenID: copyInt(d.Collateral.TokenID)}
	}
	if d.Arbiters != nil {
		out.Arbiters = d.Arbiters.Clone()
	} else {
		out.Arbiters = arbiter.NewRegistry()
	}
	return &out
}

// SideAddress returns the current address of side.
func (d *Dispute) SideAddress(side Side) common.Address {
	switch side {
	case SidePayer:
		return d.Payer
	case SidePayee:
		return d.Payee
	default:
		return common.Address{}
	}
}

// Votes returns the records of arbiters that have voted.
func (d *Dispute) Votes() []arbiter.Record {
	out := make([]arbiter.Record, 0, d.VoteCount)
	for rec := range d.Arbiters.All() {
		if rec.Voted {
			out = append(out, rec)
		}
	}
	return out
}

// Claimable reports whether the dispute holds an unpaid settlement.
func (d *Dispute) Claimable() bool {
	return d.State == StateClosed && !d.Claimed && d.TokenValue != nil
}

func (d *Dispute) checkVoteCount() error {
	if voted := d.Arbiters.Voted(); voted != d.VoteCount {
		return fmt.Errorf("dispute: %d: vote count %d disagrees with %d voted arbiters", d.Index, d.VoteCount, voted)
	}
	return nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
