// Package escrow holds the collaborators the ledger pays out through: the
// fungible settlement token and the registry of collateral tokens.
package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance is returned by Transfer when the sender cannot cover the amount.
	ErrInsufficientBalance = errors.New("escrow: transfer amount exceeds balance")
	// ErrInvalidAmount rejects nil or negative amounts.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
)

// Token moves settlement funds between accounts.
type Token interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Collateral answers whether a non-fungible collateral token exists.
type Collateral interface {
	Exists(ctx context.Context, contract common.Address, tokenID *big.Int) (bool, error)
}

// TransferEvent mirrors the token's Transfer log.
type TransferEvent struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() >= 0
}
