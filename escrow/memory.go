package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryToken is an in-process token ledger.
type MemoryToken struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	transfers []TransferEvent
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{balances: make(map[common.Address]*big.Int)}
}

// Mint credits amount to account out of thin air.
func (t *MemoryToken) Mint(account common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(account, amount)
	t.transfers = append(t.transfers, TransferEvent{To: account, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *MemoryToken) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bal, ok := t.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (t *MemoryToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), balanceString(bal), amount)
	}
	bal.Sub(bal, amount)
	t.credit(to, amount)
	t.transfers = append(t.transfers, TransferEvent{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfers returns the transfer log, mints included.
func (t *MemoryToken) Transfers() []TransferEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransferEvent, len(t.transfers))
	copy(out, t.transfers)
	return out
}

func (t *MemoryToken) credit(account common.Address, amount *big.Int) {
	if bal, ok := t.balances[account]; ok {
		bal.Add(bal, amount)
		return
	}
	t.balances[account] = new(big.Int).Set(amount)
}

func balanceString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

type collateralKey struct {
	contract common.Address
	tokenID  string
}

// MemoryCollateral tracks minted collateral tokens in process.
type MemoryCollateral struct {
	mu     sync.RWMutex
	tokens map[collateralKey]common.Address
}

func NewMemoryCollateral() *MemoryCollateral {
	return &MemoryCollateral{tokens: make(map[collateralKey]common.Address)}
}

// Mint records tokenID under contract as owned by owner.
func (c *MemoryCollateral) Mint(contract common.Address, tokenID *big.Int, owner common.Address) error {
	if !validAmount(tokenID) {
		return fmt.Errorf("escrow: invalid token id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[collateralKey{contract: contract, tokenID: tokenID.String()}] = owner
	return nil
}

func (c *MemoryCollateral) Exists(_ context.Context, contract common.Address, tokenID *big.Int) (bool, error) {
	if tokenID == nil {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tokens[collateralKey{contract: contract, tokenID: tokenID.String()}]
	return ok, nil
}
