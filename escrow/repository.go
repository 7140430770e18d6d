package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGToken keeps balances in escrow_balances and appends every movement to
// escrow_transfers. Amounts cross the wire as decimal text.
type PGToken struct {
	pool *pgxpool.Pool
}

func NewPGToken(pool *pgxpool.Pool) *PGToken {
	return &PGToken{pool: pool}
}

func (t *PGToken) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var raw string
	err := t.pool.QueryRow(ctx, `SELECT balance::text FROM escrow_balances WHERE account = $1`, account.Hex()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("escrow: balance: %w", err)
	}
	return parseAmount(raw)
}

// Deposit credits account, recording a mint-style transfer.
func (t *PGToken) Deposit(ctx context.Context, account common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := credit(ctx, tx, account, amount); err != nil {
		return err
	}
	if err := logTransfer(ctx, tx, nil, account, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit deposit: %w", err)
	}
	return nil
}

func (t *PGToken) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	const debitSQL = `
		UPDATE escrow_balances
		SET balance = balance - $2::text::numeric, updated_at = now()
		WHERE account = $1 AND balance >= $2::text::numeric
	`
	tag, err := tx.Exec(ctx, debitSQL, from.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("escrow: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s needs %s", ErrInsufficientBalance, from.Hex(), amount)
	}
	if err := credit(ctx, tx, to, amount); err != nil {
		return err
	}
	if err := logTransfer(ctx, tx, &from, to, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit transfer: %w", err)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, account common.Address, amount *big.Int) error {
	const upsertSQL = `
		INSERT INTO escrow_balances (account, balance)
		VALUES ($1, $2::text::numeric)
		ON CONFLICT (account) DO UPDATE
		SET balance = escrow_balances.balance + EXCLUDED.balance, updated_at = now()
	`
	if _, err := tx.Exec(ctx, upsertSQL, account.Hex(), amount.String()); err != nil {
		return fmt.Errorf("escrow: credit: %w", err)
	}
	return nil
}

func logTransfer(ctx context.Context, tx pgx.Tx, from *common.Address, to common.Address, amount *big.Int) error {
	var fromHex *string
	if from != nil {
		h := from.Hex()
		fromHex = &h
	}
	const insertSQL = `
		INSERT INTO escrow_transfers (from_account, to_account, amount)
		VALUES ($1, $2, $3::text::numeric)
	`
	if _, err := tx.Exec(ctx, insertSQL, fromHex, to.Hex(), amount.String()); err != nil {
		return fmt.Errorf("escrow: log transfer: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: malformed amount %q", raw)
	}
	return v, nil
}

// PGCollateral reads collateral ownership from collateral_tokens.
type PGCollateral struct {
	pool *pgxpool.Pool
}

func NewPGCollateral(pool *pgxpool.Pool) *PGCollateral {
	return &PGCollateral{pool: pool}
}

func (c *PGCollateral) Exists(ctx context.Context, contract common.Address, tokenID *big.Int) (bool, error) {
	if tokenID == nil {
		return false, nil
	}
	const query = `SELECT EXISTS (SELECT 1 FROM collateral_tokens WHERE contract = $1 AND token_id = $2)`
	var ok bool
	if err := c.pool.QueryRow(ctx, query, contract.Hex(), tokenID.String()).Scan(&ok); err != nil {
		return false, fmt.Errorf("escrow: collateral lookup: %w", err)
	}
	return ok, nil
}

// Register records a minted collateral token.
func (c *PGCollateral) Register(ctx context.Context, contract common.Address, tokenID *big.Int, owner common.Address) error {
	if !validAmount(tokenID) {
		return fmt.Errorf("escrow: invalid token id")
	}
	const insertSQL = `
		INSERT INTO collateral_tokens (contract, token_id, owner)
		VALUES ($1, $2, $3)
		ON CONFLICT (contract, token_id) DO UPDATE SET owner = EXCLUDED.owner
	`
	if _, err := c.pool.Exec(ctx, insertSQL, contract.Hex(), tokenID.String(), owner.Hex()); err != nil {
		return fmt.Errorf("escrow: register collateral: %w", err)
	}
	return nil
}
