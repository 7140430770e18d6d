package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("auth: address already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByAddress(ctx context.Context, address common.Address) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Address      common.Address
	DisplayName  string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateAccount inserts a new account with hashed password.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (address, display_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, address, display_name, password_hash, created_at, updated_at
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Address.Hex(), params.DisplayName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAddress
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return account, nil
}

// GetAccountByAddress retrieves an account by its address.
func (r *PGRepository) GetAccountByAddress(ctx context.Context, address common.Address) (Account, error) {
	const selectSQL = `
		SELECT id, address, display_name, password_hash, created_at, updated_at
		FROM accounts
		WHERE address = $1
	`

	account, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, address.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account: %w", err)
	}

	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		account Account
		address string
	)
	err := row.Scan(
		&account.ID,
		&address,
		&account.DisplayName,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	account.Address = common.HexToAddress(address)
	return account, nil
}

// MemoryRepository keeps accounts in process memory. It backs the API when
// no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[common.Address]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[common.Address]Account)}
}

func (m *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[params.Address]; exists {
		return Account{}, ErrDuplicateAddress
	}
	now := time.Now().UTC()
	account := Account{
		ID:           uuid.NewString(),
		Address:      params.Address,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.accounts[params.Address] = account
	return account, nil
}

func (m *MemoryRepository) GetAccountByAddress(_ context.Context, address common.Address) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[address]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}
