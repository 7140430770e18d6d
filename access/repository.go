package access

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGGrantStore keeps role memberships in the role_grants table.
type PGGrantStore struct {
	pool *pgxpool.Pool
}

func NewGrantStore(pool *pgxpool.Pool) *PGGrantStore {
	return &PGGrantStore{pool: pool}
}

func (s *PGGrantStore) LoadGrants(ctx context.Context) ([]Grant, error) {
	rows, err := s.pool.Query(ctx, `SELECT role, account FROM role_grants ORDER BY granted_at`)
	if err != nil {
		return nil, fmt.Errorf("access: load grants: %w", err)
	}
	defer rows.Close()

	out := make([]Grant, 0, 4)
	for rows.Next() {
		var role, account string
		if err := rows.Scan(&role, &account); err != nil {
			return nil, fmt.Errorf("access: scan grant: %w", err)
		}
		out = append(out, Grant{Role: Role(role), Account: common.HexToAddress(account)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("access: iterate grants: %w", err)
	}
	return out, nil
}

func (s *PGGrantStore) SaveGrant(ctx context.Context, g Grant) error {
	const insertSQL = `
		INSERT INTO role_grants (role, account)
		VALUES ($1, $2)
		ON CONFLICT (role, account) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, insertSQL, string(g.Role), g.Account.Hex()); err != nil {
		return fmt.Errorf("access: save grant: %w", err)
	}
	return nil
}

func (s *PGGrantStore) DeleteGrant(ctx context.Context, g Grant) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM role_grants WHERE role = $1 AND account = $2`, string(g.Role), g.Account.Hex()); err != nil {
		return fmt.Errorf("access: delete grant: %w", err)
	}
	return nil
}
