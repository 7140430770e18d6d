package dispute_test

import (
	"context"
	"os"
	"testing"
	"time"

	"disputeflow/dispute"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// TestPGStore_Integration runs the store contract against a live PostgreSQL
// reachable through DATABASE_URL with the migrations applied.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"disputes", "dispute_arbiters", "dispute_events", "outbox"} {
		var exists bool
		require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists))
		if !exists {
			t.Skip("database schema missing; apply migrations/*.sql first")
		}
	}

	var existing int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM disputes`).Scan(&existing))
	if existing > 0 {
		t.Skip("disputes table is not empty; run against a fresh database")
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `TRUNCATE disputes, dispute_arbiters, dispute_events, outbox`)
	})

	store := dispute.NewPGStore(pool)
	storeContract(t, store)

	var queued int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic LIKE 'dispute.%'`).Scan(&queued))
	require.Equal(t, 3, queued)
}
