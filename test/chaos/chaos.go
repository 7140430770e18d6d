package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// TerminateRandomBackend kills a random connection of the current database
// every few seconds, so ledger writes see dropped connections mid-flight.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var killed int
			err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM (
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid()
				ORDER BY random() LIMIT 1) t`).Scan(&killed)
			if err != nil {
				log.WithError(err).Debug("chaos: terminate backend")
				continue
			}
			log.WithField("killed", killed).Debug("chaos: terminated backend")
		}
	}
}
