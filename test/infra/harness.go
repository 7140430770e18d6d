package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"disputeflow/config"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Harness owns whichever Postgres the stress run could reach: a shared DSN,
// a testcontainers Postgres 16, or a local server. Pool is nil when none is
// reachable and the run falls back to the in-memory backends.
type Harness struct {
	Pool   *pgxpool.Pool
	DSN    string
	Source string
	pgC    *PGContainer
	schema *Schema
}

// NewHarness resolves a database in order: overrideDSN, STRESS_TEST_PG_DSN,
// docker, local Postgres. A shared database gets a per-run schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{}
	shared := false

	switch {
	case overrideDSN != "":
		h.DSN, h.Source, shared = overrideDSN, "dsn", true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		h.DSN, h.Source, shared = os.Getenv("STRESS_TEST_PG_DSN"), "env", true
	case DockerAvailable(ctx):
		pgC, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.pgC, h.DSN, h.Source = pgC, dsn, "container"
	default:
		ldb, err := config.LoadLocalDatabase()
		if err != nil {
			return nil, err
		}
		dsn, err := InitLocalDatabase(ctx, ldb)
		if err != nil {
			log.WithError(err).Info("no postgres reachable, using in-memory backends")
			h.Source = "memory"
			return h, nil
		}
		h.DSN, h.Source = dsn, "local"
	}

	schema, err := ApplyMigrations(ctx, h.DSN, shared, 0)
	if err != nil {
		_ = h.pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.Pool, h.schema = schema.Pool, schema
	log.WithFields(log.Fields{"source": h.Source, "schema": schema.searchPath()}).Info("stress database ready")
	return h, nil
}

// Close drops the per-run schema, closes the pool and stops the container.
func (h *Harness) Close(ctx context.Context) error {
	var firstErr error
	if h.Pool != nil {
		h.Pool.Close()
	}
	if h.schema != nil {
		if err := h.schema.Drop(ctx); err != nil {
			firstErr = err
		}
	}
	if err := h.pgC.Terminate(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DockerAvailable reports whether a docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
