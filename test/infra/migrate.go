package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"disputeflow/db"
	"disputeflow/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Schema is a migrated dispute schema and the pool bound to it.
type Schema struct {
	Pool *pgxpool.Pool
	// Name is the per-run schema, empty when migrations ran in public.
	Name string
	dsn  string
}

// ApplyMigrations brings the database at dsn up to the dispute schema. With
// isolate the tables go into a fresh disputeflow_run_* schema so concurrent
// runs against a shared server never see each other's rows; Drop removes it.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool, maxConns int32) (*Schema, error) {
	s := &Schema{dsn: dsn}
	if isolate {
		s.Name = fmt.Sprintf("disputeflow_run_%d", time.Now().UnixNano())
		if err := s.exec(ctx, "CREATE SCHEMA "+pgx.Identifier{s.Name}.Sanitize()); err != nil {
			return nil, fmt.Errorf("infra: create schema %s: %w", s.Name, err)
		}
	}

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: maxConns, SearchPath: s.Name})
	if err != nil {
		_ = s.Drop(ctx)
		return nil, err
	}
	s.Pool = pool

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		_ = s.Drop(ctx)
		return nil, err
	}
	if err := s.verify(ctx); err != nil {
		pool.Close()
		_ = s.Drop(ctx)
		return nil, err
	}
	return s, nil
}

// migrate runs each embedded file in its own transaction.
func (s *Schema) migrate(ctx context.Context) error {
	files, err := migrations.Files()
	if err != nil {
		return fmt.Errorf("infra: read migrations: %w", err)
	}
	for _, f := range files {
		err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, f.SQL)
			return err
		})
		if err != nil {
			return fmt.Errorf("infra: apply %s: %w", f.Name, err)
		}
		log.WithFields(log.Fields{"file": f.Name, "schema": s.searchPath()}).Debug("migration applied")
	}
	return nil
}

// verify fails when a table the stores depend on did not resolve on the
// pool's search_path.
func (s *Schema) verify(ctx context.Context) error {
	var missing []string
	for _, table := range migrations.RequiredTables {
		var present bool
		if err := s.Pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			return fmt.Errorf("infra: look up %s: %w", table, err)
		}
		if !present {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("infra: schema %s is missing %s", s.searchPath(), strings.Join(missing, ", "))
	}
	return nil
}

// Drop removes the per-run schema. It is a no-op for a public-schema run.
func (s *Schema) Drop(ctx context.Context) error {
	if s.Name == "" {
		return nil
	}
	return s.exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{s.Name}.Sanitize()+" CASCADE")
}

// exec runs a statement on a short-lived connection outside the pool, whose
// search_path may point at the schema being created or dropped.
func (s *Schema) exec(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

func (s *Schema) searchPath() string {
	if s.Name == "" {
		return "public"
	}
	return s.Name
}
