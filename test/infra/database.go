package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"disputeflow/config"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// ErrNoLocalPostgres means pg_isready found nothing at the configured address.
var ErrNoLocalPostgres = errors.New("infra: no local postgres")

// InitLocalDatabase drops and recreates the stress database described by
// ldb, owned by its role, and returns a DSN that logs in as that role.
func InitLocalDatabase(ctx context.Context, ldb *config.LocalDatabase) (string, error) {
	if !localPostgresReady(ctx, ldb) {
		return "", fmt.Errorf("%w at %s", ErrNoLocalPostgres, ldb.Addr())
	}

	superuser, err := connectSuperuser(ctx, ldb)
	if err != nil {
		return "", err
	}
	defer superuser.Close(ctx)

	role := pgx.Identifier{ldb.Role}.Sanitize()
	name := pgx.Identifier{ldb.Name}.Sanitize()
	steps := []struct {
		what string
		sql  string
	}{
		{"ensure role", fmt.Sprintf(
			"DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD %s; EXCEPTION WHEN duplicate_object THEN NULL; END $$",
			role, quoteLiteral(ldb.Password))},
		{"drop database", "DROP DATABASE IF EXISTS " + name + " WITH (FORCE)"},
		{"create database", fmt.Sprintf("CREATE DATABASE %s OWNER %s", name, role)},
	}
	for _, step := range steps {
		if _, err := superuser.Exec(ctx, step.sql); err != nil {
			return "", fmt.Errorf("infra: %s %s: %w", step.what, ldb.Name, err)
		}
	}

	log.WithFields(log.Fields{"database": ldb.Name, "role": ldb.Role, "addr": ldb.Addr()}).
		Info("recreated local stress database")
	return localDSN(ldb, url.UserPassword(ldb.Role, ldb.Password), ldb.Name), nil
}

// connectSuperuser tries the usual superuser logins of a developer install:
// postgres with and without a password, then the OS user.
func connectSuperuser(ctx context.Context, ldb *config.LocalDatabase) (*pgx.Conn, error) {
	candidates := []*url.Userinfo{url.User("postgres"), url.UserPassword("postgres", "postgres")}
	if osUser := os.Getenv("USER"); osUser != "" && osUser != "postgres" {
		candidates = append(candidates, url.User(osUser), url.UserPassword(osUser, "postgres"))
	}

	var errs []error
	for _, user := range candidates {
		conn, err := pgx.Connect(ctx, localDSN(ldb, user, "postgres"))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", user.Username(), err))
	}
	return nil, fmt.Errorf("infra: no superuser login on %s: %w", ldb.Addr(), errors.Join(errs...))
}

func localDSN(ldb *config.LocalDatabase, user *url.Userinfo, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     ldb.Addr(),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func localPostgresReady(ctx context.Context, ldb *config.LocalDatabase) bool {
	if _, err := exec.LookPath("pg_isready"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "pg_isready", "-q", "-h", ldb.Host, "-p", strconv.Itoa(int(ldb.Port)))
	return cmd.Run() == nil
}
