package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// LocalDatabase describes the throwaway database created on a developer's own
// PostgreSQL when Docker is not available.
type LocalDatabase struct {
	Host     string
	Port     string
	Name     string
	Role     string
	Password string
}

// DefaultLocalDatabase honours PGHOST and PGPORT and falls back to 127.0.0.1:5432.
func DefaultLocalDatabase() LocalDatabase {
	db := LocalDatabase{
		Host:     "127.0.0.1",
		Port:     "5432",
		Name:     "scopeledger_stress",
		Role:     "ledger_test",
		Password: "pass",
	}
	if h := os.Getenv("PGHOST"); h != "" {
		db.Host = h
	}
	if p := os.Getenv("PGPORT"); p != "" {
		db.Port = p
	}
	return db
}

// DSN is the connection string of the recreated database.
func (l LocalDatabase) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", l.Role, l.Password, net.JoinHostPort(l.Host, l.Port), l.Name)
}

func (l LocalDatabase) adminDSNs() []string {
	addr := net.JoinHostPort(l.Host, l.Port)
	user := os.Getenv("USER")
	return []string{
		fmt.Sprintf("postgres://postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://postgres:postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", user, addr),
		fmt.Sprintf("postgres://%s:postgres@%s/postgres?sslmode=disable", user, addr),
	}
}

// Recreate drops and recreates the database owned by the test role, which is
// created on first use.
func (l LocalDatabase) Recreate(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", l.Host, "-p", l.Port).Run(); err != nil {
		return fmt.Errorf("postgres at %s:%s is not ready: %w", l.Host, l.Port, err)
	}

	var (
		admin *pgx.Conn
		errs  []error
	)
	for _, dsn := range l.adminDSNs() {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			admin = conn
			break
		}
		errs = append(errs, err)
	}
	if admin == nil {
		return fmt.Errorf("connect as admin: %w", errors.Join(errs...))
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{l.Role}.Sanitize()
	name := pgx.Identifier{l.Name}.Sanitize()
	steps := []struct {
		what string
		sql  string
		args []any
	}{
		{"create role", fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$;`, role, l.Password), nil},
		{"kick sessions", `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, []any{l.Name}},
		{"drop database", "DROP DATABASE IF EXISTS " + name, nil},
		{"create database", fmt.Sprintf("CREATE DATABASE %s OWNER %s", name, role), nil},
	}
	for _, s := range steps {
		if _, err := admin.Exec(ctx, s.sql, s.args...); err != nil {
			return fmt.Errorf("%s: %w", s.what, err)
		}
	}
	return nil
}

// InitLocalDatabase recreates the default local database and returns its DSN.
func InitLocalDatabase(ctx context.Context) (string, error) {
	l := DefaultLocalDatabase()
	if err := l.Recreate(ctx); err != nil {
		return "", err
	}
	return l.DSN(), nil
}
