package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/secrets"
)

// AdminStore executes database-level DDL with administrative credentials.
// Implemented against the maintenance database; faked in tests.
type AdminStore interface {
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
}

// ClinicConn is a short-lived session against one clinic database, used only
// by provisioning and integrity workflows.
type ClinicConn interface {
	// ApplyScript runs one migration or seed script in its own transaction.
	ApplyScript(ctx context.Context, script string) error
	// ListTables enumerates base tables present in the database.
	ListTables(ctx context.Context) ([]string, error)
	Close()
}

// ClinicConnector opens a ClinicConn for a registry record.
type ClinicConnector interface {
	Connect(ctx context.Context, rec persistence.ClinicRecord) (ClinicConn, error)
}

// PGAdmin implements AdminStore on a pgx pool connected to the maintenance
// database with a role allowed to CREATE/DROP DATABASE.
type PGAdmin struct {
	pool *pgxpool.Pool
}

func NewPGAdmin(pool *pgxpool.Pool) *PGAdmin {
	if pool == nil {
		panic("pg admin requires pool")
	}
	return &PGAdmin{pool: pool}
}

// CreateDatabase creates the clinic database. CREATE DATABASE cannot run
// inside a transaction, so this executes autocommit.
func (a *PGAdmin) CreateDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{name}.Sanitize())
	if _, err := a.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

// DropDatabase removes the clinic database, forcing out any remaining
// sessions so compensation cannot wedge on a lingering connection.
func (a *PGAdmin) DropDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{name}.Sanitize())
	if _, err := a.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	return nil
}

func (a *PGAdmin) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check database exists: %w", err)
	}
	return exists, nil
}

var _ AdminStore = (*PGAdmin)(nil)

// PGConnector opens short, tightly bounded pools against clinic databases for
// migration application and integrity probes.
type PGConnector struct {
	secrets *secrets.Source
	dbUser  string
}

func NewPGConnector(src *secrets.Source, dbUser string) *PGConnector {
	if src == nil {
		panic("pg connector requires secrets source")
	}
	if dbUser == "" {
		panic("pg connector requires db user")
	}
	return &PGConnector{secrets: src, dbUser: dbUser}
}

func (c *PGConnector) Connect(ctx context.Context, rec persistence.ClinicRecord) (ClinicConn, error) {
	password, err := c.secrets.Lookup(rec.CredentialsRef)
	if err != nil {
		return nil, err
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString: persistence.BuildConnString(rec.DBHost, rec.DBPort, rec.DBName, c.dbUser, password),
		MaxConns:   2,
	})
	if err != nil {
		return nil, err
	}
	return &pgClinicConn{pool: pool}, nil
}

var _ ClinicConnector = (*PGConnector)(nil)

type pgClinicConn struct {
	pool *pgxpool.Pool
}

func (c *pgClinicConn) ApplyScript(ctx context.Context, script string) error {
	statements := persistence.SplitStatements(script)
	if len(statements) == 0 {
		return errors.New("script is empty")
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply statement: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (c *pgClinicConn) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT table_name FROM information_schema.tables
        WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
        ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *pgClinicConn) Close() {
	c.pool.Close()
}
