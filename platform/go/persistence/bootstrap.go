package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
)

// BootstrapRegistry applies the registry DDL (clinics table and its indexes)
// in a single transaction. SQL is embedded at build time so binaries stay
// self-contained. Idempotent; intended for CLI bootstrap and tests.
func BootstrapRegistry(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("bootstrap registry: pool is required")
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, stmt := range SplitStatements(sqlassets.ClinicsSQL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply registry ddl: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registry ddl: %w", err)
	}
	return nil
}

// SplitStatements breaks an embedded SQL asset into individual statements.
// Good enough for our DDL assets, which contain no string literals with
// semicolons.
func SplitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
