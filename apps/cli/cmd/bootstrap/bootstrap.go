// Package bootstrap initializes shared platform resources. Its only job
// today is creating the clinics registry table in the central database;
// per-clinic databases are created later by `clinic provision`.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

// Command groups bootstrap helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap platform resources (clinics registry)",
		Long:  "Bootstrap platform resources such as the central clinics registry table. Idempotent; safe to re-run.",
	}

	cmd.AddCommand(registryCommand())
	return cmd
}

func registryCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "registry",
		Short: "Create the clinics registry table in the central database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapRegistry(ctx, pool); err != nil {
				return fmt.Errorf("bootstrap registry: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Registry bootstrap complete.")
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string")
	_ = c.MarkFlagRequired("database-url")

	return c
}
