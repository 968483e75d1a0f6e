// Package clinic groups operator commands for the clinic registry and
// lifecycle: register, list, provision, check-integrity, repair and
// activation toggles.
package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	"github.com/vitalis-health/vitalis-saas/platform/go/logging"
	"github.com/vitalis-health/vitalis-saas/platform/go/migrate"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/secrets"
)

// Exit codes for scripting against the lifecycle commands. Zero means the
// requested work happened (including a successful repair); the rest let a
// wrapper script distinguish the terminal states without parsing output.
const (
	ExitAlreadyHealthy = 3
	ExitRolledBack     = 4
	ExitBroken         = 5
)

// ExitError carries a process exit code alongside a message so main can
// translate command outcomes into codes.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Command groups clinic lifecycle helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Clinic registry and lifecycle (register/provision/repair)",
	}

	cmd.AddCommand(registerCommand())
	cmd.AddCommand(listCommand())
	cmd.AddCommand(provisionCommand())
	cmd.AddCommand(checkIntegrityCommand())
	cmd.AddCommand(repairCommand())
	cmd.AddCommand(deactivateCommand())
	cmd.AddCommand(activateCommand())
	return cmd
}

// wiring holds the shared flag values and builds the service stack the
// lifecycle commands run against.
type wiring struct {
	databaseURL    string
	clinicDBHost   string
	clinicDBPort   int
	clinicDBUser   string
	credentialsRef string
	envKey         string
	storageDir     string
}

func (w *wiring) bind(c *cobra.Command) {
	c.Flags().StringVar(&w.databaseURL, "database-url", "", "Registry PostgreSQL connection string")
	c.Flags().StringVar(&w.clinicDBHost, "clinic-db-host", "", "Host where clinic databases live (must be the registry server)")
	c.Flags().IntVar(&w.clinicDBPort, "clinic-db-port", 5432, "Port for clinic databases")
	c.Flags().StringVar(&w.clinicDBUser, "clinic-db-user", "", "Role used to connect to clinic databases")
	c.Flags().StringVar(&w.credentialsRef, "credentials-ref", "CLINIC_DB_PASSWORD", "Environment variable holding the clinic database password")
	c.Flags().StringVar(&w.envKey, "env-key", "dev", "Environment key prefix (e.g. dev, stg, prod)")
	c.Flags().StringVar(&w.storageDir, "storage-dir", "", "Local directory for per-clinic document storage (optional)")

	_ = c.MarkFlagRequired("database-url")
	_ = c.MarkFlagRequired("clinic-db-host")
	_ = c.MarkFlagRequired("clinic-db-user")
}

type stack struct {
	pool    *pgxpool.Pool
	service *service.Service
}

func (s *stack) close() {
	persistence.ClosePool(s.pool)
}

// noopEvictor satisfies the service contract when no connection router is
// running, which is always the case for one-shot CLI invocations.
type noopEvictor struct{}

func (noopEvictor) Evict(uuid.UUID) {}

func (w *wiring) build(ctx context.Context) (*stack, error) {
	logger, err := logging.NewLogger(logging.Config{Component: "cli", Level: "warn"})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	source, err := secrets.FromEnv(w.credentialsRef)
	if err != nil {
		return nil, fmt.Errorf("resolve clinic credentials: %w", err)
	}

	// Database-level DDL runs on the registry connection, so clinic records
	// must point at the same server.
	registryHost, registryPort, err := persistence.ConnHostPort(w.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry database url: %w", err)
	}
	if registryHost != w.clinicDBHost || registryPort != w.clinicDBPort {
		return nil, fmt.Errorf("clinic placement %s:%d does not match registry server %s:%d",
			w.clinicDBHost, w.clinicDBPort, registryHost, registryPort)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: w.databaseURL})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}

	registry, err := persistence.NewRegistryStore(pool)
	if err != nil {
		persistence.ClosePool(pool)
		return nil, fmt.Errorf("init registry store: %w", err)
	}

	var storageProv provisioning.StorageProvisioner
	if w.storageDir != "" {
		storageProv = provisioning.NewLocalStorageProvisioner(w.storageDir)
	}

	prov, err := provisioning.New(provisioning.Config{
		Registry:  registry,
		Admin:     provisioning.NewPGAdmin(pool),
		Connector: provisioning.NewPGConnector(source, w.clinicDBUser),
		Set:       migrate.ClinicSpace(),
		SeedSQL:   sqlassets.DefaultOrgUnitSQL,
		Storage:   storageProv,
		EnvKey:    w.envKey,
		Logger:    logger,
	})
	if err != nil {
		persistence.ClosePool(pool)
		return nil, fmt.Errorf("init provisioner: %w", err)
	}

	svc := service.New(registry, prov, noopEvictor{}, service.Defaults{
		DBHost:         w.clinicDBHost,
		DBPort:         w.clinicDBPort,
		CredentialsRef: w.credentialsRef,
	}, logger)

	return &stack{pool: pool, service: svc}, nil
}

func registerCommand() *cobra.Command {
	var (
		w           wiring
		displayName string
		locale      string
	)

	c := &cobra.Command{
		Use:   "register",
		Short: "Register a clinic in the registry (NOT_PROVISIONED, no database yet)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := w.build(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			clinic, err := st.service.Register(ctx, service.RegisterInput{
				DisplayName: strPtrOrNil(displayName),
				Locale:      locale,
			})
			if err != nil {
				return fmt.Errorf("register clinic: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Clinic registered: %s (db %s)\n", clinic.ID, clinic.DBName)
			return nil
		},
	}

	w.bind(c)
	c.Flags().StringVar(&displayName, "display-name", "", "Display name for the clinic")
	c.Flags().StringVar(&locale, "locale", "", "BCP 47 locale tag (defaults to en-US)")
	return c
}

func listCommand() *cobra.Command {
	var (
		w      wiring
		status string
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List active clinics, optionally filtered by provisioning status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := w.build(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			var opts service.ListOptions
			if status != "" {
				parsed, err := persistence.ParseClinicStatus(status)
				if err != nil {
					return fmt.Errorf("parse status filter: %w", err)
				}
				opts.Status = &parsed
			}

			clinics, err := st.service.List(ctx, opts)
			if err != nil {
				return fmt.Errorf("list clinics: %w", err)
			}

			for _, clinic := range clinics {
				name := ""
				if clinic.DisplayName != nil {
					name = *clinic.DisplayName
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", clinic.ID, clinic.ProvisioningStatus, clinic.DBName, name)
			}
			return nil
		},
	}

	w.bind(c)
	c.Flags().StringVar(&status, "status", "", "Filter by provisioning status (e.g. PROVISIONED)")
	return c
}

func provisionCommand() *cobra.Command {
	var w wiring

	c := &cobra.Command{
		Use:   "provision <clinic-id>",
		Short: "Create and migrate the clinic database; rolls back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			clinicID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse clinic id: %w", err)
			}

			st, err := w.build(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.service.Provision(ctx, clinicID); err != nil {
				return provisionError(clinicID, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Clinic provisioned: %s\n", clinicID)
			return nil
		},
	}

	w.bind(c)
	return c
}

// provisionError maps workflow failures onto scripting exit codes: a clean
// rollback and a BROKEN clinic call for very different operator responses.
func provisionError(clinicID uuid.UUID, err error) error {
	var rollbackErr *provisioning.RollbackError
	if errors.As(err, &rollbackErr) {
		return &ExitError{
			Code:    ExitBroken,
			Message: fmt.Sprintf("clinic %s is BROKEN, rollback failed after %v: run `vitalis clinic repair`", clinicID, rollbackErr),
		}
	}

	var migrationErr *provisioning.MigrationError
	if errors.As(err, &migrationErr) {
		return &ExitError{
			Code:    ExitRolledBack,
			Message: fmt.Sprintf("clinic %s rolled back: %v", clinicID, migrationErr),
		}
	}

	return fmt.Errorf("provision clinic %s: %w", clinicID, err)
}

func checkIntegrityCommand() *cobra.Command {
	var w wiring

	c := &cobra.Command{
		Use:   "check-integrity <clinic-id>",
		Short: "Inspect a provisioned clinic database without modifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			clinicID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse clinic id: %w", err)
			}

			st, err := w.build(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			report, err := st.service.CheckIntegrity(ctx, clinicID)
			if err != nil {
				return fmt.Errorf("check integrity of clinic %s: %w", clinicID, err)
			}

			printReport(cmd, clinicID, report)
			if !report.Healthy {
				return &ExitError{
					Code:    ExitBroken,
					Message: fmt.Sprintf("clinic %s failed integrity check", clinicID),
				}
			}
			return nil
		},
	}

	w.bind(c)
	return c
}

func printReport(cmd *cobra.Command, clinicID uuid.UUID, report provisioning.IntegrityReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Clinic:    %s\n", clinicID)
	fmt.Fprintf(out, "Exists:    %t\n", report.Exists)
	fmt.Fprintf(out, "Reachable: %t\n", report.Reachable)
	fmt.Fprintf(out, "Healthy:   %t\n", report.Healthy)
	if len(report.MissingTables) > 0 {
		fmt.Fprintf(out, "Missing:   %s\n", strings.Join(report.MissingTables, ", "))
	}
}

func repairCommand() *cobra.Command {
	var w wiring

	c := &cobra.Command{
		Use:   "repair <clinic-id>",
		Short: "Re-run provisioning for a clinic stuck in BROKEN or failing integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			clinicID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse clinic id: %w", err)
			}

			st, err := w.build(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			outcome, err := st.service.Repair(ctx, clinicID)
			if err != nil {
				var repairErr *provisioning.RepairError
				if errors.As(err, &repairErr) {
					return &ExitError{
						Code:    ExitBroken,
						Message: fmt.Sprintf("clinic %s is still BROKEN: %v", clinicID, repairErr),
					}
				}
				return fmt.Errorf("repair clinic %s: %w", clinicID, err)
			}

			if outcome == provisioning.RepairOutcomeHealthy {
				return &ExitError{
					Code:    ExitAlreadyHealthy,
					Message: fmt.Sprintf("clinic %s already healthy, nothing to repair", clinicID),
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Clinic repaired: %s\n", clinicID)
			return nil
		},
	}

	w.bind(c)
	return c
}

func deactivateCommand() *cobra.Command {
	var w wiring

	c := &cobra.Command{
		Use:   "deactivate <clinic-id>",
		Short: "Soft-disable a clinic: routing stops, data stays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleActive(cmd, &w, args[0], false)
		},
	}

	w.bind(c)
	return c
}

func activateCommand() *cobra.Command {
	var w wiring

	c := &cobra.Command{
		Use:   "activate <clinic-id>",
		Short: "Re-enable a previously deactivated clinic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleActive(cmd, &w, args[0], true)
		},
	}

	w.bind(c)
	return c
}

func toggleActive(cmd *cobra.Command, w *wiring, rawID string, active bool) error {
	ctx := context.Background()

	clinicID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("parse clinic id: %w", err)
	}

	st, err := w.build(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	var clinic service.Clinic
	if active {
		clinic, err = st.service.Activate(ctx, clinicID)
	} else {
		clinic, err = st.service.Deactivate(ctx, clinicID)
	}
	if err != nil {
		return fmt.Errorf("update clinic %s: %w", clinicID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Clinic %s active=%t\n", clinic.ID, clinic.IsActive)
	return nil
}

func strPtrOrNil(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
