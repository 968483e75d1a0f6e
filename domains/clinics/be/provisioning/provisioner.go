// Package provisioning owns the clinic database lifecycle: bringing a new
// clinic from NOT_PROVISIONED to PROVISIONED with transactional compensation,
// and checking/repairing existing clinic databases. The registry's
// compare-and-swap status transition is the sole serialization point, so at
// most one workflow runs per clinic at a time.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/platform/go/migrate"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/tenant"
)

var (
	// ErrAlreadyInProgress: another provisioning or repair workflow holds the
	// clinic's status.
	ErrAlreadyInProgress = errors.New("provisioning already in progress for clinic")
	// ErrNotFound mirrors the registry's not-found for callers that only
	// import this package.
	ErrNotFound = errors.New("clinic not found")
	// ErrNotProvisionable: repair requested for a clinic that was never
	// provisioned; use Provision instead.
	ErrNotProvisionable = errors.New("clinic has never been provisioned")
)

// MigrationError reports the first failing script of a migration run.
type MigrationError struct {
	Sequence int
	Name     string
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Sequence, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// RollbackError means provisioning failed and the compensating drop also
// failed; the clinic is left BROKEN for operator attention.
type RollbackError struct {
	Cause   error // the failure that triggered compensation
	DropErr error // why the drop could not complete
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed (%v) after provisioning error: %v", e.DropErr, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// RepairError names the step of the repair workflow that failed; the clinic
// stays BROKEN and repair can be re-run once the cause is fixed.
type RepairError struct {
	Step string
	Err  error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("repair step %q failed: %v", e.Step, e.Err)
}

func (e *RepairError) Unwrap() error { return e.Err }

// Registry is the subset of registry operations the workflows need.
type Registry interface {
	Get(ctx context.Context, clinicID uuid.UUID) (persistence.ClinicRecord, error)
	UpdateStatus(ctx context.Context, clinicID uuid.UUID, from, to persistence.ClinicStatus) (persistence.ClinicRecord, error)
}

// Evictor invalidates any cached connection pool for a clinic. Satisfied by
// the connection router.
type Evictor interface {
	Evict(clinicID uuid.UUID)
}

// Config wires a Provisioner. Registry, Admin and Connector are required;
// Storage and Evictor are optional.
type Config struct {
	Registry  Registry
	Admin     AdminStore
	Connector ClinicConnector
	Set       migrate.Set
	SeedSQL   string
	Storage   StorageProvisioner
	// EnvKey namespaces the per-clinic storage prefix.
	EnvKey  string
	Evictor Evictor
	Logger  *zap.Logger
	// StepTimeout bounds each external call (create/drop database, script
	// application). Defaults to 30s so a hung database can never leave the
	// registry in PROVISIONING indefinitely.
	StepTimeout time.Duration
}

// Provisioner runs the provisioning, integrity and repair workflows.
type Provisioner struct {
	cfg Config
}

// New validates the migration set once and constructs a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Registry == nil {
		return nil, errors.New("provisioner requires registry")
	}
	if cfg.Admin == nil {
		return nil, errors.New("provisioner requires admin store")
	}
	if cfg.Connector == nil {
		return nil, errors.New("provisioner requires clinic connector")
	}
	if err := cfg.Set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration set: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	return &Provisioner{cfg: cfg}, nil
}

// Provision brings a clinic from NOT_PROVISIONED to PROVISIONED, or leaves no
// partial artifacts behind. On any failure after the database is created the
// compensating drop runs; if the drop itself fails the clinic is marked
// BROKEN and handed to Repair.
func (p *Provisioner) Provision(ctx context.Context, clinicID uuid.UUID) error {
	rec, err := p.cfg.Registry.UpdateStatus(ctx, clinicID,
		persistence.StatusNotProvisioned, persistence.StatusProvisioning)
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, persistence.ErrStatusConflict):
			return ErrAlreadyInProgress
		default:
			return fmt.Errorf("claim provisioning: %w", err)
		}
	}

	logger := p.cfg.Logger.With(
		zap.String("clinic_id", clinicID.String()),
		zap.String("db_name", rec.DBName),
	)
	logger.Info("provisioning clinic database")

	if err := p.buildDatabase(ctx, rec, p.cfg.Set); err != nil {
		return p.compensate(ctx, rec, logger, err)
	}

	if _, err := p.cfg.Registry.UpdateStatus(ctx, clinicID,
		persistence.StatusProvisioning, persistence.StatusProvisioned); err != nil {
		return p.compensate(ctx, rec, logger, fmt.Errorf("finalize status: %w", err))
	}

	logger.Info("clinic provisioned")
	return nil
}

// buildDatabase runs steps 2-5 of the workflow: create, migrate, seed, ensure
// storage prefix. Shared by Provision and the from-scratch branch of Repair.
func (p *Provisioner) buildDatabase(ctx context.Context, rec persistence.ClinicRecord, set migrate.Set) error {
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.cfg.Admin.CreateDatabase(ctx, rec.DBName)
	}); err != nil {
		return fmt.Errorf("create clinic database: %w", err)
	}

	if err := p.applyMigrations(ctx, rec, set, true); err != nil {
		return err
	}

	if p.cfg.Storage != nil {
		prefix := tenant.BuildStoragePrefix(p.cfg.EnvKey, rec.ClinicID)
		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return p.cfg.Storage.Ensure(ctx, prefix)
		}); err != nil {
			return fmt.Errorf("ensure storage prefix: %w", err)
		}
	}
	return nil
}

// applyMigrations opens one session against the clinic database and applies
// the given scripts in order, each in its own transaction, aborting on the
// first failure. Seeding runs in the same session when requested.
func (p *Provisioner) applyMigrations(ctx context.Context, rec persistence.ClinicRecord, set migrate.Set, seed bool) error {
	conn, err := p.cfg.Connector.Connect(ctx, rec)
	if err != nil {
		return fmt.Errorf("connect clinic database: %w", err)
	}
	defer conn.Close()

	for _, m := range set {
		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return conn.ApplyScript(ctx, m.SQL)
		}); err != nil {
			return &MigrationError{Sequence: m.Sequence, Name: m.Name, Err: err}
		}
	}

	if seed && p.cfg.SeedSQL != "" {
		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return conn.ApplyScript(ctx, p.cfg.SeedSQL)
		}); err != nil {
			return fmt.Errorf("seed clinic database: %w", err)
		}
	}
	return nil
}

// compensate drops the partially built database and records the outcome:
// ROLLED_BACK when compensation succeeded, BROKEN when it did not. The
// original cause is always returned to the caller.
func (p *Provisioner) compensate(ctx context.Context, rec persistence.ClinicRecord, logger *zap.Logger, cause error) error {
	logger.Error("provisioning failed, rolling back", zap.Error(cause))

	dropErr := p.dropWithRetry(ctx, rec.DBName)
	if dropErr != nil {
		logger.Error("compensating drop failed, marking clinic broken", zap.Error(dropErr))
		if _, err := p.cfg.Registry.UpdateStatus(ctx, rec.ClinicID,
			persistence.StatusProvisioning, persistence.StatusBroken); err != nil {
			logger.Error("record broken status", zap.Error(err))
		}
		return &RollbackError{Cause: cause, DropErr: dropErr}
	}

	if _, err := p.cfg.Registry.UpdateStatus(ctx, rec.ClinicID,
		persistence.StatusProvisioning, persistence.StatusRolledBack); err != nil {
		logger.Error("record rolled-back status", zap.Error(err))
	}
	return cause
}

// dropWithRetry attempts the compensating drop twice; a single immediate
// retry covers blips without hiding real unreachability behind a long loop.
func (p *Provisioner) dropWithRetry(ctx context.Context, dbName string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = p.withTimeout(ctx, func(ctx context.Context) error {
			return p.cfg.Admin.DropDatabase(ctx, dbName)
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p *Provisioner) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	return fn(ctx)
}
