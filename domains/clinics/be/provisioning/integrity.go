package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/tenant"
)

// IntegrityReport describes the observed state of one clinic database.
// Healthy iff the database exists, is reachable, and no expected table is
// missing.
type IntegrityReport struct {
	Exists        bool
	Reachable     bool
	PresentTables []string
	MissingTables []string
	Healthy       bool
}

// RepairOutcome distinguishes the no-op case for operator tooling.
type RepairOutcome string

const (
	RepairOutcomeHealthy  RepairOutcome = "already-healthy"
	RepairOutcomeRepaired RepairOutcome = "repaired"
)

// CheckIntegrity probes a clinic database out of band from request traffic:
// existence via the maintenance database, reachability by opening a session,
// and schema completeness by diffing live tables against the migration set.
func (p *Provisioner) CheckIntegrity(ctx context.Context, clinicID uuid.UUID) (IntegrityReport, error) {
	rec, err := p.cfg.Registry.Get(ctx, clinicID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return IntegrityReport{}, ErrNotFound
		}
		return IntegrityReport{}, fmt.Errorf("read clinic registry: %w", err)
	}
	return p.inspect(ctx, rec)
}

func (p *Provisioner) inspect(ctx context.Context, rec persistence.ClinicRecord) (IntegrityReport, error) {
	report := IntegrityReport{MissingTables: p.cfg.Set.TargetTables()}

	exists, err := p.cfg.Admin.DatabaseExists(ctx, rec.DBName)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("check database exists: %w", err)
	}
	if !exists {
		return report, nil
	}
	report.Exists = true

	conn, err := p.cfg.Connector.Connect(ctx, rec)
	if err != nil {
		// Database exists but cannot be reached; report, don't fail.
		return report, nil
	}
	defer conn.Close()
	report.Reachable = true

	present, err := conn.ListTables(ctx)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("list clinic tables: %w", err)
	}

	presentSet := make(map[string]bool, len(present))
	for _, t := range present {
		presentSet[t] = true
	}

	report.PresentTables = present
	report.MissingTables = nil
	for _, want := range p.cfg.Set.TargetTables() {
		if !presentSet[want] {
			report.MissingTables = append(report.MissingTables, want)
		}
	}
	sort.Strings(report.MissingTables)
	report.Healthy = len(report.MissingTables) == 0
	return report, nil
}

// Repair heals a clinic database that is missing, unreachable or
// schema-incomplete, without discarding existing data. It claims the status
// via the same CAS primitive as Provision, so the two workflows can never run
// concurrently for one clinic. Idempotent: re-running against a healthy
// clinic is a no-op.
func (p *Provisioner) Repair(ctx context.Context, clinicID uuid.UUID) (RepairOutcome, error) {
	rec, err := p.cfg.Registry.Get(ctx, clinicID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read clinic registry: %w", err)
	}

	switch rec.ProvisioningStatus {
	case persistence.StatusNotProvisioned:
		return "", ErrNotProvisionable
	case persistence.StatusProvisioning:
		return "", ErrAlreadyInProgress
	}

	rec, err = p.cfg.Registry.UpdateStatus(ctx, clinicID,
		rec.ProvisioningStatus, persistence.StatusProvisioning)
	if err != nil {
		if errors.Is(err, persistence.ErrStatusConflict) {
			return "", ErrAlreadyInProgress
		}
		return "", fmt.Errorf("claim repair: %w", err)
	}

	// The claim just took the clinic out of PROVISIONED. Drop any cached pool
	// immediately so no request can ride a stale handle while the database is
	// being worked on, whatever the repair outcome ends up being.
	if p.cfg.Evictor != nil {
		p.cfg.Evictor.Evict(clinicID)
	}

	logger := p.cfg.Logger.With(
		zap.String("clinic_id", clinicID.String()),
		zap.String("db_name", rec.DBName),
	)
	logger.Info("repairing clinic database")

	outcome, err := p.repairClaimed(ctx, rec, logger)
	if err != nil {
		// Leave the clinic BROKEN so the operator can re-run repair after
		// fixing the underlying cause.
		if _, casErr := p.cfg.Registry.UpdateStatus(ctx, clinicID,
			persistence.StatusProvisioning, persistence.StatusBroken); casErr != nil {
			logger.Error("record broken status", zap.Error(casErr))
		}
		return "", err
	}

	if _, err := p.cfg.Registry.UpdateStatus(ctx, clinicID,
		persistence.StatusProvisioning, persistence.StatusProvisioned); err != nil {
		// Must not strand the clinic in PROVISIONING: Repair refuses to enter
		// that state, so mark it BROKEN and let the operator run repair again.
		if _, casErr := p.cfg.Registry.UpdateStatus(ctx, clinicID,
			persistence.StatusProvisioning, persistence.StatusBroken); casErr != nil {
			logger.Error("record broken status", zap.Error(casErr))
		}
		return "", &RepairError{Step: "finalize status", Err: err}
	}

	logger.Info("clinic repair finished", zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (p *Provisioner) repairClaimed(ctx context.Context, rec persistence.ClinicRecord, logger *zap.Logger) (RepairOutcome, error) {
	report, err := p.inspect(ctx, rec)
	if err != nil {
		return "", &RepairError{Step: "inspect", Err: err}
	}

	if report.Healthy {
		return RepairOutcomeHealthy, nil
	}

	if !report.Exists {
		logger.Info("clinic database missing, recreating from scratch")
		if err := p.buildDatabase(ctx, rec, p.cfg.Set); err != nil {
			return "", &RepairError{Step: "recreate database", Err: err}
		}
		return RepairOutcomeRepaired, nil
	}

	if !report.Reachable {
		return "", &RepairError{Step: "connect", Err: errors.New("database exists but is unreachable")}
	}

	// Apply only the scripts whose target tables are absent, in sequence
	// order. Existing tables are never dropped or truncated.
	presentSet := make(map[string]bool, len(report.PresentTables))
	for _, t := range report.PresentTables {
		presentSet[t] = true
	}
	missing := p.cfg.Set.MissingFrom(presentSet)

	logger.Info("applying missing migrations", zap.Int("count", len(missing)))
	if err := p.applyMigrations(ctx, rec, missing, true); err != nil {
		return "", &RepairError{Step: "apply migrations", Err: err}
	}

	if p.cfg.Storage != nil {
		prefix := tenant.BuildStoragePrefix(p.cfg.EnvKey, rec.ClinicID)
		if err := p.withTimeout(ctx, func(ctx context.Context) error {
			return p.cfg.Storage.Ensure(ctx, prefix)
		}); err != nil {
			return "", &RepairError{Step: "ensure storage prefix", Err: err}
		}
	}
	return RepairOutcomeRepaired, nil
}
