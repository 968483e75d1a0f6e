package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/tenant"
)

// Errors returned by the service layer.
var (
	ErrNotFound  = errors.New("clinic not found")
	ErrDuplicate = errors.New("clinic already registered")
)

// Clinic is the domain model for a registry entry.
type Clinic struct {
	ID                 uuid.UUID
	DisplayName        *string
	Locale             string
	DBHost             string
	DBPort             int
	DBName             string
	CredentialsRef     string
	IsActive           bool
	ProvisioningStatus persistence.ClinicStatus
	ProvisionedAt      *time.Time
	CreatedAt          time.Time
}

// RegisterInput represents the request to register a clinic. Connection
// placement and credential reference come from service defaults, not from
// the caller.
type RegisterInput struct {
	DisplayName *string
	Locale      string
}

// ListOptions captures the optional status filter.
type ListOptions struct {
	Status *persistence.ClinicStatus
}

// Defaults describe where newly registered clinic databases are placed.
type Defaults struct {
	DBHost         string
	DBPort         int
	CredentialsRef string
}

// Repository abstracts the registry store.
type Repository interface {
	Create(ctx context.Context, rec persistence.ClinicRecord) (persistence.ClinicRecord, error)
	Get(ctx context.Context, clinicID uuid.UUID) (persistence.ClinicRecord, error)
	ListActive(ctx context.Context, status *persistence.ClinicStatus) ([]persistence.ClinicRecord, error)
	UpdateStatus(ctx context.Context, clinicID uuid.UUID, fromStatus, toStatus persistence.ClinicStatus) (persistence.ClinicRecord, error)
	SetActive(ctx context.Context, clinicID uuid.UUID, active bool) (persistence.ClinicRecord, error)
}

// Workflow runs the long-lived lifecycle operations against a clinic.
type Workflow interface {
	Provision(ctx context.Context, clinicID uuid.UUID) error
	CheckIntegrity(ctx context.Context, clinicID uuid.UUID) (provisioning.IntegrityReport, error)
	Repair(ctx context.Context, clinicID uuid.UUID) (provisioning.RepairOutcome, error)
}

// Evictor drops any cached connection pool for a clinic.
type Evictor interface {
	Evict(clinicID uuid.UUID)
}

// Service provides clinic registry operations.
type Service struct {
	repo     Repository
	workflow Workflow
	evictor  Evictor
	defaults Defaults
	logger   *zap.Logger
}

// New constructs a Service with required dependencies.
func New(repo Repository, workflow Workflow, evictor Evictor, defaults Defaults, logger *zap.Logger) *Service {
	if repo == nil {
		panic("clinics repo is required")
	}
	if workflow == nil {
		panic("provisioning workflow is required")
	}
	if evictor == nil {
		panic("evictor is required")
	}
	if defaults.DBHost == "" || defaults.DBPort == 0 {
		panic("database placement defaults are required")
	}
	if defaults.CredentialsRef == "" {
		panic("credentials ref is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		workflow: workflow,
		evictor:  evictor,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "clinics.service")),
	}
}

// Register creates a registry entry in NOT_PROVISIONED state. The database
// name is derived from the clinic id so it never collides with another
// clinic's.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Clinic, error) {
	id := uuid.New()

	locale := input.Locale
	if locale == "" {
		locale = "en-US"
	}

	rec := persistence.ClinicRecord{
		ClinicID:           id,
		DisplayName:        input.DisplayName,
		Locale:             locale,
		DBHost:             s.defaults.DBHost,
		DBPort:             s.defaults.DBPort,
		DBName:             tenant.BuildDatabaseName(id),
		CredentialsRef:     s.defaults.CredentialsRef,
		IsActive:           true,
		ProvisioningStatus: persistence.StatusNotProvisioned,
	}

	created, err := s.repo.Create(ctx, rec)
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return Clinic{}, ErrDuplicate
		}
		return Clinic{}, err
	}

	s.logger.Info("clinic registered",
		zap.String("clinic_id", id.String()),
		zap.String("db_name", created.DBName))

	return fromRecord(created), nil
}

// Get returns a clinic by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Clinic, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Clinic{}, ErrNotFound
		}
		return Clinic{}, err
	}
	return fromRecord(rec), nil
}

// List returns active clinics, optionally filtered by provisioning status.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Clinic, error) {
	recs, err := s.repo.ListActive(ctx, opts.Status)
	if err != nil {
		return nil, err
	}
	clinics := make([]Clinic, 0, len(recs))
	for _, rec := range recs {
		clinics = append(clinics, fromRecord(rec))
	}
	return clinics, nil
}

// Deactivate marks a clinic inactive and evicts any cached connection pool
// so in-flight routing stops immediately. The clinic database is untouched.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (Clinic, error) {
	rec, err := s.repo.SetActive(ctx, id, false)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Clinic{}, ErrNotFound
		}
		return Clinic{}, err
	}

	s.evictor.Evict(id)
	s.logger.Info("clinic deactivated", zap.String("clinic_id", id.String()))

	return fromRecord(rec), nil
}

// Activate re-enables a previously deactivated clinic.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (Clinic, error) {
	rec, err := s.repo.SetActive(ctx, id, true)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Clinic{}, ErrNotFound
		}
		return Clinic{}, err
	}
	return fromRecord(rec), nil
}

// Provision runs the full provisioning workflow for a clinic.
func (s *Service) Provision(ctx context.Context, id uuid.UUID) error {
	return s.workflow.Provision(ctx, id)
}

// CheckIntegrity reports the live state of a clinic's environment without
// changing anything.
func (s *Service) CheckIntegrity(ctx context.Context, id uuid.UUID) (provisioning.IntegrityReport, error) {
	return s.workflow.CheckIntegrity(ctx, id)
}

// Repair converges a clinic's environment back to a healthy state.
func (s *Service) Repair(ctx context.Context, id uuid.UUID) (provisioning.RepairOutcome, error) {
	return s.workflow.Repair(ctx, id)
}

func fromRecord(rec persistence.ClinicRecord) Clinic {
	return Clinic{
		ID:                 rec.ClinicID,
		DisplayName:        rec.DisplayName,
		Locale:             rec.Locale,
		DBHost:             rec.DBHost,
		DBPort:             rec.DBPort,
		DBName:             rec.DBName,
		CredentialsRef:     rec.CredentialsRef,
		IsActive:           rec.IsActive,
		ProvisioningStatus: rec.ProvisioningStatus,
		ProvisionedAt:      rec.ProvisionedAt,
		CreatedAt:          rec.CreatedAt,
	}
}
