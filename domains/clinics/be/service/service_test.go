package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/repo"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

// stubWorkflow records delegated lifecycle calls.
type stubWorkflow struct {
	provisioned []uuid.UUID
	repaired    []uuid.UUID
	report      provisioning.IntegrityReport
	outcome     provisioning.RepairOutcome
	err         error
}

func (w *stubWorkflow) Provision(ctx context.Context, clinicID uuid.UUID) error {
	w.provisioned = append(w.provisioned, clinicID)
	return w.err
}

func (w *stubWorkflow) CheckIntegrity(ctx context.Context, clinicID uuid.UUID) (provisioning.IntegrityReport, error) {
	return w.report, w.err
}

func (w *stubWorkflow) Repair(ctx context.Context, clinicID uuid.UUID) (provisioning.RepairOutcome, error) {
	w.repaired = append(w.repaired, clinicID)
	return w.outcome, w.err
}

type recordingEvictor struct {
	evicted []uuid.UUID
}

func (e *recordingEvictor) Evict(clinicID uuid.UUID) {
	e.evicted = append(e.evicted, clinicID)
}

func testDefaults() service.Defaults {
	return service.Defaults{
		DBHost:         "db.internal",
		DBPort:         5432,
		CredentialsRef: "CLINIC_DB_CREDENTIALS",
	}
}

func newTestService(t *testing.T) (*service.Service, *repo.MemoryRepository, *stubWorkflow, *recordingEvictor) {
	t.Helper()
	store := repo.NewMemoryRepository()
	workflow := &stubWorkflow{}
	evictor := &recordingEvictor{}
	svc := service.New(store, workflow, evictor, testDefaults(), nil)
	return svc, store, workflow, evictor
}

func TestRegisterDerivesDatabaseName(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	name := "North Shore Clinic"
	clinic, err := svc.Register(context.Background(), service.RegisterInput{DisplayName: &name})
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, clinic.ID)
	require.True(t, strings.HasPrefix(clinic.DBName, "clinic_"))
	require.NotContains(t, clinic.DBName, "-")
	require.Equal(t, persistence.StatusNotProvisioned, clinic.ProvisioningStatus)
	require.True(t, clinic.IsActive)
	require.Equal(t, "db.internal", clinic.DBHost)
	require.Equal(t, 5432, clinic.DBPort)
	require.Equal(t, "CLINIC_DB_CREDENTIALS", clinic.CredentialsRef)
	require.Equal(t, "en-US", clinic.Locale)
	require.Nil(t, clinic.ProvisionedAt)
}

func TestRegisterUniqueDatabaseNames(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	a, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)
	b, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)

	require.NotEqual(t, a.DBName, b.DBName)
}

func TestGetUnknownClinic(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, service.ErrNotFound)
}

func TestListFiltersByStatus(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	a, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)

	_, err = store.UpdateStatus(context.Background(), a.ID, persistence.StatusNotProvisioned, persistence.StatusProvisioning)
	require.NoError(t, err)
	_, err = store.UpdateStatus(context.Background(), a.ID, persistence.StatusProvisioning, persistence.StatusProvisioned)
	require.NoError(t, err)

	status := persistence.StatusProvisioned
	clinics, err := svc.List(context.Background(), service.ListOptions{Status: &status})
	require.NoError(t, err)
	require.Len(t, clinics, 1)
	require.Equal(t, a.ID, clinics[0].ID)

	all, err := svc.List(context.Background(), service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeactivateEvictsCachedPool(t *testing.T) {
	svc, _, _, evictor := newTestService(t)

	clinic, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)

	updated, err := svc.Deactivate(context.Background(), clinic.ID)
	require.NoError(t, err)
	require.False(t, updated.IsActive)
	require.Equal(t, []uuid.UUID{clinic.ID}, evictor.evicted)

	all, err := svc.List(context.Background(), service.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDeactivateUnknownClinic(t *testing.T) {
	svc, _, _, evictor := newTestService(t)

	_, err := svc.Deactivate(context.Background(), uuid.New())
	require.ErrorIs(t, err, service.ErrNotFound)
	require.Empty(t, evictor.evicted)
}

func TestActivateRestoresListing(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	clinic, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)

	_, err = svc.Deactivate(context.Background(), clinic.ID)
	require.NoError(t, err)

	restored, err := svc.Activate(context.Background(), clinic.ID)
	require.NoError(t, err)
	require.True(t, restored.IsActive)

	all, err := svc.List(context.Background(), service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLifecycleDelegation(t *testing.T) {
	svc, _, workflow, _ := newTestService(t)
	workflow.outcome = provisioning.RepairOutcomeRepaired

	clinic, err := svc.Register(context.Background(), service.RegisterInput{})
	require.NoError(t, err)

	require.NoError(t, svc.Provision(context.Background(), clinic.ID))
	require.Equal(t, []uuid.UUID{clinic.ID}, workflow.provisioned)

	outcome, err := svc.Repair(context.Background(), clinic.ID)
	require.NoError(t, err)
	require.Equal(t, provisioning.RepairOutcomeRepaired, outcome)
	require.Equal(t, []uuid.UUID{clinic.ID}, workflow.repaired)

	workflow.err = errors.New("boom")
	require.Error(t, svc.Provision(context.Background(), clinic.ID))
}
