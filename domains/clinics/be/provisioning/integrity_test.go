package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-health/vitalis-saas/platform/go/connrouter"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

func provisionedClinic(t *testing.T, reg *memRegistry, cluster *fakeCluster) persistence.ClinicRecord {
	t.Helper()
	rec := newClinic(persistence.StatusNotProvisioned)
	reg.mu.Lock()
	reg.recs[rec.ClinicID] = rec
	reg.mu.Unlock()

	p := newTestProvisioner(t, reg, cluster, nil)
	require.NoError(t, p.Provision(context.Background(), rec.ClinicID))
	return rec
}

func TestCheckIntegrityHealthy(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	p := newTestProvisioner(t, reg, cluster, nil)

	report, err := p.CheckIntegrity(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.True(t, report.Exists)
	require.True(t, report.Reachable)
	require.True(t, report.Healthy)
	require.Empty(t, report.MissingTables)
	require.Len(t, report.PresentTables, 3)
}

func TestCheckIntegrityMissingDatabase(t *testing.T) {
	rec := newClinic(persistence.StatusRolledBack)
	reg := newMemRegistry(rec)
	p := newTestProvisioner(t, reg, newFakeCluster(), nil)

	report, err := p.CheckIntegrity(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.False(t, report.Exists)
	require.False(t, report.Reachable)
	require.False(t, report.Healthy)
	require.Equal(t, testSet().TargetTables(), report.MissingTables)
}

func TestCheckIntegrityUnreachable(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	cluster.failConnect = true
	p := newTestProvisioner(t, reg, cluster, nil)

	report, err := p.CheckIntegrity(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.True(t, report.Exists)
	require.False(t, report.Reachable)
	require.False(t, report.Healthy)
}

func TestCheckIntegrityMissingTables(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	delete(cluster.dbs[rec.DBName].tables, "patients")
	p := newTestProvisioner(t, reg, cluster, nil)

	report, err := p.CheckIntegrity(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.True(t, report.Exists)
	require.True(t, report.Reachable)
	require.False(t, report.Healthy)
	require.Equal(t, []string{"patients"}, report.MissingTables)
}

func TestRepairAfterRollback(t *testing.T) {
	// Provision with a script crafted to fail, then repair with the fixed
	// set: the clinic must end PROVISIONED with all tables present.
	rec := newClinic(persistence.StatusNotProvisioned)
	reg := newMemRegistry(rec)
	cluster := newFakeCluster()
	cluster.failScript[2] = true
	p := newTestProvisioner(t, reg, cluster, nil)

	require.Error(t, p.Provision(context.Background(), rec.ClinicID))
	require.Equal(t, persistence.StatusRolledBack, reg.status(rec.ClinicID))

	// Corrected migration set.
	delete(cluster.failScript, 2)

	outcome, err := p.Repair(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeRepaired, outcome)
	require.Equal(t, persistence.StatusProvisioned, reg.status(rec.ClinicID))

	report, err := p.CheckIntegrity(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Len(t, report.PresentTables, 3)
}

func TestRepairIsIdempotentOnHealthyClinic(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	p := newTestProvisioner(t, reg, cluster, nil)

	seedBefore := cluster.dbs[rec.DBName].seedRows
	appliedBefore := len(cluster.applied)

	for i := 0; i < 2; i++ {
		outcome, err := p.Repair(context.Background(), rec.ClinicID)
		require.NoError(t, err)
		require.Equal(t, RepairOutcomeHealthy, outcome)
	}

	// Existing data untouched: no scripts re-applied, seed rows unchanged.
	require.Equal(t, seedBefore, cluster.dbs[rec.DBName].seedRows)
	require.Equal(t, appliedBefore, len(cluster.applied))
	require.Equal(t, persistence.StatusProvisioned, reg.status(rec.ClinicID))
}

func TestRepairAppliesOnlyMissingScripts(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)

	delete(cluster.dbs[rec.DBName].tables, "appointments")
	appliedBefore := len(cluster.applied)

	p := newTestProvisioner(t, reg, cluster, nil)
	outcome, err := p.Repair(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeRepaired, outcome)

	applied := cluster.applied[appliedBefore:]
	require.Equal(t, []int{3}, applied)
	require.True(t, cluster.dbs[rec.DBName].tables["org_units"])
	require.True(t, cluster.dbs[rec.DBName].tables["patients"])
	require.True(t, cluster.dbs[rec.DBName].tables["appointments"])
}

func TestRepairRejectsNeverProvisioned(t *testing.T) {
	rec := newClinic(persistence.StatusNotProvisioned)
	reg := newMemRegistry(rec)
	p := newTestProvisioner(t, reg, newFakeCluster(), nil)

	_, err := p.Repair(context.Background(), rec.ClinicID)
	require.ErrorIs(t, err, ErrNotProvisionable)
}

func TestRepairRejectsInFlightWorkflow(t *testing.T) {
	rec := newClinic(persistence.StatusProvisioning)
	reg := newMemRegistry(rec)
	p := newTestProvisioner(t, reg, newFakeCluster(), nil)

	_, err := p.Repair(context.Background(), rec.ClinicID)
	require.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestRepairUnreachableStaysBroken(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	cluster.failConnect = true
	p := newTestProvisioner(t, reg, cluster, nil)

	_, err := p.Repair(context.Background(), rec.ClinicID)
	var repairErr *RepairError
	require.ErrorAs(t, err, &repairErr)
	require.Equal(t, "connect", repairErr.Step)
	require.Equal(t, persistence.StatusBroken, reg.status(rec.ClinicID))

	// Re-running after the cause is fixed heals the clinic.
	cluster.failConnect = false
	outcome, err := p.Repair(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeHealthy, outcome)
	require.Equal(t, persistence.StatusProvisioned, reg.status(rec.ClinicID))
}

func TestRepairEvictsCachedPool(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	delete(cluster.dbs[rec.DBName].tables, "patients")

	evictor := &recordingEvictor{}
	p := newTestProvisioner(t, reg, cluster, evictor)

	_, err := p.Repair(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{rec.ClinicID}, evictor.ids)
}

func TestFailedRepairLeavesNoRoutableHandle(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)

	// Cache a real router handle while the clinic is healthy.
	router := connrouter.New(connrouter.Config{
		Registry: reg,
		Open: func(ctx context.Context, r persistence.ClinicRecord) (*connrouter.Handle, error) {
			return connrouter.NewFakeHandle(r.ClinicID, r.DBName, nil), nil
		},
	})
	_, err := router.Resolve(context.Background(), rec.ClinicID)
	require.NoError(t, err)

	// Damage the database and make the fix-up script fail too, so the
	// repair ends with the clinic BROKEN.
	delete(cluster.dbs[rec.DBName].tables, "patients")
	cluster.failScript[2] = true

	p := newTestProvisioner(t, reg, cluster, router)
	_, err = p.Repair(context.Background(), rec.ClinicID)
	require.Error(t, err)
	require.Equal(t, persistence.StatusBroken, reg.status(rec.ClinicID))

	// The handle cached while healthy must be gone: a BROKEN clinic is never
	// routable, stale pool or not.
	_, err = router.Resolve(context.Background(), rec.ClinicID)
	require.ErrorIs(t, err, connrouter.ErrClinicNotReady)
}

// finalizeFailRegistry fails the PROVISIONING -> PROVISIONED transition a
// fixed number of times; every other transition passes through.
type finalizeFailRegistry struct {
	*memRegistry
	failures int
}

func (r *finalizeFailRegistry) UpdateStatus(ctx context.Context, id uuid.UUID, from, to persistence.ClinicStatus) (persistence.ClinicRecord, error) {
	if from == persistence.StatusProvisioning && to == persistence.StatusProvisioned && r.failures > 0 {
		r.failures--
		return persistence.ClinicRecord{}, errors.New("registry unavailable")
	}
	return r.memRegistry.UpdateStatus(ctx, id, from, to)
}

func TestRepairFinalizeFailureMarksBroken(t *testing.T) {
	reg := newMemRegistry()
	cluster := newFakeCluster()
	rec := provisionedClinic(t, reg, cluster)
	delete(cluster.dbs[rec.DBName].tables, "patients")

	flaky := &finalizeFailRegistry{memRegistry: reg, failures: 1}
	p := newTestProvisioner(t, flaky, cluster, nil)

	_, err := p.Repair(context.Background(), rec.ClinicID)
	var repairErr *RepairError
	require.ErrorAs(t, err, &repairErr)
	require.Equal(t, "finalize status", repairErr.Step)

	// Not wedged in PROVISIONING: the clinic is BROKEN and repair can run
	// again once the registry is back.
	require.Equal(t, persistence.StatusBroken, reg.status(rec.ClinicID))

	outcome, err := p.Repair(context.Background(), rec.ClinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeHealthy, outcome)
	require.Equal(t, persistence.StatusProvisioned, reg.status(rec.ClinicID))
}
