package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
	"github.com/vitalis-health/vitalis-saas/platform/go/connrouter"
	"github.com/vitalis-health/vitalis-saas/platform/go/migrate"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/secrets"
	"github.com/vitalis-health/vitalis-saas/platform/go/tenant"
)

// Exercises the whole lifecycle against a real postgres: register, provision,
// integrity, repair after induced damage, routing, deactivation.
func TestClinicLifecycleIntegration(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping clinic lifecycle integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vitalis"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	adminPool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() {
		persistence.ClosePool(adminPool)
	})

	require.NoError(t, persistence.BootstrapRegistry(ctx, adminPool))

	registry, err := persistence.NewRegistryStore(adminPool)
	require.NoError(t, err)

	source := secrets.Static(map[string]string{"CLINIC_DB_PASSWORD": "postgres"})

	prov, err := New(Config{
		Registry:  registry,
		Admin:     NewPGAdmin(adminPool),
		Connector: NewPGConnector(source, "postgres"),
		Set:       migrate.ClinicSpace(),
		SeedSQL:   sqlassets.DefaultOrgUnitSQL,
		EnvKey:    "test",
	})
	require.NoError(t, err)

	clinicID := uuid.New()
	rec, err := registry.Create(ctx, persistence.ClinicRecord{
		ClinicID:           clinicID,
		Locale:             "en-US",
		DBHost:             host,
		DBPort:             mappedPort.Int(),
		DBName:             tenant.BuildDatabaseName(clinicID),
		CredentialsRef:     "CLINIC_DB_PASSWORD",
		IsActive:           true,
		ProvisioningStatus: persistence.StatusNotProvisioned,
	})
	require.NoError(t, err)

	// Provision and verify the terminal state.
	require.NoError(t, prov.Provision(ctx, clinicID))

	rec, err = registry.Get(ctx, clinicID)
	require.NoError(t, err)
	require.Equal(t, persistence.StatusProvisioned, rec.ProvisioningStatus)
	require.NotNil(t, rec.ProvisionedAt)

	// Provisioning again must refuse: the clinic is already PROVISIONED.
	err = prov.Provision(ctx, clinicID)
	require.ErrorIs(t, err, ErrAlreadyInProgress)

	report, err := prov.CheckIntegrity(ctx, clinicID)
	require.NoError(t, err)
	require.True(t, report.Healthy)
	require.Empty(t, report.MissingTables)

	// Healthy repair is a no-op.
	outcome, err := prov.Repair(ctx, clinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeHealthy, outcome)

	// Route a request-scoped handle and touch seeded data.
	router := connrouter.New(connrouter.Config{
		Registry: registry,
		Secrets:  source,
		DBUser:   "postgres",
	})
	t.Cleanup(router.CloseAll)

	handle, err := router.Resolve(ctx, clinicID)
	require.NoError(t, err)

	var orgUnits int
	require.NoError(t, handle.Pool().QueryRow(ctx, "SELECT count(*) FROM org_units").Scan(&orgUnits))
	require.Equal(t, 1, orgUnits)

	// Damage the clinic database and watch integrity catch it.
	conn, err := NewPGConnector(source, "postgres").Connect(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, conn.ApplyScript(ctx, "DROP TABLE consents"))
	conn.Close()

	report, err = prov.CheckIntegrity(ctx, clinicID)
	require.NoError(t, err)
	require.False(t, report.Healthy)
	require.Contains(t, report.MissingTables, "consents")

	router.Evict(clinicID)

	outcome, err = prov.Repair(ctx, clinicID)
	require.NoError(t, err)
	require.Equal(t, RepairOutcomeRepaired, outcome)

	report, err = prov.CheckIntegrity(ctx, clinicID)
	require.NoError(t, err)
	require.True(t, report.Healthy)

	// Deactivated clinics must not route.
	_, err = registry.SetActive(ctx, clinicID, false)
	require.NoError(t, err)
	router.Evict(clinicID)

	_, err = router.Resolve(ctx, clinicID)
	require.ErrorIs(t, err, connrouter.ErrClinicNotReady)
}
