package repo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

func patientsTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url, ok := os.LookupEnv("TEST_DATABASE_URL")
	if !ok || strings.TrimSpace(url) == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("create test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, script := range []string{sqlassets.OrgUnitsSQL, sqlassets.PatientsSQL} {
		for _, stmt := range persistence.SplitStatements(script) {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				t.Fatalf("apply schema: %v", err)
			}
		}
	}
	return pool
}

func newStore(t *testing.T) *PatientStore {
	t.Helper()
	store, err := NewPatientStore(patientsTestPool(t))
	require.NoError(t, err)
	return store
}

func TestPatientCreateAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	birth := time.Date(1987, 6, 12, 0, 0, 0, 0, time.UTC)
	email := "ana@example.com"
	created, err := store.Create(ctx, CreatePatientParams{
		GivenName:  "Ana",
		FamilyName: "Silva",
		BirthDate:  &birth,
		Email:      &email,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.PatientID)
	require.Equal(t, "Ana", created.GivenName)

	got, err := store.Get(ctx, created.PatientID)
	require.NoError(t, err)
	require.Equal(t, created.PatientID, got.PatientID)
	require.NotNil(t, got.Email)
	require.Equal(t, email, *got.Email)
}

func TestPatientCreateRequiresNames(t *testing.T) {
	store := newStore(t)

	_, err := store.Create(context.Background(), CreatePatientParams{GivenName: "  ", FamilyName: "Silva"})
	require.Error(t, err)
}

func TestPatientGetMissing(t *testing.T) {
	store := newStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrPatientNotFound)
}

func TestPatientListFiltersByFamilyName(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	family := "Listable-" + uuid.NewString()[:8]
	for _, given := range []string{"Maria", "Joao"} {
		_, err := store.Create(ctx, CreatePatientParams{GivenName: given, FamilyName: family})
		require.NoError(t, err)
	}

	patients, err := store.List(ctx, ListPatientsParams{FamilyName: &family})
	require.NoError(t, err)
	require.Len(t, patients, 2)
	require.Equal(t, "Joao", patients[0].GivenName)
}

func TestPatientUpdateAppliesOnlyProvidedFields(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreatePatientParams{GivenName: "Ana", FamilyName: "Silva"})
	require.NoError(t, err)

	phone := "+351000000000"
	updated, err := store.Update(ctx, created.PatientID, UpdatePatientParams{Phone: &phone})
	require.NoError(t, err)
	require.Equal(t, "Ana", updated.GivenName)
	require.NotNil(t, updated.Phone)
	require.Equal(t, phone, *updated.Phone)
	require.True(t, updated.UpdatedAt.After(created.UpdatedAt) || updated.UpdatedAt.Equal(created.UpdatedAt))
}

func TestPatientDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreatePatientParams{GivenName: "Ana", FamilyName: "Silva"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.PatientID))
	require.ErrorIs(t, store.Delete(ctx, created.PatientID), ErrPatientNotFound)

	_, err = store.Get(ctx, created.PatientID)
	require.ErrorIs(t, err, ErrPatientNotFound)
}
