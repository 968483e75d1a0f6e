package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/handler"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/repo"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

type stubWorkflow struct {
	store        *repo.MemoryRepository
	provisionErr error
	report       provisioning.IntegrityReport
	outcome      provisioning.RepairOutcome
}

func (w *stubWorkflow) Provision(ctx context.Context, clinicID uuid.UUID) error {
	if w.provisionErr != nil {
		return w.provisionErr
	}
	if _, err := w.store.UpdateStatus(ctx, clinicID, persistence.StatusNotProvisioned, persistence.StatusProvisioning); err != nil {
		return err
	}
	_, err := w.store.UpdateStatus(ctx, clinicID, persistence.StatusProvisioning, persistence.StatusProvisioned)
	return err
}

func (w *stubWorkflow) CheckIntegrity(ctx context.Context, clinicID uuid.UUID) (provisioning.IntegrityReport, error) {
	return w.report, nil
}

func (w *stubWorkflow) Repair(ctx context.Context, clinicID uuid.UUID) (provisioning.RepairOutcome, error) {
	return w.outcome, nil
}

type noopEvictor struct{}

func (noopEvictor) Evict(uuid.UUID) {}

func newTestServer(t *testing.T) (*httptest.Server, *stubWorkflow) {
	t.Helper()

	store := repo.NewMemoryRepository()
	workflow := &stubWorkflow{store: store}
	defaults := service.Defaults{DBHost: "db.internal", DBPort: 5432, CredentialsRef: "CLINIC_DB_CREDENTIALS"}
	svc := service.New(store, workflow, noopEvictor{}, defaults, zap.NewNop())

	srv := httptest.NewServer(handler.New(svc, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, workflow
}

func registerClinic(t *testing.T, srv *httptest.Server, body string) map[string]any {
	t.Helper()

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestRegisterClinic(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := registerClinic(t, srv, `{"display_name":"North Shore Clinic","locale":"en-AU"}`)

	require.Equal(t, "NOT_PROVISIONED", payload["provisioning_status"])
	require.Equal(t, "en-AU", payload["locale"])
	require.Equal(t, true, payload["is_active"])
	require.Contains(t, payload["db_name"], "clinic_")

	_, err := uuid.Parse(payload["clinic_id"].(string))
	require.NoError(t, err)
}

func TestRegisterRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"display_name":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestGetClinic(t *testing.T) {
	srv, _ := newTestServer(t)
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Get(srv.URL + "/" + created["clinic_id"].(string))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, created["clinic_id"], payload["clinic_id"])
}

func TestGetUnknownClinic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetInvalidClinicID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvisionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Post(srv.URL+"/"+created["clinic_id"].(string)+"/provision", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "PROVISIONED", payload["provisioning_status"])
	require.NotEmpty(t, payload["provisioned_at"])
}

func TestProvisionConflict(t *testing.T) {
	srv, workflow := newTestServer(t)
	workflow.provisionErr = provisioning.ErrAlreadyInProgress
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Post(srv.URL+"/"+created["clinic_id"].(string)+"/provision", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIntegrityEndpoint(t *testing.T) {
	srv, workflow := newTestServer(t)
	workflow.report = provisioning.IntegrityReport{
		Exists:        true,
		Reachable:     true,
		PresentTables: []string{"org_units", "patients"},
		MissingTables: []string{"appointments"},
	}
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Get(srv.URL + "/" + created["clinic_id"].(string) + "/integrity")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, true, payload["database_exists"])
	require.Equal(t, false, payload["healthy"])
	require.Len(t, payload["missing_tables"], 1)
}

func TestRepairEndpoint(t *testing.T) {
	srv, workflow := newTestServer(t)
	workflow.outcome = provisioning.RepairOutcomeRepaired
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Post(srv.URL+"/"+created["clinic_id"].(string)+"/repair", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload repairOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "repaired", payload.Outcome)
}

type repairOutcome struct {
	Outcome string `json:"outcome"`
}

func TestListWithStatusFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	a := registerClinic(t, srv, `{}`)
	registerClinic(t, srv, `{}`)

	resp, err := http.Post(srv.URL+"/"+a["clinic_id"].(string)+"/provision", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/?status=PROVISIONED")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Items, 1)
	require.Equal(t, a["clinic_id"], payload.Items[0]["clinic_id"])
}

func TestListRejectsUnknownStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/?status=HEALTHY")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeactivateRemovesFromListing(t *testing.T) {
	srv, _ := newTestServer(t)
	created := registerClinic(t, srv, `{}`)

	resp, err := http.Post(srv.URL+"/"+created["clinic_id"].(string)+"/deactivate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, false, payload["is_active"])

	listResp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var list struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Empty(t, list.Items)
}
