package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/domains/patients/be/repo"
	"github.com/vitalis-health/vitalis-saas/platform/go/connrouter"
	platformlogging "github.com/vitalis-health/vitalis-saas/platform/go/logging"
)

// Handler serves patient CRUD against whichever clinic database the routing
// middleware attached to the request. It never selects a database itself.
type Handler struct {
	chi.Router

	logger *zap.Logger
}

// New constructs a Handler. Mount it behind the clinic routing middleware.
func New(logger *zap.Logger) *Handler {
	if logger == nil {
		panic("logger is required")
	}

	h := &Handler{logger: logger}

	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{patientID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
	h.Router = r

	return h
}

type patientRequest struct {
	OrgUnitID  *uuid.UUID `json:"org_unit_id,omitempty"`
	GivenName  *string    `json:"given_name,omitempty"`
	FamilyName *string    `json:"family_name,omitempty"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Email      *string    `json:"email,omitempty"`
	Phone      *string    `json:"phone,omitempty"`
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*repo.PatientStore, bool) {
	handle, ok := connrouter.HandleFromContext(r.Context())
	if !ok {
		// Routing middleware was not applied; treat as a wiring bug.
		h.logger.Error("patient request without routed clinic database", zap.String("path", r.URL.Path))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}

	store, err := repo.NewPatientStore(handle.Pool())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return store, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var req patientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "request body must be valid JSON", http.StatusBadRequest)
		return
	}
	if req.GivenName == nil || req.FamilyName == nil {
		http.Error(w, "given_name and family_name are required", http.StatusBadRequest)
		return
	}

	patient, err := store.Create(r.Context(), repo.CreatePatientParams{
		OrgUnitID:  req.OrgUnitID,
		GivenName:  *req.GivenName,
		FamilyName: *req.FamilyName,
		BirthDate:  req.BirthDate,
		Email:      req.Email,
		Phone:      req.Phone,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, patient)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	params := repo.ListPatientsParams{}
	if family := r.URL.Query().Get("family_name"); family != "" {
		params.FamilyName = &family
	}

	patients, err := store.List(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if patients == nil {
		patients = []repo.Patient{}
	}
	h.respond(w, r, http.StatusOK, map[string]any{"items": patients})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	id, ok := h.patientID(w, r)
	if !ok {
		return
	}

	patient, err := store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, patient)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	id, ok := h.patientID(w, r)
	if !ok {
		return
	}

	var req patientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "request body must be valid JSON", http.StatusBadRequest)
		return
	}

	patient, err := store.Update(r.Context(), id, repo.UpdatePatientParams{
		OrgUnitID:  req.OrgUnitID,
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
		BirthDate:  req.BirthDate,
		Email:      req.Email,
		Phone:      req.Phone,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, patient)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	id, ok := h.patientID(w, r)
	if !ok {
		return
	}

	if err := store.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) patientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		http.Error(w, "patient id must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrPatientNotFound) {
		http.Error(w, "patient not found", http.StatusNotFound)
		return
	}
	platformlogging.FromRequest(r, h.logger).Error("patient operation failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		platformlogging.FromRequest(r, h.logger).Error("encode response", zap.Error(err))
	}
}
