package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

const (
	problemTypeValidation = "https://vitalis.health/problems/validation-error"
	problemTypeNotFound   = "https://vitalis.health/problems/not-found"
	problemTypeConflict   = "https://vitalis.health/problems/conflict"
	problemTypeInternal   = "https://vitalis.health/problems/internal-error"
)

// Handler exposes the clinics admin API. Mount it under /admin/clinics.
type Handler struct {
	chi.Router

	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("clinics service is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	h := &Handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Post("/", h.handleRegister)
	r.Get("/", h.handleList)
	r.Route("/{clinicID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/provision", h.handleProvision)
		r.Get("/integrity", h.handleCheckIntegrity)
		r.Post("/repair", h.handleRepair)
		r.Post("/deactivate", h.handleDeactivate)
		r.Post("/activate", h.handleActivate)
	})
	h.Router = r

	return h
}

type registerRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Locale      string  `json:"locale,omitempty"`
}

type clinicResponse struct {
	ClinicID           string     `json:"clinic_id"`
	DisplayName        *string    `json:"display_name,omitempty"`
	Locale             string     `json:"locale"`
	DBName             string     `json:"db_name"`
	IsActive           bool       `json:"is_active"`
	ProvisioningStatus string     `json:"provisioning_status"`
	ProvisionedAt      *time.Time `json:"provisioned_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type integrityResponse struct {
	DatabaseExists bool     `json:"database_exists"`
	Reachable      bool     `json:"reachable"`
	PresentTables  []string `json:"present_tables"`
	MissingTables  []string `json:"missing_tables"`
	Healthy        bool     `json:"healthy"`
}

type repairResponse struct {
	Outcome string `json:"outcome"`
}

type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status"`
}

// handleRegister implements POST /admin/clinics
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.problem(w, http.StatusBadRequest, problemTypeValidation, "Invalid request body", "request body must be valid JSON")
		return
	}

	clinic, err := h.svc.Register(r.Context(), service.RegisterInput{
		DisplayName: req.DisplayName,
		Locale:      req.Locale,
	})
	if err != nil {
		h.problemForError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/admin/clinics/"+clinic.ID.String())
	h.respond(w, http.StatusCreated, toClinicResponse(clinic))
}

// handleList implements GET /admin/clinics with an optional ?status= filter.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := service.ListOptions{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := persistence.ParseClinicStatus(raw)
		if err != nil {
			h.problem(w, http.StatusBadRequest, problemTypeValidation, "Invalid status filter", err.Error())
			return
		}
		opts.Status = &status
	}

	clinics, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}

	items := make([]clinicResponse, 0, len(clinics))
	for _, c := range clinics {
		items = append(items, toClinicResponse(c))
	}
	h.respond(w, http.StatusOK, map[string]any{"items": items})
}

// handleGet implements GET /admin/clinics/{clinicID}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	clinic, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toClinicResponse(clinic))
}

// handleProvision implements POST /admin/clinics/{clinicID}/provision. The
// call is synchronous: it returns once the clinic database is ready or the
// rollback has completed.
func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Provision(r.Context(), id); err != nil {
		h.problemForError(w, r, err)
		return
	}

	clinic, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toClinicResponse(clinic))
}

// handleCheckIntegrity implements GET /admin/clinics/{clinicID}/integrity
func (h *Handler) handleCheckIntegrity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	report, err := h.svc.CheckIntegrity(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, integrityResponse{
		DatabaseExists: report.Exists,
		Reachable:      report.Reachable,
		PresentTables:  report.PresentTables,
		MissingTables:  report.MissingTables,
		Healthy:        report.Healthy,
	})
}

// handleRepair implements POST /admin/clinics/{clinicID}/repair
func (h *Handler) handleRepair(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	outcome, err := h.svc.Repair(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, repairResponse{Outcome: string(outcome)})
}

// handleDeactivate implements POST /admin/clinics/{clinicID}/deactivate
func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	clinic, err := h.svc.Deactivate(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toClinicResponse(clinic))
}

// handleActivate implements POST /admin/clinics/{clinicID}/activate
func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clinicID(w, r)
	if !ok {
		return
	}

	clinic, err := h.svc.Activate(r.Context(), id)
	if err != nil {
		h.problemForError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, toClinicResponse(clinic))
}

func (h *Handler) clinicID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "clinicID")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.problem(w, http.StatusBadRequest, problemTypeValidation, "Invalid clinic id", "clinic id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) problemForError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound) || errors.Is(err, provisioning.ErrNotFound):
		h.problem(w, http.StatusNotFound, problemTypeNotFound, "Not found", "clinic not found")
	case errors.Is(err, service.ErrDuplicate):
		h.problem(w, http.StatusConflict, problemTypeConflict, "Conflict", "clinic already registered")
	case errors.Is(err, provisioning.ErrAlreadyInProgress):
		h.problem(w, http.StatusConflict, problemTypeConflict, "Conflict", "a lifecycle operation is already in progress for this clinic")
	case errors.Is(err, provisioning.ErrNotProvisionable):
		h.problem(w, http.StatusConflict, problemTypeConflict, "Conflict", "clinic is not in a repairable state")
	default:
		h.logger.Error("clinic operation failed", zap.Error(err))
		h.problem(w, http.StatusInternalServerError, problemTypeInternal, "Internal error", "internal error")
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) problem(w http.ResponseWriter, status int, problemType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetails{
		Type:   problemType,
		Title:  title,
		Detail: detail,
		Status: status,
	})
}

func toClinicResponse(c service.Clinic) clinicResponse {
	return clinicResponse{
		ClinicID:           c.ID.String(),
		DisplayName:        c.DisplayName,
		Locale:             c.Locale,
		DBName:             c.DBName,
		IsActive:           c.IsActive,
		ProvisioningStatus: string(c.ProvisioningStatus),
		ProvisionedAt:      c.ProvisionedAt,
		CreatedAt:          c.CreatedAt,
	}
}
