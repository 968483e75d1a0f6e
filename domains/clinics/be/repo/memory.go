package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
)

// MemoryRepository is a simple in-memory implementation suitable for tests
// and early development. It reproduces the registry store's compare-and-swap
// behaviour, including the db_name uniqueness constraint.
type MemoryRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]persistence.ClinicRecord
	byDBName map[string]uuid.UUID
}

// NewMemoryRepository constructs a MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[uuid.UUID]persistence.ClinicRecord),
		byDBName: make(map[string]uuid.UUID),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, rec persistence.ClinicRecord) (persistence.ClinicRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[rec.ClinicID]; exists {
		return persistence.ClinicRecord{}, persistence.ErrDuplicate
	}
	if _, exists := r.byDBName[rec.DBName]; exists {
		return persistence.ClinicRecord{}, persistence.ErrDuplicate
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.byID[rec.ClinicID] = rec
	r.byDBName[rec.DBName] = rec.ClinicID
	return rec, nil
}

func (r *MemoryRepository) Get(ctx context.Context, clinicID uuid.UUID) (persistence.ClinicRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[clinicID]
	if !ok {
		return persistence.ClinicRecord{}, persistence.ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepository) ListActive(ctx context.Context, status *persistence.ClinicStatus) ([]persistence.ClinicRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]persistence.ClinicRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		if !rec.IsActive {
			continue
		}
		if status != nil && rec.ProvisioningStatus != *status {
			continue
		}
		items = append(items, rec)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// UpdateStatus transitions a clinic only if it currently holds fromStatus,
// matching the conditional UPDATE the registry store issues.
func (r *MemoryRepository) UpdateStatus(ctx context.Context, clinicID uuid.UUID, fromStatus, toStatus persistence.ClinicStatus) (persistence.ClinicRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[clinicID]
	if !ok {
		return persistence.ClinicRecord{}, persistence.ErrNotFound
	}
	if rec.ProvisioningStatus != fromStatus {
		return persistence.ClinicRecord{}, persistence.ErrStatusConflict
	}

	rec.ProvisioningStatus = toStatus
	if toStatus == persistence.StatusProvisioned {
		now := time.Now().UTC()
		rec.ProvisionedAt = &now
	}

	r.byID[clinicID] = rec
	return rec, nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, clinicID uuid.UUID, active bool) (persistence.ClinicRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[clinicID]
	if !ok {
		return persistence.ClinicRecord{}, persistence.ErrNotFound
	}

	rec.IsActive = active
	r.byID[clinicID] = rec
	return rec, nil
}

// Ensure interface compliance.
var _ service.Repository = (*MemoryRepository)(nil)
