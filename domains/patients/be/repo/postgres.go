package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const PatientsTable = "patients"

// Patient represents a row in a clinic's patients table.
type Patient struct {
	PatientID  uuid.UUID  `db:"patient_id" json:"patientId"`
	OrgUnitID  *uuid.UUID `db:"org_unit_id" json:"orgUnitId,omitempty"`
	GivenName  string     `db:"given_name" json:"givenName"`
	FamilyName string     `db:"family_name" json:"familyName"`
	BirthDate  *time.Time `db:"birth_date" json:"birthDate,omitempty"`
	Email      *string    `db:"email" json:"email,omitempty"`
	Phone      *string    `db:"phone" json:"phone,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

var (
	// ErrPatientNotFound indicates a missing patient record.
	ErrPatientNotFound = errors.New("patient not found")
)

// PatientStore exposes persistence helpers for one clinic's patients table.
// It is constructed per request around the routed clinic pool, so a store can
// never read another clinic's data.
type PatientStore struct {
	pool *pgxpool.Pool
}

// NewPatientStore wraps the routed pool for a single clinic.
func NewPatientStore(pool *pgxpool.Pool) (*PatientStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PatientStore{pool: pool}, nil
}

const patientColumns = `patient_id, org_unit_id, given_name, family_name, birth_date, email, phone, created_at, updated_at`

// CreatePatientParams captures the fields required to insert a new patient.
type CreatePatientParams struct {
	OrgUnitID  *uuid.UUID
	GivenName  string
	FamilyName string
	BirthDate  *time.Time
	Email      *string
	Phone      *string
}

// Create inserts a new patient and returns the persisted record.
func (s *PatientStore) Create(ctx context.Context, params CreatePatientParams) (Patient, error) {
	if strings.TrimSpace(params.GivenName) == "" || strings.TrimSpace(params.FamilyName) == "" {
		return Patient{}, errors.New("given and family name are required")
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (org_unit_id, given_name, family_name, birth_date, email, phone)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING %s
    `, PatientsTable, patientColumns),
		params.OrgUnitID,
		strings.TrimSpace(params.GivenName),
		strings.TrimSpace(params.FamilyName),
		params.BirthDate,
		params.Email,
		params.Phone,
	)

	return scanPatient(row)
}

// Get returns a patient by id.
func (s *PatientStore) Get(ctx context.Context, patientID uuid.UUID) (Patient, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT %s FROM %s WHERE patient_id = $1
    `, patientColumns, PatientsTable), patientID)

	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Patient{}, ErrPatientNotFound
		}
		return Patient{}, err
	}
	return patient, nil
}

// ListPatientsParams captures filters for List.
type ListPatientsParams struct {
	FamilyName *string
	Limit      int
}

// List returns patients ordered by family name, optionally filtered by an
// exact family name match.
func (s *PatientStore) List(ctx context.Context, params ListPatientsParams) ([]Patient, error) {
	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, patientColumns, PatientsTable)
	args := []any{}
	if params.FamilyName != nil && *params.FamilyName != "" {
		query += ` WHERE family_name = $1`
		args = append(args, *params.FamilyName)
	}
	query += fmt.Sprintf(` ORDER BY family_name, given_name LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	return patients, rows.Err()
}

// UpdatePatientParams captures mutable patient fields.
type UpdatePatientParams struct {
	OrgUnitID  *uuid.UUID
	GivenName  *string
	FamilyName *string
	BirthDate  *time.Time
	Email      *string
	Phone      *string
}

// Update applies non-nil fields and returns the updated record.
func (s *PatientStore) Update(ctx context.Context, patientID uuid.UUID, params UpdatePatientParams) (Patient, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET
            org_unit_id = COALESCE($2, org_unit_id),
            given_name = COALESCE($3, given_name),
            family_name = COALESCE($4, family_name),
            birth_date = COALESCE($5, birth_date),
            email = COALESCE($6, email),
            phone = COALESCE($7, phone),
            updated_at = now()
        WHERE patient_id = $1
        RETURNING %s
    `, PatientsTable, patientColumns),
		patientID,
		params.OrgUnitID,
		params.GivenName,
		params.FamilyName,
		params.BirthDate,
		params.Email,
		params.Phone,
	)

	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Patient{}, ErrPatientNotFound
		}
		return Patient{}, err
	}
	return patient, nil
}

// Delete removes a patient record.
func (s *PatientStore) Delete(ctx context.Context, patientID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE patient_id = $1`, PatientsTable), patientID)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(
		&p.PatientID,
		&p.OrgUnitID,
		&p.GivenName,
		&p.FamilyName,
		&p.BirthDate,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Patient{}, err
	}
	return p, nil
}
