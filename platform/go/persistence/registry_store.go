package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClinicsTable is the registry table holding one row per clinic.
const ClinicsTable = "clinics"

// Store-level sentinel errors. The domain service maps these onto its own
// taxonomy.
var (
	ErrNotFound       = errors.New("clinic not found")
	ErrDuplicate      = errors.New("clinic id or database name already registered")
	ErrStatusConflict = errors.New("provisioning status changed concurrently")
)

// ClinicRecord is one registry row. ProvisioningStatus is stored as text and
// typed by the clinics service; CredentialsRef names a secret source, never
// the secret itself.
type ClinicRecord struct {
	ClinicID           uuid.UUID    `db:"clinic_id"`
	DisplayName        *string      `db:"display_name"`
	Locale             string       `db:"locale"`
	DBHost             string       `db:"db_host"`
	DBPort             int          `db:"db_port"`
	DBName             string       `db:"db_name"`
	CredentialsRef     string       `db:"credentials_ref"`
	IsActive           bool         `db:"is_active"`
	ProvisioningStatus ClinicStatus `db:"provisioning_status"`
	ProvisionedAt      *time.Time   `db:"provisioned_at"`
	CreatedAt          time.Time    `db:"created_at"`
}

// RegistryStore provides access to the clinics registry table. It is the
// single durable source of truth for which clinics exist and where their
// databases live.
type RegistryStore struct {
	pool *pgxpool.Pool
}

// NewRegistryStore creates a store; assumes the registry DDL is applied.
func NewRegistryStore(pool *pgxpool.Pool) (*RegistryStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &RegistryStore{pool: pool}, nil
}

const clinicColumns = `clinic_id, display_name, locale, db_host, db_port, db_name,
    credentials_ref, is_active, provisioning_status, provisioned_at, created_at`

// Create inserts a new clinic row. A primary key or db_name collision maps to
// ErrDuplicate.
func (s *RegistryStore) Create(ctx context.Context, rec ClinicRecord) (ClinicRecord, error) {
	if rec.ClinicID == uuid.Nil {
		return ClinicRecord{}, errors.New("clinic id is required")
	}
	if rec.DBName == "" {
		return ClinicRecord{}, errors.New("database name is required")
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (
            clinic_id, display_name, locale, db_host, db_port, db_name,
            credentials_ref, is_active, provisioning_status, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING %s
    `, ClinicsTable, clinicColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ClinicID, rec.DisplayName, rec.Locale, rec.DBHost, rec.DBPort,
		rec.DBName, rec.CredentialsRef, rec.IsActive, string(rec.ProvisioningStatus), rec.CreatedAt,
	)

	out, err := scanClinicRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ClinicRecord{}, ErrDuplicate
		}
		return ClinicRecord{}, fmt.Errorf("insert clinic: %w", err)
	}
	return out, nil
}

// Get fetches a clinic row by id.
func (s *RegistryStore) Get(ctx context.Context, clinicID uuid.UUID) (ClinicRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE clinic_id = $1`, clinicColumns, ClinicsTable)

	out, err := scanClinicRecord(s.pool.QueryRow(ctx, query, clinicID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClinicRecord{}, ErrNotFound
		}
		return ClinicRecord{}, fmt.Errorf("select clinic: %w", err)
	}
	return out, nil
}

// ListActive returns active clinics, optionally filtered by provisioning
// status, ordered by creation time.
func (s *RegistryStore) ListActive(ctx context.Context, status *ClinicStatus) ([]ClinicRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE is_active`, clinicColumns, ClinicsTable)
	args := []any{}
	if status != nil {
		query += ` AND provisioning_status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	defer rows.Close()

	var out []ClinicRecord
	for rows.Next() {
		rec, err := scanClinicRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clinic: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateStatus performs the compare-and-swap status transition that
// serializes provisioning and repair per clinic: the update applies only if
// the row's current status equals fromStatus, otherwise ErrStatusConflict is
// returned. provisioned_at is stamped exactly on the transition into
// PROVISIONED.
func (s *RegistryStore) UpdateStatus(ctx context.Context, clinicID uuid.UUID, fromStatus, toStatus ClinicStatus) (ClinicRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s
        SET provisioning_status = $3,
            provisioned_at = CASE WHEN $3 = 'PROVISIONED' THEN now() ELSE provisioned_at END
        WHERE clinic_id = $1 AND provisioning_status = $2
        RETURNING %s
    `, ClinicsTable, clinicColumns)

	out, err := scanClinicRecord(s.pool.QueryRow(ctx, query, clinicID, string(fromStatus), string(toStatus)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the clinic does not exist or someone else won the CAS.
			if _, getErr := s.Get(ctx, clinicID); errors.Is(getErr, ErrNotFound) {
				return ClinicRecord{}, ErrNotFound
			}
			return ClinicRecord{}, ErrStatusConflict
		}
		return ClinicRecord{}, fmt.Errorf("update clinic status: %w", err)
	}
	return out, nil
}

// SetActive flips the routing flag. Deactivated clinics must never be routed
// to; callers are responsible for evicting any cached connection pool.
func (s *RegistryStore) SetActive(ctx context.Context, clinicID uuid.UUID, active bool) (ClinicRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s SET is_active = $2 WHERE clinic_id = $1
        RETURNING %s
    `, ClinicsTable, clinicColumns)

	out, err := scanClinicRecord(s.pool.QueryRow(ctx, query, clinicID, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClinicRecord{}, ErrNotFound
		}
		return ClinicRecord{}, fmt.Errorf("set clinic active: %w", err)
	}
	return out, nil
}

func scanClinicRecord(row pgx.Row) (ClinicRecord, error) {
	var (
		rec    ClinicRecord
		status string
	)
	err := row.Scan(
		&rec.ClinicID, &rec.DisplayName, &rec.Locale, &rec.DBHost, &rec.DBPort,
		&rec.DBName, &rec.CredentialsRef, &rec.IsActive, &status,
		&rec.ProvisionedAt, &rec.CreatedAt,
	)
	if err != nil {
		return ClinicRecord{}, err
	}
	rec.ProvisioningStatus, err = ParseClinicStatus(status)
	if err != nil {
		return ClinicRecord{}, err
	}
	return rec, nil
}
