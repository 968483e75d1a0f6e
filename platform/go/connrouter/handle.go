package connrouter

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Handle is a live, pooled connection bound to exactly one clinic database.
// The router's cache owns it; request handlers borrow it for the duration of
// one request and must not retain it.
type Handle struct {
	clinicID uuid.UUID
	dbName   string
	pool     *pgxpool.Pool
	closeFn  func()
}

func newHandle(clinicID uuid.UUID, dbName string, pool *pgxpool.Pool) *Handle {
	return &Handle{clinicID: clinicID, dbName: dbName, pool: pool}
}

// NewFakeHandle builds a pool-less handle with an optional close hook;
// intended for tests of routing and eviction behavior.
func NewFakeHandle(clinicID uuid.UUID, dbName string, onClose func()) *Handle {
	return &Handle{clinicID: clinicID, dbName: dbName, closeFn: onClose}
}

// ClinicID reports which clinic this handle is bound to.
func (h *Handle) ClinicID() uuid.UUID { return h.clinicID }

// DBName reports the underlying database name; used in logs and tests, never
// exposed to clients.
func (h *Handle) DBName() string { return h.dbName }

// Pool exposes the underlying pgx pool for query execution.
func (h *Handle) Pool() *pgxpool.Pool { return h.pool }

func (h *Handle) close() {
	if h.closeFn != nil {
		h.closeFn()
		return
	}
	if h.pool != nil {
		h.pool.Close()
	}
}

type ctxKey struct{}

// WithHandle returns a derived context carrying the clinic handle for the
// remainder of request handling.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// HandleFromContext extracts the request-scoped clinic handle, if present.
func HandleFromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	return h, ok
}
