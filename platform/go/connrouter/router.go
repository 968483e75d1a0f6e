// Package connrouter maps clinic ids to live, pooled database connections.
// Each clinic gets its own bounded pgx pool so one clinic's load cannot
// starve another's; the cache is the only process-wide mutable state in the
// routing subsystem and every access to it is synchronized.
package connrouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/secrets"
)

// Resolution failures. ErrClinicNotReady covers every registry state that
// forbids routing; callers translate it to a client-safe response without
// leaking the underlying status.
var (
	ErrClinicNotFound   = errors.New("clinic not found")
	ErrClinicNotReady   = errors.New("clinic is not ready for routing")
	ErrConnectionFailed = errors.New("clinic database connection failed")
)

// RegistryReader is the minimal registry capability the router needs.
type RegistryReader interface {
	Get(ctx context.Context, clinicID uuid.UUID) (persistence.ClinicRecord, error)
}

// OpenFunc opens a handle for a clinic record. Overridable in tests.
type OpenFunc func(ctx context.Context, rec persistence.ClinicRecord) (*Handle, error)

// Config wires the router. Registry, Secrets and DBUser are required.
type Config struct {
	Registry RegistryReader
	Secrets  *secrets.Source
	Logger   *zap.Logger
	// DBUser is the application role used for every clinic connection; the
	// password comes from Secrets via the record's CredentialsRef.
	DBUser string
	// Per-clinic pool bounds; zero leaves pgx defaults.
	MaxConnsPerClinic int32
	MinConnsPerClinic int32
	// DialTimeout bounds each connection attempt. Defaults to 5s.
	DialTimeout time.Duration
	// DialRetries is the number of additional attempts after a transient
	// failure. Defaults to 2. Fatal errors are never retried.
	DialRetries int
	// RetryBackoff is the initial backoff between attempts, doubled each
	// retry. Defaults to 200ms.
	RetryBackoff time.Duration
	// Open overrides pool creation; tests use it to avoid a real database.
	Open OpenFunc
}

// Router is the process-wide clinic connection cache.
type Router struct {
	cfg   Config
	group singleflight.Group

	mu      sync.RWMutex
	handles map[uuid.UUID]*Handle
	// gens counts evictions per clinic. A resolution in flight when Evict
	// runs sees the bump and discards its handle instead of caching it, so
	// an eviction can never be outraced by a slow pool creation.
	gens   map[uuid.UUID]uint64
	closed bool

	created atomic.Int64
}

// New constructs a Router.
func New(cfg Config) *Router {
	if cfg.Registry == nil {
		panic("connrouter: registry is required")
	}
	if cfg.Open == nil {
		if cfg.Secrets == nil {
			panic("connrouter: secrets source is required")
		}
		if cfg.DBUser == "" {
			panic("connrouter: db user is required")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.DialRetries < 0 {
		cfg.DialRetries = 0
	} else if cfg.DialRetries == 0 {
		cfg.DialRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	r := &Router{
		cfg:     cfg,
		handles: make(map[uuid.UUID]*Handle),
		gens:    make(map[uuid.UUID]uint64),
	}
	if r.cfg.Open == nil {
		r.cfg.Open = r.openPool
	}
	return r
}

// Resolve returns the live handle for a clinic, creating and caching one on
// first use. Concurrent first resolutions for the same clinic are coalesced
// so exactly one pool is created. The routing invariant is enforced here: a
// handle is returned only for an active clinic in PROVISIONED state.
func (r *Router) Resolve(ctx context.Context, clinicID uuid.UUID) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[clinicID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: router is shut down", ErrConnectionFailed)
	}
	if ok {
		return h, nil
	}

	v, err, _ := r.group.Do(clinicID.String(), func() (any, error) {
		return r.materialize(ctx, clinicID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Evict closes and removes the cached handle for a clinic. Idempotent; no-op
// when absent. Must be called whenever a clinic is deactivated or its
// database is repaired, so no stale pool survives a status change.
func (r *Router) Evict(clinicID uuid.UUID) {
	r.mu.Lock()
	// Bump even when nothing is cached: a resolution for this clinic may be
	// in flight, and its handle must not land in the cache afterwards.
	r.gens[clinicID]++
	h, ok := r.handles[clinicID]
	if ok {
		delete(r.handles, clinicID)
	}
	r.mu.Unlock()

	if ok {
		h.close()
		r.cfg.Logger.Info("evicted clinic connection pool", zap.String("clinic_id", clinicID.String()))
	}
}

// CloseAll drains and closes every cached handle; the router refuses new
// resolutions afterwards. Used at process shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uuid.UUID]*Handle)
	r.closed = true
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}

// Created reports how many pools this router has opened; tests assert the
// single-flight property with it.
func (r *Router) Created() int64 {
	return r.created.Load()
}

func (r *Router) materialize(ctx context.Context, clinicID uuid.UUID) (*Handle, error) {
	// Another flight may have populated the cache while we queued.
	r.mu.RLock()
	if h, ok := r.handles[clinicID]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	gen := r.gens[clinicID]
	r.mu.RUnlock()

	rec, err := r.cfg.Registry.Get(ctx, clinicID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrClinicNotFound
		}
		return nil, fmt.Errorf("read clinic registry: %w", err)
	}
	if !rec.IsActive || rec.ProvisioningStatus != persistence.StatusProvisioned {
		// Do not open a connection for a clinic that must not be routed to.
		return nil, ErrClinicNotReady
	}

	h, err := r.openWithRetry(ctx, rec)
	if err != nil {
		return nil, err
	}
	r.created.Add(1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.close()
		return nil, fmt.Errorf("%w: router is shut down", ErrConnectionFailed)
	}
	if r.gens[clinicID] != gen {
		// Evicted while the pool was being opened. The registry read above is
		// stale, so the clinic must re-qualify on a fresh resolution.
		r.mu.Unlock()
		h.close()
		return nil, ErrClinicNotReady
	}
	r.handles[clinicID] = h
	r.mu.Unlock()

	r.cfg.Logger.Info("opened clinic connection pool",
		zap.String("clinic_id", clinicID.String()),
		zap.String("db_name", rec.DBName),
	)
	return h, nil
}

func (r *Router) openWithRetry(ctx context.Context, rec persistence.ClinicRecord) (*Handle, error) {
	backoff := r.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.DialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		h, err := r.cfg.Open(ctx, rec)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if !isTransient(err) {
			// Configuration errors (bad credentials, unknown database) are
			// surfaced immediately, never retried.
			break
		}
		r.cfg.Logger.Warn("transient clinic connection failure, retrying",
			zap.String("clinic_id", rec.ClinicID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

func (r *Router) openPool(ctx context.Context, rec persistence.ClinicRecord) (*Handle, error) {
	password, err := r.cfg.Secrets.Lookup(rec.CredentialsRef)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	pool, err := persistence.NewPool(dialCtx, persistence.PoolConfig{
		ConnString: persistence.BuildConnString(rec.DBHost, rec.DBPort, rec.DBName, r.cfg.DBUser, password),
		MaxConns:   r.cfg.MaxConnsPerClinic,
		MinConns:   r.cfg.MinConnsPerClinic,
	})
	if err != nil {
		return nil, err
	}
	return newHandle(rec.ClinicID, rec.DBName, pool), nil
}

// isTransient classifies connection errors. Network timeouts and refused or
// reset connections are worth a bounded retry; authentication and catalog
// errors are configuration problems and fail immediately.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000", "3D000": // invalid_password, invalid_authorization, invalid_catalog_name
			return false
		case "57P03", "53300": // cannot_connect_now, too_many_connections
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
