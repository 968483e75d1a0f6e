package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/vitalis-health/vitalis-saas/platform/go/auth"
	"github.com/vitalis-health/vitalis-saas/platform/go/connrouter"
)

// Resolver maps a clinic id to a live database handle. Implemented by
// connrouter.Router.
type Resolver interface {
	Resolve(ctx context.Context, clinicID uuid.UUID) (*connrouter.Handle, error)
}

// unavailableMessage is intentionally uniform: callers must not be able to
// distinguish an unknown clinic from one that is mid-provisioning, broken,
// or unreachable.
const unavailableMessage = "service temporarily unavailable for this account"

// WithClinicDB resolves the clinic database for the request and attaches the
// handle to the context. The clinic id comes exclusively from the verified
// principal; nothing in the request itself can select a tenant.
func WithClinicDB(resolver Resolver, logger *zap.Logger) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("clinic middleware: resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "clinic.middleware"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := platformauth.PrincipalFromContext(r.Context())
			if !ok || principal == nil || principal.ClinicID == nil || *principal.ClinicID == "" {
				http.Error(w, "clinic credential required", http.StatusUnauthorized)
				return
			}

			clinicID, err := uuid.Parse(*principal.ClinicID)
			if err != nil {
				http.Error(w, "clinic credential required", http.StatusUnauthorized)
				return
			}

			handle, err := resolver.Resolve(r.Context(), clinicID)
			if err != nil {
				switch {
				case errors.Is(err, connrouter.ErrClinicNotFound),
					errors.Is(err, connrouter.ErrClinicNotReady):
					logger.Warn("clinic not routable",
						zap.String("clinic_id", clinicID.String()),
						zap.Error(err))
				default:
					logger.Error("clinic database unreachable",
						zap.String("clinic_id", clinicID.String()),
						zap.Error(err))
				}
				http.Error(w, unavailableMessage, http.StatusServiceUnavailable)
				return
			}

			ctx := connrouter.WithHandle(r.Context(), handle)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
