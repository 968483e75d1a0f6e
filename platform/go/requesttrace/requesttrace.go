package requesttrace

import (
	"context"
	"errors"

	platformauth "github.com/vitalis-health/vitalis-saas/platform/go/auth"
)

type contextKey string

const (
	ctxAuditInfo contextKey = "VITALIS_REQUEST_TRACE"
)

// ActorKind represents who initiated a request.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
	ActorKindSystem    ActorKind = "system"
)

// AuditInfo captures request-scoped metadata needed for traceability and
// auditing. UserID is set only when ActorKind is user. ClinicID may be nil
// for admin principals that are not clinic-scoped.
type AuditInfo struct {
	ActorKind ActorKind
	UserID    *string
	ClinicID  *string
	RequestID string
}

// IntoContext stores the AuditInfo in the provided context.
func IntoContext(ctx context.Context, audit AuditInfo) context.Context {
	return context.WithValue(ctx, ctxAuditInfo, audit)
}

// FromContext extracts the AuditInfo from context, returning false when not present.
func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	v := ctx.Value(ctxAuditInfo)
	if v == nil {
		return AuditInfo{}, false
	}

	audit, ok := v.(AuditInfo)
	return audit, ok
}

// FromContextOrAnonymous returns the AuditInfo stored on the context, or an
// anonymous record when absent.
func FromContextOrAnonymous(ctx context.Context) AuditInfo {
	if audit, ok := FromContext(ctx); ok {
		return audit
	}
	return Anonymous("")
}

// FromPrincipal builds an AuditInfo from a verified principal and a request ID.
// Returns an error when the principal is nil or missing a subject.
func FromPrincipal(principal *platformauth.Principal, requestID string) (AuditInfo, error) {
	if principal == nil {
		return AuditInfo{}, errors.New("principal is required to build audit info")
	}
	if principal.SubjectID == "" {
		return AuditInfo{}, errors.New("subject id is required to build audit info")
	}

	return AuditInfo{
		ActorKind: ActorKindUser,
		UserID:    &principal.SubjectID,
		ClinicID:  principal.ClinicID,
		RequestID: requestID,
	}, nil
}

// Anonymous builds an AuditInfo for unauthenticated requests where no user ID exists yet.
func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// System builds an AuditInfo for background and CLI operations.
func System(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, RequestID: requestID}
}
