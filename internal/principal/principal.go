// Package principal carries the already-resolved caller identity and
// permission verdict into the run orchestrator. Authentication (sessions,
// SSO, OAuth2 PKCE) and RBAC label resolution happen upstream; this package
// only consumes their result.
package principal

import (
	"context"
	"net/http"
)

// Permission is a coarse permission verdict, ordered from least to most
// privileged: read < plan < write < admin.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionPlan  Permission = "plan"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// level assigns an ordinal to each permission so minimum-permission checks
// can be expressed as a simple comparison, the way the teacher's
// role-ordering middleware does for its role hierarchy.
var level = map[Permission]int{
	PermissionRead:  10,
	PermissionPlan:  20,
	PermissionWrite: 30,
	PermissionAdmin: 40,
}

// Meets reports whether p satisfies a minimum required permission.
func (p Permission) Meets(min Permission) bool {
	return level[p] >= level[min]
}

// Principal is the resolved caller: an email-addressable identity with a
// permission verdict already computed by the upstream RBAC resolver, or a
// listener identity authenticated via its client certificate.
type Principal struct {
	Email      string
	AuthMethod string // "session", "api_token", "client_cert"
	Permission Permission

	// ListenerID is set when the principal is a certificate-authenticated
	// listener rather than a human/API caller.
	ListenerID string
}

type contextKey struct{}

// WithContext returns a context carrying p.
func WithContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the Principal stored in ctx, or nil if none.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// RequireMinPermission returns middleware that rejects requests whose
// context principal does not meet the minimum permission. It assumes a
// Principal has already been attached upstream (by the authentication
// façade this core consumes, not reimplemented here).
func RequireMinPermission(min Permission, onDenied func(w http.ResponseWriter, r *http.Request, reason string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if p == nil {
				onDenied(w, r, "unauthenticated")
				return
			}
			if !p.Permission.Meets(min) {
				onDenied(w, r, "insufficient permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
