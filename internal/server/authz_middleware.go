package server

import (
	"net/http"
	"strings"

	"github.com/calderaops/caldera/internal/routing"
	"github.com/calderaops/caldera/pkg/authz"
)

type authzRequirement struct {
	object string
	action string
}

// authzRequirementForRoute maps a route to its casbin object/action pair.
// Unknown routes get no requirement and fall through; route-level 404s
// are the router's job.
func authzRequirementForRoute(method string, path string) (authzRequirement, bool) {
	switch {
	case path == "/iam/api/identities" && method == http.MethodGet:
		return authzRequirement{authz.ObjectIAMIdentities, authz.ActionRead}, true
	case path == "/iam/api/identities" && method == http.MethodPost:
		return authzRequirement{authz.ObjectIAMIdentities, authz.ActionAdmin}, true
	case strings.HasPrefix(path, "/iam/api/identities:"):
		return authzRequirement{authz.ObjectIAMIdentities, authz.ActionAdmin}, true
	case path == "/api/v1/player-notes" && method == http.MethodGet:
		return authzRequirement{authz.ObjectOpsPlayerNotes, authz.ActionRead}, true
	case path == "/api/v1/player-notes" && method == http.MethodPost:
		return authzRequirement{authz.ObjectOpsPlayerNotes, authz.ActionWrite}, true
	case path == "/api/v1/visit-summaries" && method == http.MethodGet:
		return authzRequirement{authz.ObjectOpsVisits, authz.ActionRead}, true
	case path == "/api/v1/visit-summaries" && method == http.MethodPost:
		return authzRequirement{authz.ObjectOpsVisits, authz.ActionWrite}, true
	case path == "/internal/api/write-policy:evaluate":
		return authzRequirement{authz.ObjectWritePolicyEval, authz.ActionAdmin}, true
	}
	return authzRequirement{}, false
}

// withAuthz is stage C: role-based route authorization against the
// session context installed by the injection stage. Routes with no
// session context only get here when they are pre-auth, which carries no
// requirement.
func withAuthz(deps *pipelineDeps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, ok := authzRequirementForRoute(r.Method, r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}

		subject := authz.SubjectFromRole(sc.Role)
		domain := authz.DomainFromTenantID(sc.TenantID)
		allowed, enforced, err := deps.authorizer.Authorize(subject, domain, req.object, req.action)
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "authz_error", "authorization error")
			return
		}
		if !allowed && enforced {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}
