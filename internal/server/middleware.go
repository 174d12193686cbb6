package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/routing"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

// Paths that run before any identity exists. Everything else passes the
// full pipeline.
func isPreAuthPath(method string, path string) bool {
	switch path {
	case "/health", "/healthz":
		return true
	case "/iam/api/sessions":
		return method == http.MethodPost
	}
	return false
}

// withTenantAndSession is stage A: resolve the tenant, then cheaply
// reject requests with no live authenticated session. No datastore work
// happens beyond the tenant and session lookups.
func withTenantAndSession(deps *pipelineDeps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantDomain := effectiveHost(r)
		t, ok, err := deps.tenants.ResolveTenant(r.Context(), tenantDomain)
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, http.StatusNotFound, "tenant_not_found", "tenant not found")
			return
		}
		r = r.WithContext(withTenant(r.Context(), t))

		if isPreAuthPath(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// With the bypass gate armed there is no session to check; the
		// injection stage installs the gate's context.
		if deps.gate.isActive() {
			next.ServeHTTP(w, r)
			return
		}

		subject, ok := sessionSubject(r, deps, t)
		if !ok {
			clearSIDCookie(w)
			routing.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		r = r.WithContext(withSubject(r.Context(), subject))

		next.ServeHTTP(w, r)
	})
}

// sessionSubject extracts the authenticated subject from the bearer
// token or the session cookie. The token's embedded snapshot is not
// trusted for authorization here; only the verified subject is kept.
func sessionSubject(r *http.Request, deps *pipelineDeps, t Tenant) (string, bool) {
	if tok, ok := readBearer(r); ok && deps.tokenCodec != nil {
		subject, snap, err := deps.tokenCodec.Verify(tok)
		if err != nil || snap.TenantID != t.ID {
			return "", false
		}
		return subject, true
	}

	sid, ok := readSID(r)
	if !ok {
		return "", false
	}
	sess, ok, err := deps.sessions.Lookup(r.Context(), sid)
	if err != nil || !ok || sess.TenantID != t.ID || sess.Subject == "" {
		return "", false
	}
	return sess.Subject, true
}

// withContextInjection is stage B: run the resolver chain, install the
// winning context and (for derived contexts) the open transaction, and
// settle the transaction when the handler returns.
func withContextInjection(deps *pipelineDeps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPreAuthPath(r.Method, r.URL.Path) || r.URL.Path == "/logout" {
			next.ServeHTTP(w, r)
			return
		}

		t, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}
		subject, _ := currentSubject(r.Context())
		correlationID := uuid.NewString()

		rq := resolveRequest{
			subject:        subject,
			tenantID:       t.ID,
			correlationID:  correlationID,
			claimsEligible: deps.claimsEligible(r.Method, r.URL.Path),
		}

		sc, txn, err := resolveSessionContext(r.Context(), deps, rq)
		if err != nil {
			deps.logger.Warn("context_denied",
				zap.String("tenant_id", t.ID),
				zap.String("correlation_id", correlationID),
				zap.String("path", r.URL.Path))
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}

		if sc.Source != authctx.SourceBypass && sc.TenantID != t.ID {
			// The derived tenant is authoritative, but a cross-tenant host
			// is a routing anomaly and fails closed.
			if txn != nil {
				_ = txn.Rollback(r.Context())
			}
			deps.logger.Warn("context_denied",
				zap.String("tenant_id", t.ID),
				zap.String("derived_tenant_id", sc.TenantID),
				zap.String("correlation_id", correlationID))
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}

		if sc.Source == authctx.SourceBypass {
			deps.logger.Error("bypass_active",
				zap.String("actor_id", sc.ActorID),
				zap.String("tenant_id", sc.TenantID),
				zap.String("correlation_id", correlationID),
				zap.String("path", r.URL.Path))
		} else {
			deps.logger.Info("context_derived",
				zap.String("source", string(sc.Source)),
				zap.String("actor_id", sc.ActorID),
				zap.String("tenant_id", sc.TenantID),
				zap.String("role", string(sc.Role)),
				zap.String("correlation_id", correlationID))
		}

		ctx := withSessionContext(r.Context(), sc)
		if txn != nil {
			ctx = withRequestTxn(ctx, txn)
		}
		r = r.WithContext(ctx)

		if txn == nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		settled := false
		defer func() {
			if !settled {
				_ = txn.Rollback(r.Context())
			}
		}()
		next.ServeHTTP(rec, r)
		settled = true

		// Cancellation or a handler failure rolls the whole transaction
		// back; there is no partial commit for context-dependent writes.
		if r.Context().Err() != nil || rec.status >= http.StatusInternalServerError {
			_ = txn.Rollback(r.Context())
			return
		}
		if err := txn.Commit(r.Context()); err != nil {
			deps.logger.Error("txn_commit_failed",
				zap.String("correlation_id", correlationID),
				zap.Error(err))
		}
	})
}

func resolveSessionContext(ctx context.Context, deps *pipelineDeps, rq resolveRequest) (authctx.SessionContext, requestTxn, error) {
	for _, res := range deps.resolvers {
		sc, txn, ok, err := res.resolve(ctx, rq)
		if err != nil {
			return authctx.SessionContext{}, nil, err
		}
		if ok {
			return sc, txn, nil
		}
	}
	return authctx.SessionContext{}, nil, errIdentityNotResolvable
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// claimsEligible reports whether a request may be served from the claims
// snapshot: read-only, and every table the route touches classified
// hybrid-with-fallback.
func (d *pipelineDeps) claimsEligible(method string, path string) bool {
	if method != http.MethodGet {
		return false
	}
	tables := d.routeTables[path]
	if len(tables) == 0 {
		return false
	}
	for _, table := range tables {
		cat, ok := d.registry.Classify(table)
		if !ok || cat != tablepolicy.CategoryHybridWithFallback {
			return false
		}
	}
	return true
}
