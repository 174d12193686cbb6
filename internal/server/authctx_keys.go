package server

import (
	"context"

	"github.com/calderaops/caldera/internal/authctx"
)

type tenantCtxKey struct{}

func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}

type subjectCtxKey struct{}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectCtxKey{}, subject)
}

func currentSubject(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectCtxKey{}).(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

type sessionContextCtxKey struct{}

var sourceRank = map[authctx.Source]int{
	authctx.SourceClaims:  1,
	authctx.SourceDerived: 2,
	authctx.SourceBypass:  3,
}

// withSessionContext installs a session context. A context set by a
// higher-precedence source is never replaced by a lower one; an equal or
// higher source replaces (re-derivation within the same request is the
// only legitimate case, and it happens at most once).
func withSessionContext(ctx context.Context, sc authctx.SessionContext) context.Context {
	if cur, ok := currentSessionContext(ctx); ok {
		if sourceRank[sc.Source] < sourceRank[cur.Source] {
			return ctx
		}
	}
	return context.WithValue(ctx, sessionContextCtxKey{}, sc)
}

func currentSessionContext(ctx context.Context) (authctx.SessionContext, bool) {
	sc, ok := ctx.Value(sessionContextCtxKey{}).(authctx.SessionContext)
	return sc, ok
}

type requestTxnCtxKey struct{}

// withRequestTxn stashes the transaction opened by the context-injection
// stage. Handlers must issue all datastore work through it so every
// statement lands on the same pooled backend connection as the
// derivation call.
func withRequestTxn(ctx context.Context, txn requestTxn) context.Context {
	return context.WithValue(ctx, requestTxnCtxKey{}, txn)
}

func currentRequestTxn(ctx context.Context) (requestTxn, bool) {
	txn, ok := ctx.Value(requestTxnCtxKey{}).(requestTxn)
	return txn, ok
}
