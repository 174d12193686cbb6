package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/claims"
)

// The resolver chain is the explicit ordering of context sources: the
// bypass gate first, then the claims read-fallback for eligible routes,
// then authoritative derivation. The first resolver that produces a
// context wins; later ones are not consulted, so a lower-precedence
// source can never displace the bypass gate and the claims snapshot is
// only ever consulted where derivation would be pure overhead.
type resolveRequest struct {
	subject       string
	tenantID      string
	correlationID string
	// claimsEligible marks a read-only route touching only
	// hybrid-with-fallback tables.
	claimsEligible bool
}

type contextResolver interface {
	name() string
	resolve(ctx context.Context, rq resolveRequest) (authctx.SessionContext, requestTxn, bool, error)
}

type bypassResolver struct {
	gate *bypassGate
}

func (r *bypassResolver) name() string { return "bypass" }

func (r *bypassResolver) resolve(_ context.Context, rq resolveRequest) (authctx.SessionContext, requestTxn, bool, error) {
	sc, ok := r.gate.sessionContext(rq.correlationID)
	if !ok {
		return authctx.SessionContext{}, nil, false, nil
	}
	return sc, nil, true, nil
}

// claimsResolver serves read-only requests from the cached snapshot
// without opening a transaction. It refuses rather than guesses: any
// mismatch or miss falls through to derivation.
type claimsResolver struct {
	mgr    *claims.Manager
	logger *zap.Logger
}

func (r *claimsResolver) name() string { return "claims" }

func (r *claimsResolver) resolve(ctx context.Context, rq resolveRequest) (authctx.SessionContext, requestTxn, bool, error) {
	if !rq.claimsEligible || rq.subject == "" {
		return authctx.SessionContext{}, nil, false, nil
	}
	snap, ok, err := r.mgr.Get(ctx, rq.subject)
	if err != nil {
		// Snapshot store trouble must not take reads down; derivation is
		// still available.
		r.logger.Warn("claims_fallback_unavailable",
			zap.String("subject", rq.subject),
			zap.String("correlation_id", rq.correlationID),
			zap.Error(err))
		return authctx.SessionContext{}, nil, false, nil
	}
	if !ok || !snap.Complete() || snap.TenantID != rq.tenantID {
		return authctx.SessionContext{}, nil, false, nil
	}
	return authctx.SessionContext{
		ActorID:       snap.ActorID,
		TenantID:      snap.TenantID,
		Role:          snap.Role,
		CorrelationID: rq.correlationID,
		Source:        authctx.SourceClaims,
	}, nil, true, nil
}

type derivedResolver struct {
	deriver contextDeriver
}

func (r *derivedResolver) name() string { return "derived" }

func (r *derivedResolver) resolve(ctx context.Context, rq resolveRequest) (authctx.SessionContext, requestTxn, bool, error) {
	sc, txn, err := r.deriver.Derive(ctx, rq.subject, rq.correlationID)
	if err != nil {
		return authctx.SessionContext{}, nil, false, err
	}
	return sc, txn, true, nil
}
