package server

import (
	"errors"
	"os"
	"strings"

	"github.com/calderaops/caldera/internal/authctx"
)

// bypassGate is the development-only escape hatch. It requires two
// independent env conditions; exactly one being set is treated as a
// misconfiguration and the process refuses to start rather than guess.
type bypassGate struct {
	active bool
	sc     authctx.SessionContext
}

func newBypassGateFromEnv() (*bypassGate, error) {
	devMode := os.Getenv("DEV_MODE") == "1"
	optIn := os.Getenv("AUTH_BYPASS_UNSAFE") == "1"

	if devMode != optIn {
		return nil, errors.New("server: auth bypass requires both DEV_MODE=1 and AUTH_BYPASS_UNSAFE=1, got exactly one")
	}
	if !devMode {
		return &bypassGate{}, nil
	}

	actorID := strings.TrimSpace(os.Getenv("BYPASS_ACTOR_ID"))
	tenantID := strings.TrimSpace(os.Getenv("BYPASS_TENANT_ID"))
	role, err := authctx.ParseRole(os.Getenv("BYPASS_ROLE"))
	if err != nil || actorID == "" || tenantID == "" {
		return nil, errors.New("server: auth bypass requires BYPASS_ACTOR_ID, BYPASS_TENANT_ID and a valid BYPASS_ROLE")
	}

	return &bypassGate{
		active: true,
		sc: authctx.SessionContext{
			ActorID:  actorID,
			TenantID: tenantID,
			Role:     role,
			Source:   authctx.SourceBypass,
		},
	}, nil
}

func (g *bypassGate) isActive() bool {
	return g != nil && g.active
}

func (g *bypassGate) sessionContext(correlationID string) (authctx.SessionContext, bool) {
	if !g.isActive() {
		return authctx.SessionContext{}, false
	}
	sc := g.sc
	sc.CorrelationID = correlationID
	return sc, true
}
