package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/calderaops/caldera/internal/authctx"
)

func TestHealthSkipsSessionGate(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	rec := env.do(t, http.MethodGet, testHostA, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	rec := env.do(t, http.MethodGet, testHostA, "/api/v1/visit-summaries", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUnknownTenantRejected(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	rec := env.do(t, http.MethodGet, "nobody.test", "/api/v1/visit-summaries", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestLoginRejectsUnboundSubject(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	// Authenticates at the provider but has no identity row.
	env.provider.add("ghost@a.test", "pw-ghost@a.test", "subj-ghost")

	rec := env.do(t, http.MethodPost, testHostA, "/iam/api/sessions",
		map[string]string{"identifier": "ghost@a.test", "password": "pw-ghost@a.test"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDerivedWriteIgnoresBodyTenantAndActor(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	ident := env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	rec := env.do(t, http.MethodPost, testHostA, "/api/v1/player-notes", map[string]any{
		"player_ref": "P-1001",
		"severity":   "warning",
		"body":       "raised voice at table 4",
		// Spoofed fields a client must not be able to set.
		"tenant_id": testTenantB,
		"author_id": "someone-else",
	}, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var note playerNoteDTO
	decodeBody(t, rec, &note)
	if note.TenantID != testTenantA {
		t.Fatalf("tenant=%s", note.TenantID)
	}
	if note.AuthorID != ident.ID {
		t.Fatalf("author=%s want=%s", note.AuthorID, ident.ID)
	}
}

func TestDeactivationFailsClosed(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	ident := env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	rec := env.do(t, http.MethodGet, testHostA, "/api/v1/player-notes", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("pre-deactivation status=%d", rec.Code)
	}

	if err := env.idents.Deactivate(context.Background(), testTenantA, ident.ID); err != nil {
		t.Fatal(err)
	}

	// The session still exists, but derivation no longer resolves the
	// subject and the claims snapshot was cleared in the same operation.
	rec = env.do(t, http.MethodGet, testHostA, "/api/v1/player-notes", nil, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("post-deactivation status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, testHostA, "/api/v1/visit-summaries", nil, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("claims-eligible read status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCrossTenantSessionRejected(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	rec := env.do(t, http.MethodGet, testHostB, "/api/v1/visit-summaries", nil, cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

// failingDeriver simulates the datastore being unreachable for
// derivation.
type failingDeriver struct{}

func (failingDeriver) Derive(context.Context, string, string) (authctx.SessionContext, requestTxn, error) {
	return authctx.SessionContext{}, nil, errors.New("datastore down")
}

func TestClaimsFallbackServesEligibleReads(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{deriver: failingDeriver{}})
	env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	// Hybrid-table read: served from the claims snapshot even though
	// derivation is down.
	rec := env.do(t, http.MethodGet, testHostA, "/api/v1/visit-summaries", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("fallback read status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Strict-table read is not claims-eligible and must fail closed.
	rec = env.do(t, http.MethodGet, testHostA, "/api/v1/player-notes", nil, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("strict read status=%d body=%s", rec.Code, rec.Body.String())
	}

	// Writes are never claims-eligible.
	rec = env.do(t, http.MethodPost, testHostA, "/api/v1/visit-summaries", map[string]any{
		"player_ref": "P-1001", "visit_date": "2026-08-20", "duration_mins": 90,
	}, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("fallback write status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuditorCannotWrite(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "aud@a.test", authctx.RoleAuditor, "subj-aud")
	cookie := env.login(t, testHostA, "aud@a.test")

	rec := env.do(t, http.MethodGet, testHostA, "/api/v1/player-notes", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("auditor read status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, testHostA, "/api/v1/player-notes", map[string]any{
		"player_ref": "P-1001", "severity": "info", "body": "x",
	}, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("auditor write status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestBypassGateSkipsSessionAndWinsResolution(t *testing.T) {
	gate := &bypassGate{
		active: true,
		sc: authctx.SessionContext{
			ActorID:  "bypass-actor",
			TenantID: testTenantA,
			Role:     authctx.RoleAdmin,
			Source:   authctx.SourceBypass,
		},
	}
	env := newTestEnv(t, testEnvConfig{gate: gate, deriver: failingDeriver{}})

	// No cookie, derivation down: the gate alone carries the request.
	rec := env.do(t, http.MethodGet, testHostA, "/api/v1/visit-summaries", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, testHostA, "/api/v1/player-notes", map[string]any{
		"player_ref": "P-9", "severity": "info", "body": "bypass note",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var note playerNoteDTO
	decodeBody(t, rec, &note)
	if note.AuthorID != "bypass-actor" || note.TenantID != testTenantA {
		t.Fatalf("note=%+v", note)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	rec := env.do(t, http.MethodPost, testHostA, "/logout", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status=%d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, testHostA, "/api/v1/player-notes", nil, cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status=%d", rec.Code)
	}
}
