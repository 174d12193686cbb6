package server

import (
	"net/http"
	"testing"

	"github.com/calderaops/caldera/internal/authctx"
)

func TestIdentityAdminSurface(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "admin@a.test", authctx.RoleAdmin, "subj-admin")
	cookie := env.login(t, testHostA, "admin@a.test")

	rec := env.do(t, http.MethodPost, testHostA, "/iam/api/identities", map[string]any{
		"email": "new-op@a.test", "role": "operator", "subject": "subj-new",
	}, cookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created identityDTO
	decodeBody(t, rec, &created)
	if created.TenantID != testTenantA || created.Role != "operator" || !created.Active || !created.Bound {
		t.Fatalf("created=%+v", created)
	}

	rec = env.do(t, http.MethodGet, testHostA, "/iam/api/identities", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}
	var list struct {
		Identities []identityDTO `json:"identities"`
	}
	decodeBody(t, rec, &list)
	if len(list.Identities) != 2 {
		t.Fatalf("len=%d", len(list.Identities))
	}

	rec = env.do(t, http.MethodPost, testHostA, "/iam/api/identities:change-role", map[string]any{
		"id": created.ID, "role": "supervisor",
	}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("change-role status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, testHostA, "/iam/api/identities:deactivate", map[string]any{
		"id": created.ID,
	}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, testHostA, "/iam/api/identities:deactivate", map[string]any{
		"id": "no-such-id",
	}, cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing id status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestIdentityAdminDeniedForOperator(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "op@a.test", authctx.RoleOperator, "subj-op")
	cookie := env.login(t, testHostA, "op@a.test")

	rec := env.do(t, http.MethodGet, testHostA, "/iam/api/identities", nil, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, testHostA, "/iam/api/identities", map[string]any{
		"email": "x@a.test", "role": "operator",
	}, cookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestWritePolicyEvaluateAPI(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	env.addActor(t, testTenantA, "admin@a.test", authctx.RoleAdmin, "subj-admin")
	cookie := env.login(t, testHostA, "admin@a.test")

	cases := []struct {
		name       string
		body       map[string]any
		allowed    bool
		reason     string
		wantStatus int
	}{
		{
			name:       "strict direct statement rejected",
			body:       map[string]any{"table": "ops.player_notes", "mechanism": "direct_statement", "has_context": true},
			allowed:    false,
			reason:     "forbidden_mechanism",
			wantStatus: http.StatusOK,
		},
		{
			name:       "strict procedural call allowed",
			body:       map[string]any{"table": "ops.player_notes", "mechanism": "procedural_call", "has_context": true},
			allowed:    true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "hybrid direct statement allowed",
			body:       map[string]any{"table": "ops.visit_summaries", "mechanism": "direct_statement", "has_context": true},
			allowed:    true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "absent context rejected",
			body:       map[string]any{"table": "ops.visit_summaries", "mechanism": "direct_statement", "has_context": false},
			allowed:    false,
			reason:     "context_absent",
			wantStatus: http.StatusOK,
		},
		{
			name:       "unclassified table rejected",
			body:       map[string]any{"table": "ops.mystery", "mechanism": "procedural_call", "has_context": true},
			allowed:    false,
			reason:     "unclassified_table",
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid mechanism",
			body:       map[string]any{"table": "ops.player_notes", "mechanism": "bulk_copy", "has_context": true},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, testHostA, "/internal/api/write-policy:evaluate", tc.body, cookie)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if tc.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Allowed bool   `json:"allowed"`
				Reason  string `json:"reason"`
			}
			decodeBody(t, rec, &resp)
			if resp.Allowed != tc.allowed || resp.Reason != tc.reason {
				t.Fatalf("resp=%+v", resp)
			}
		})
	}
}
