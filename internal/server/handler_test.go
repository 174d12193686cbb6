package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/claims"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

const (
	testTenantA = "11111111-1111-1111-1111-111111111111"
	testTenantB = "22222222-2222-2222-2222-222222222222"
	testHostA   = "floor-a.test"
	testHostB   = "floor-b.test"
)

const testRegistryYAML = `
version: 1
tables:
  - name: ops.player_notes
    category: strict_session_only
  - name: ops.visit_summaries
    category: hybrid_with_fallback
`

type testEnv struct {
	handler    http.Handler
	idents     *memoryIdentityStore
	provider   *memoryIdentityProvider
	claimStore claims.Store
	registry   *tablepolicy.Registry
	deriver    contextDeriver
}

type testEnvConfig struct {
	gate    *bypassGate
	deriver contextDeriver
}

func newTestEnv(t *testing.T, cfg testEnvConfig) *testEnv {
	t.Helper()

	registry, err := tablepolicy.ParseRegistryYAML([]byte(testRegistryYAML))
	if err != nil {
		t.Fatal(err)
	}

	claimStore := claims.NewMemoryStore()
	idents := newMemoryIdentityStore(claimStore, nil)
	provider := newMemoryIdentityProvider()

	deriver := cfg.deriver
	if deriver == nil {
		deriver = newMemoryContextDeriver(idents)
	}
	gate := cfg.gate
	if gate == nil {
		gate = &bypassGate{}
	}

	tenants := newStaticTenancyResolver(map[string]Tenant{
		testHostA: {ID: testTenantA, Domain: testHostA, Name: "Floor A"},
		testHostB: {ID: testTenantB, Domain: testHostB, Name: "Floor B"},
	})

	h, err := NewHandlerWithOptions(HandlerOptions{
		TenancyResolver:  tenants,
		IdentityProvider: provider,
		IdentityStore:    idents,
		SessionStore:     newMemorySessionStore(),
		ClaimStore:       claimStore,
		NoteStore:        newMemoryNoteStore(registry),
		VisitStore:       newMemoryVisitStore(registry),
		Registry:         registry,
		Deriver:          deriver,
		BypassGate:       gate,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		handler:    h,
		idents:     idents,
		provider:   provider,
		claimStore: claimStore,
		registry:   registry,
		deriver:    deriver,
	}
}

// addActor registers a credentialed, bound, active identity and returns it.
func (e *testEnv) addActor(t *testing.T, tenantID string, email string, role authctx.Role, subject string) Identity {
	t.Helper()
	e.provider.add(email, "pw-"+email, subject)
	ident, err := e.idents.Create(context.Background(), tenantID, email, role, subject)
	if err != nil {
		t.Fatal(err)
	}
	return ident
}

// login performs the session flow and returns the sid cookie.
func (e *testEnv) login(t *testing.T, host string, email string) *http.Cookie {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"identifier": email, "password": "pw-" + email})
	req := httptest.NewRequest(http.MethodPost, "/iam/api/sessions", bytes.NewReader(body))
	req.Host = host
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status=%d body=%s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sidCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("login: no sid cookie")
	return nil
}

func (e *testEnv) do(t *testing.T, method, host, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Host = host
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v (body=%s)", err, rec.Body.String())
	}
}
