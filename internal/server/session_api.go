package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/routing"
)

// handleSessionCreate is the login surface. Credentials go to the
// identity provider; everything authorization-relevant comes from the
// identity store lookup that follows. An authenticated subject with no
// active bound identity in the request tenant is rejected.
func handleSessionCreate(deps *pipelineDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}

		var req struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.Password == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}

		subject, err := deps.provider.Authenticate(r.Context(), req.Identifier, req.Password)
		if err != nil {
			if errors.Is(err, errInvalidCredentials) {
				routing.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			routing.WriteError(w, r, http.StatusBadGateway, "idp_unavailable", "identity provider unavailable")
			return
		}

		ident, ok, err := deps.identities.FindActiveBySubject(r.Context(), subject)
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		if !ok || ident.TenantID != t.ID {
			routing.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}

		expiresAt := time.Now().Add(sidTTLFromEnv())
		sid, err := deps.sessions.Create(r.Context(), t.ID, subject, expiresAt, clientIP(r), r.UserAgent())
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		setSIDCookie(w, sid)

		// Refresh the claims snapshot at login so the read-fallback starts
		// from the current identity state. A sync failure is surfaced, not
		// swallowed: the session exists but the fallback stays cold.
		if err := deps.claimsMgr.Sync(r.Context(), subject, ident.snapshot()); err != nil {
			deps.logger.Warn("login_claims_sync_failed",
				zap.String("tenant_id", t.ID),
				zap.Error(err))
		}

		resp := map[string]any{"identity": toIdentityDTO(ident)}
		if deps.tokenCodec != nil {
			token, err := deps.tokenCodec.Mint(subject, ident.snapshot(), time.Now())
			if err == nil {
				resp["token"] = token
			}
		}
		routing.WriteJSON(w, http.StatusOK, resp)
	})
}

func handleSessionDestroy(deps *pipelineDeps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readSID(r); ok {
			if err := deps.sessions.Revoke(r.Context(), sid); err != nil {
				routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
		}
		clearSIDCookie(w)
		routing.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
