package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/routing"
)

type identityDTO struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
	Bound    bool   `json:"bound"`
}

func toIdentityDTO(ident Identity) identityDTO {
	return identityDTO{
		ID:       ident.ID,
		TenantID: ident.TenantID,
		Email:    ident.Email,
		Role:     string(ident.Role),
		Active:   ident.Active,
		Bound:    ident.ExternalAuthID != "",
	}
}

func writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errIdentityNotFound):
		routing.WriteError(w, r, http.StatusNotFound, "identity_not_found", "identity not found")
	case errors.Is(err, errIdentityInactive):
		routing.WriteError(w, r, http.StatusConflict, "identity_inactive", "identity inactive")
	case errors.Is(err, errSubjectBound):
		routing.WriteError(w, r, http.StatusConflict, "subject_bound", "subject already bound")
	default:
		routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func handleIdentitiesList(idents identityReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		list, err := idents.List(r.Context(), sc.TenantID)
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]identityDTO, 0, len(list))
		for _, ident := range list {
			out = append(out, toIdentityDTO(ident))
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"identities": out})
	})
}

func handleIdentitiesCreate(idents identityAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		var req struct {
			Email   string `json:"email"`
			Role    string `json:"role"`
			Subject string `json:"subject"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		role, err := authctx.ParseRole(req.Role)
		if err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid role")
			return
		}
		// Tenant comes from the session context, never from the body.
		ident, err := idents.Create(r.Context(), sc.TenantID, req.Email, role, req.Subject)
		if err != nil {
			writeIdentityError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusCreated, toIdentityDTO(ident))
	})
}

func handleIdentitiesDeactivate(idents identityAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		if err := idents.Deactivate(r.Context(), sc.TenantID, req.ID); err != nil {
			writeIdentityError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func handleIdentitiesChangeRole(idents identityAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		var req struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		role, err := authctx.ParseRole(req.Role)
		if err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid role")
			return
		}
		ident, err := idents.ChangeRole(r.Context(), sc.TenantID, req.ID, role)
		if err != nil {
			writeIdentityError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, toIdentityDTO(ident))
	})
}

func handleIdentitiesReassignTenant(idents identityAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok || sc.Role != authctx.RoleAdmin {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		var req struct {
			ID          string `json:"id"`
			NewTenantID string `json:"new_tenant_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.NewTenantID == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		ident, err := idents.ReassignTenant(r.Context(), req.ID, req.NewTenantID)
		if err != nil {
			writeIdentityError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, toIdentityDTO(ident))
	})
}

func handleIdentitiesUnbind(idents identityAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		if err := idents.Unbind(r.Context(), sc.TenantID, req.ID); err != nil {
			writeIdentityError(w, r, err)
			return
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}
