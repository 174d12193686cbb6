package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/calderaops/caldera/internal/routing"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

// handleWritePolicyEvaluate is an admin dry-run surface: it answers how
// the registry would classify a hypothetical write without performing
// one. Useful for reviewing a migration before it ships.
func handleWritePolicyEvaluate(registry *tablepolicy.Registry) http.Handler {
	type evalRequest struct {
		Table      string            `json:"table"`
		Mechanism  string            `json:"mechanism"`
		HasContext bool              `json:"has_context"`
		Attrs      map[string]string `json:"attrs,omitempty"`
	}
	type evalResponse struct {
		Table           string `json:"table"`
		Category        string `json:"category,omitempty"`
		Allowed         bool   `json:"allowed"`
		Reason          string `json:"reason,omitempty"`
		FallbackAllowed *bool  `json:"fallback_allowed,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req evalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Table == "" {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		mech := tablepolicy.Mechanism(req.Mechanism)
		switch mech {
		case tablepolicy.MechanismDirectStatement, tablepolicy.MechanismProceduralCall:
		default:
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid mechanism")
			return
		}

		resp := evalResponse{Table: req.Table}
		if cat, ok := registry.Classify(req.Table); ok {
			resp.Category = string(cat)
		}

		switch err := registry.CheckWrite(req.Table, mech, req.HasContext); {
		case err == nil:
			resp.Allowed = true
		case errors.Is(err, tablepolicy.ErrUnclassifiedTable):
			resp.Reason = "unclassified_table"
		case errors.Is(err, tablepolicy.ErrForbiddenMechanism):
			resp.Reason = "forbidden_mechanism"
		case errors.Is(err, tablepolicy.ErrContextAbsent):
			resp.Reason = "context_absent"
		default:
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}

		if resp.Category == string(tablepolicy.CategoryHybridWithFallback) && req.Attrs != nil {
			allowed, err := registry.FallbackAllowed(req.Table, req.Attrs)
			if err == nil {
				resp.FallbackAllowed = &allowed
			}
		}

		routing.WriteJSON(w, http.StatusOK, resp)
	})
}
