package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/calderaops/caldera/internal/routing"
)

type visitSummaryDTO struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	PlayerRef    string    `json:"player_ref"`
	VisitDate    string    `json:"visit_date"`
	DurationMins int       `json:"duration_mins"`
	RecordedBy   string    `json:"recorded_by"`
	CreatedAt    time.Time `json:"created_at"`
}

func toVisitSummaryDTO(v VisitSummary) visitSummaryDTO {
	return visitSummaryDTO{
		ID:           v.ID,
		TenantID:     v.TenantID,
		PlayerRef:    v.PlayerRef,
		VisitDate:    v.VisitDate.Format("2006-01-02"),
		DurationMins: v.DurationMins,
		RecordedBy:   v.RecordedBy,
		CreatedAt:    v.CreatedAt,
	}
}

func handleVisitSummariesCreate(visits visitStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		txn, _ := currentRequestTxn(r.Context())

		var req struct {
			PlayerRef    string `json:"player_ref"`
			VisitDate    string `json:"visit_date"`
			DurationMins int    `json:"duration_mins"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		visitDate, err := time.Parse("2006-01-02", req.VisitDate)
		if err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid visit_date")
			return
		}
		v, err := visits.Record(r.Context(), sc, txn, req.PlayerRef, visitDate, req.DurationMins)
		if err != nil {
			if writeWritePolicyError(w, r, err) {
				return
			}
			if errors.Is(err, errInvalidVisit) {
				routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid visit summary")
				return
			}
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		routing.WriteJSON(w, http.StatusCreated, toVisitSummaryDTO(v))
	})
}

func handleVisitSummariesList(visits visitStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		txn, _ := currentRequestTxn(r.Context())
		list, err := visits.List(r.Context(), sc, txn, r.URL.Query().Get("player_ref"))
		if err != nil {
			if writeWritePolicyError(w, r, err) {
				return
			}
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]visitSummaryDTO, 0, len(list))
		for _, v := range list {
			out = append(out, toVisitSummaryDTO(v))
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"visits": out})
	})
}
