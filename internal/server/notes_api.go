package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/calderaops/caldera/internal/routing"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

type playerNoteDTO struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	PlayerRef string    `json:"player_ref"`
	AuthorID  string    `json:"author_id"`
	Severity  string    `json:"severity"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func toPlayerNoteDTO(n PlayerNote) playerNoteDTO {
	return playerNoteDTO{
		ID:        n.ID,
		TenantID:  n.TenantID,
		PlayerRef: n.PlayerRef,
		AuthorID:  n.AuthorID,
		Severity:  n.Severity,
		Body:      n.Body,
		CreatedAt: n.CreatedAt,
	}
}

func writeWritePolicyError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, tablepolicy.ErrForbiddenMechanism),
		errors.Is(err, tablepolicy.ErrUnclassifiedTable):
		routing.WriteError(w, r, http.StatusForbidden, "write_rejected", "write rejected")
		return true
	case errors.Is(err, tablepolicy.ErrContextAbsent):
		routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
		return true
	}
	return false
}

func handlePlayerNotesCreate(notes noteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		txn, _ := currentRequestTxn(r.Context())

		// Any tenant or author fields in the body are ignored; both come
		// from the derived context.
		var req struct {
			PlayerRef string `json:"player_ref"`
			Severity  string `json:"severity"`
			Body      string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid body")
			return
		}
		note, err := notes.Submit(r.Context(), sc, txn, req.PlayerRef, req.Severity, req.Body)
		if err != nil {
			if writeWritePolicyError(w, r, err) {
				return
			}
			if errors.Is(err, errInvalidNote) {
				routing.WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid player note")
				return
			}
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		routing.WriteJSON(w, http.StatusCreated, toPlayerNoteDTO(note))
	})
}

func handlePlayerNotesList(notes noteStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, ok := currentSessionContext(r.Context())
		if !ok {
			routing.WriteError(w, r, http.StatusForbidden, "access_denied", "access denied")
			return
		}
		txn, _ := currentRequestTxn(r.Context())
		list, err := notes.List(r.Context(), sc, txn, r.URL.Query().Get("player_ref"))
		if err != nil {
			routing.WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		out := make([]playerNoteDTO, 0, len(list))
		for _, n := range list {
			out = append(out, toPlayerNoteDTO(n))
		}
		routing.WriteJSON(w, http.StatusOK, map[string]any{"notes": out})
	})
}
