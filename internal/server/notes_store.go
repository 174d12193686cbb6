package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

const tablePlayerNotes = "ops.player_notes"

// PlayerNote is a strict-session-only record: tenant and author always
// come from the derived context, and the only write path is the
// submission procedure executed inside the request transaction.
type PlayerNote struct {
	ID        string
	TenantID  string
	PlayerRef string
	AuthorID  string
	Severity  string
	Body      string
	CreatedAt time.Time
}

var errInvalidNote = errors.New("server: invalid player note")

type noteStore interface {
	Submit(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string, severity string, body string) (PlayerNote, error)
	List(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string) ([]PlayerNote, error)
}

func validNoteInput(playerRef string, severity string, body string) bool {
	switch severity {
	case "info", "warning", "incident":
	default:
		return false
	}
	return strings.TrimSpace(playerRef) != "" && strings.TrimSpace(body) != ""
}

type pgNoteStore struct {
	registry *tablepolicy.Registry
}

func newNoteStore(registry *tablepolicy.Registry, memory bool) noteStore {
	if memory {
		return newMemoryNoteStore(registry)
	}
	return &pgNoteStore{registry: registry}
}

func (s *pgNoteStore) Submit(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string, severity string, body string) (PlayerNote, error) {
	if err := s.registry.CheckWrite(tablePlayerNotes, tablepolicy.MechanismProceduralCall, sc.Complete()); err != nil {
		return PlayerNote{}, err
	}
	if !validNoteInput(playerRef, severity, body) {
		return PlayerNote{}, errInvalidNote
	}
	// No request transaction means no transaction-local context; refuse
	// the same way the policy does. The bypass resolver never opens one.
	if txn == nil {
		return PlayerNote{}, tablepolicy.ErrContextAbsent
	}

	// The procedure re-derives context from request.subject as its first
	// statement; tenant and author are taken from that derivation, not
	// from arguments.
	var note PlayerNote
	err := txn.QueryRow(ctx, `
SELECT id::text, tenant_id::text, player_ref, author_id::text, severity, body, created_at
FROM ops.submit_player_note($1, $2, $3);
`, strings.TrimSpace(playerRef), severity, body).Scan(
		&note.ID, &note.TenantID, &note.PlayerRef, &note.AuthorID,
		&note.Severity, &note.Body, &note.CreatedAt)
	if err != nil {
		return PlayerNote{}, err
	}
	return note, nil
}

func (s *pgNoteStore) List(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string) ([]PlayerNote, error) {
	if txn == nil {
		return nil, tablepolicy.ErrContextAbsent
	}
	// Reads ride the same transaction as derivation so row-level policies
	// see the transaction-local context.
	sql := `
SELECT id::text, tenant_id::text, player_ref, author_id::text, severity, body, created_at
FROM ops.player_notes
WHERE tenant_id = current_setting('app.tenant_id')::uuid
`
	args := []any{}
	if playerRef = strings.TrimSpace(playerRef); playerRef != "" {
		sql += `AND player_ref = $1
`
		args = append(args, playerRef)
	}
	sql += `ORDER BY created_at DESC;`

	rows, err := txn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlayerNote
	for rows.Next() {
		var n PlayerNote
		if err := rows.Scan(&n.ID, &n.TenantID, &n.PlayerRef, &n.AuthorID, &n.Severity, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type memoryNoteStore struct {
	mu       sync.Mutex
	registry *tablepolicy.Registry
	notes    []PlayerNote
}

func newMemoryNoteStore(registry *tablepolicy.Registry) *memoryNoteStore {
	return &memoryNoteStore{registry: registry}
}

func (s *memoryNoteStore) Submit(_ context.Context, sc authctx.SessionContext, _ requestTxn, playerRef string, severity string, body string) (PlayerNote, error) {
	if err := s.registry.CheckWrite(tablePlayerNotes, tablepolicy.MechanismProceduralCall, sc.Complete()); err != nil {
		return PlayerNote{}, err
	}
	if !validNoteInput(playerRef, severity, body) {
		return PlayerNote{}, errInvalidNote
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	note := PlayerNote{
		ID:        uuid.NewString(),
		TenantID:  sc.TenantID,
		PlayerRef: strings.TrimSpace(playerRef),
		AuthorID:  sc.ActorID,
		Severity:  severity,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	s.notes = append(s.notes, note)
	return note, nil
}

func (s *memoryNoteStore) List(_ context.Context, sc authctx.SessionContext, _ requestTxn, playerRef string) ([]PlayerNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	playerRef = strings.TrimSpace(playerRef)
	var out []PlayerNote
	for i := len(s.notes) - 1; i >= 0; i-- {
		n := s.notes[i]
		if n.TenantID != sc.TenantID {
			continue
		}
		if playerRef != "" && n.PlayerRef != playerRef {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
