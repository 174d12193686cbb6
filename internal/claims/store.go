package claims

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calderaops/caldera/internal/authctx"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so snapshot writes can
// run inside the same transaction as the identity mutation they pair with.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgStore struct {
	q Querier
}

func NewPGStore(q Querier) Store {
	return &pgStore{q: q}
}

func (s *pgStore) Set(ctx context.Context, subject string, snap Snapshot) error {
	_, err := s.q.Exec(ctx, `
INSERT INTO iam.claims_snapshots (subject, actor_id, tenant_id, role, synced_at)
VALUES ($1, $2::uuid, $3::uuid, $4, $5)
ON CONFLICT (subject) DO UPDATE SET
  actor_id = EXCLUDED.actor_id,
  tenant_id = EXCLUDED.tenant_id,
  role = EXCLUDED.role,
  synced_at = EXCLUDED.synced_at;
`, subject, snap.ActorID, snap.TenantID, string(snap.Role), snap.SyncedAt)
	return err
}

func (s *pgStore) Clear(ctx context.Context, subject string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM iam.claims_snapshots WHERE subject = $1;`, subject)
	return err
}

func (s *pgStore) Get(ctx context.Context, subject string) (Snapshot, bool, error) {
	var out Snapshot
	var role string
	err := s.q.QueryRow(ctx, `
SELECT actor_id::text, tenant_id::text, role, synced_at
FROM iam.claims_snapshots
WHERE subject = $1;
`, subject).Scan(&out.ActorID, &out.TenantID, &role, &out.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	out.Role = authctx.Role(role)
	return out, true, nil
}

type memoryStore struct {
	mu        sync.Mutex
	bySubject map[string]Snapshot
}

func NewMemoryStore() Store {
	return &memoryStore{bySubject: map[string]Snapshot{}}
}

func (s *memoryStore) Set(_ context.Context, subject string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySubject[subject] = snap
	return nil
}

func (s *memoryStore) Clear(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySubject, subject)
	return nil
}

func (s *memoryStore) Get(_ context.Context, subject string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.bySubject[subject]
	return snap, ok, nil
}
