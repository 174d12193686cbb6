package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

const tableVisitSummaries = "ops.visit_summaries"

// VisitSummary is hybrid-with-fallback: writes may use direct statements
// inside the request transaction, and reads may be scoped by a cached
// claims snapshot instead of transaction-local context.
type VisitSummary struct {
	ID           string
	TenantID     string
	PlayerRef    string
	VisitDate    time.Time
	DurationMins int
	RecordedBy   string
	CreatedAt    time.Time
}

var errInvalidVisit = errors.New("server: invalid visit summary")

type visitStore interface {
	Record(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string, visitDate time.Time, durationMins int) (VisitSummary, error)
	List(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string) ([]VisitSummary, error)
}

type pgVisitStore struct {
	pool     *pgxpool.Pool
	registry *tablepolicy.Registry
}

func newVisitStore(pool *pgxpool.Pool, registry *tablepolicy.Registry) visitStore {
	if pool == nil {
		return newMemoryVisitStore(registry)
	}
	return &pgVisitStore{pool: pool, registry: registry}
}

func (s *pgVisitStore) Record(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string, visitDate time.Time, durationMins int) (VisitSummary, error) {
	if err := s.registry.CheckWrite(tableVisitSummaries, tablepolicy.MechanismDirectStatement, sc.Complete()); err != nil {
		return VisitSummary{}, err
	}
	playerRef = strings.TrimSpace(playerRef)
	if playerRef == "" || visitDate.IsZero() || durationMins <= 0 {
		return VisitSummary{}, errInvalidVisit
	}
	// Without a request transaction there is no transaction-local context
	// for the write; refuse the same way the policy does.
	if txn == nil {
		return VisitSummary{}, tablepolicy.ErrContextAbsent
	}

	// Direct statement, but still inside the derivation transaction so the
	// row policy sees app.tenant_id on the same connection.
	var v VisitSummary
	err := txn.QueryRow(ctx, `
INSERT INTO ops.visit_summaries (tenant_id, player_ref, visit_date, duration_mins, recorded_by)
VALUES (current_setting('app.tenant_id')::uuid, $1, $2, $3, current_setting('app.actor_id')::uuid)
RETURNING id::text, tenant_id::text, player_ref, visit_date, duration_mins, recorded_by::text, created_at;
`, playerRef, visitDate, durationMins).Scan(
		&v.ID, &v.TenantID, &v.PlayerRef, &v.VisitDate, &v.DurationMins, &v.RecordedBy, &v.CreatedAt)
	if err != nil {
		return VisitSummary{}, err
	}
	return v, nil
}

func (s *pgVisitStore) List(ctx context.Context, sc authctx.SessionContext, txn requestTxn, playerRef string) ([]VisitSummary, error) {
	playerRef = strings.TrimSpace(playerRef)

	// A derived context exists only inside the request transaction, so
	// the read rides it and the row policy sees app.tenant_id on the same
	// connection.
	if sc.Source == authctx.SourceDerived {
		if txn == nil {
			return nil, tablepolicy.ErrContextAbsent
		}
		sql := `
SELECT id::text, tenant_id::text, player_ref, visit_date, duration_mins, recorded_by::text, created_at
FROM ops.visit_summaries
WHERE tenant_id = current_setting('app.tenant_id')::uuid
`
		args := []any{}
		if playerRef != "" {
			sql += `AND player_ref = $1
`
			args = append(args, playerRef)
		}
		sql += `ORDER BY visit_date DESC, created_at DESC;`

		rows, err := txn.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return scanVisitRows(rows)
	}

	// Claims-sourced reads have no transaction-local context; the tenant
	// scope comes from the snapshot, gated by the fallback predicate, and
	// the query runs on the pool.
	if sc.Source == authctx.SourceClaims {
		allowed, err := s.registry.FallbackAllowed(tableVisitSummaries, map[string]string{
			"tenant_id": sc.TenantID,
			"actor_id":  sc.ActorID,
			"role":      string(sc.Role),
		})
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, tablepolicy.ErrContextAbsent
		}
	}

	sql := `
SELECT id::text, tenant_id::text, player_ref, visit_date, duration_mins, recorded_by::text, created_at
FROM ops.visit_summaries
WHERE tenant_id = $1
`
	args := []any{sc.TenantID}
	if playerRef != "" {
		sql += `AND player_ref = $2
`
		args = append(args, playerRef)
	}
	sql += `ORDER BY visit_date DESC, created_at DESC;`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return scanVisitRows(rows)
}

func scanVisitRows(rows pgx.Rows) ([]VisitSummary, error) {
	defer rows.Close()

	var out []VisitSummary
	for rows.Next() {
		var v VisitSummary
		if err := rows.Scan(&v.ID, &v.TenantID, &v.PlayerRef, &v.VisitDate, &v.DurationMins, &v.RecordedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type memoryVisitStore struct {
	mu       sync.Mutex
	registry *tablepolicy.Registry
	visits   []VisitSummary
}

func newMemoryVisitStore(registry *tablepolicy.Registry) *memoryVisitStore {
	return &memoryVisitStore{registry: registry}
}

func (s *memoryVisitStore) Record(_ context.Context, sc authctx.SessionContext, _ requestTxn, playerRef string, visitDate time.Time, durationMins int) (VisitSummary, error) {
	if err := s.registry.CheckWrite(tableVisitSummaries, tablepolicy.MechanismDirectStatement, sc.Complete()); err != nil {
		return VisitSummary{}, err
	}
	playerRef = strings.TrimSpace(playerRef)
	if playerRef == "" || visitDate.IsZero() || durationMins <= 0 {
		return VisitSummary{}, errInvalidVisit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v := VisitSummary{
		ID:           uuid.NewString(),
		TenantID:     sc.TenantID,
		PlayerRef:    playerRef,
		VisitDate:    visitDate,
		DurationMins: durationMins,
		RecordedBy:   sc.ActorID,
		CreatedAt:    time.Now().UTC(),
	}
	s.visits = append(s.visits, v)
	return v, nil
}

func (s *memoryVisitStore) List(_ context.Context, sc authctx.SessionContext, _ requestTxn, playerRef string) ([]VisitSummary, error) {
	if sc.Source == authctx.SourceClaims {
		allowed, err := s.registry.FallbackAllowed(tableVisitSummaries, map[string]string{
			"tenant_id": sc.TenantID,
			"actor_id":  sc.ActorID,
			"role":      string(sc.Role),
		})
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, tablepolicy.ErrContextAbsent
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	playerRef = strings.TrimSpace(playerRef)
	var out []VisitSummary
	for i := len(s.visits) - 1; i >= 0; i-- {
		v := s.visits[i]
		if v.TenantID != sc.TenantID {
			continue
		}
		if playerRef != "" && v.PlayerRef != playerRef {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
