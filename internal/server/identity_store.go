package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/claims"
)

var (
	errIdentityNotFound = errors.New("server: identity not found")
	errIdentityInactive = errors.New("server: identity inactive")
	errSubjectBound     = errors.New("server: subject already bound")
)

// Identity is the durable actor record. Request handlers never mutate it;
// only the admin surface does, and every authorization-relevant mutation
// pairs a claims sync or clear in the same operation.
type Identity struct {
	ID             string
	TenantID       string
	Email          string
	Role           authctx.Role
	Active         bool
	ExternalAuthID string
}

func (i Identity) snapshot() claims.Snapshot {
	return claims.Snapshot{ActorID: i.ID, TenantID: i.TenantID, Role: i.Role}
}

type identityReader interface {
	FindActiveBySubject(ctx context.Context, subject string) (Identity, bool, error)
	GetByID(ctx context.Context, tenantID string, id string) (Identity, bool, error)
	List(ctx context.Context, tenantID string) ([]Identity, error)
}

// identityAdmin mutations are serialized per identity row and atomically
// paired with the claims lifecycle. A claims failure aborts the mutation.
type identityAdmin interface {
	Create(ctx context.Context, tenantID string, email string, role authctx.Role, subject string) (Identity, error)
	Deactivate(ctx context.Context, tenantID string, id string) error
	ChangeRole(ctx context.Context, tenantID string, id string, role authctx.Role) (Identity, error)
	ReassignTenant(ctx context.Context, id string, newTenantID string) (Identity, error)
	Unbind(ctx context.Context, tenantID string, id string) error
}

type identityStore interface {
	identityReader
	identityAdmin
}

// --- memory implementation ---

type memoryIdentityStore struct {
	mu         sync.Mutex
	byID       map[string]Identity
	claimStore claims.Store
	logger     *zap.Logger
}

func newMemoryIdentityStore(claimStore claims.Store, logger *zap.Logger) *memoryIdentityStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryIdentityStore{
		byID:       map[string]Identity{},
		claimStore: claimStore,
		logger:     logger,
	}
}

func (s *memoryIdentityStore) FindActiveBySubject(_ context.Context, subject string) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Identity{}, false, nil
	}
	for _, ident := range s.byID {
		if ident.ExternalAuthID == subject && ident.Active {
			return ident, true, nil
		}
	}
	return Identity{}, false, nil
}

func (s *memoryIdentityStore) GetByID(_ context.Context, tenantID string, id string) (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok || ident.TenantID != tenantID {
		return Identity{}, false, nil
	}
	return ident, true, nil
}

func (s *memoryIdentityStore) List(_ context.Context, tenantID string) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Identity
	for _, ident := range s.byID {
		if ident.TenantID == tenantID {
			out = append(out, ident)
		}
	}
	return out, nil
}

func (s *memoryIdentityStore) Create(ctx context.Context, tenantID string, email string, role authctx.Role, subject string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !role.Valid() {
		return Identity{}, errors.New("server: invalid role")
	}
	subject = strings.TrimSpace(subject)
	for _, existing := range s.byID {
		if subject != "" && existing.ExternalAuthID == subject {
			return Identity{}, errSubjectBound
		}
	}
	ident := Identity{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Email:          strings.ToLower(strings.TrimSpace(email)),
		Role:           role,
		Active:         true,
		ExternalAuthID: subject,
	}
	s.byID[ident.ID] = ident

	if ident.ExternalAuthID != "" {
		mgr := claims.NewManager(s.claimStore, s.logger)
		if err := mgr.Sync(ctx, ident.ExternalAuthID, ident.snapshot()); err != nil {
			delete(s.byID, ident.ID)
			return Identity{}, err
		}
	}
	return ident, nil
}

func (s *memoryIdentityStore) Deactivate(ctx context.Context, tenantID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok || ident.TenantID != tenantID {
		return errIdentityNotFound
	}
	if !ident.Active {
		return nil
	}
	prev := ident
	ident.Active = false
	s.byID[id] = ident

	if ident.ExternalAuthID != "" {
		mgr := claims.NewManager(s.claimStore, s.logger)
		if err := mgr.Clear(ctx, ident.ExternalAuthID); err != nil {
			s.byID[id] = prev
			return err
		}
	}
	return nil
}

func (s *memoryIdentityStore) ChangeRole(ctx context.Context, tenantID string, id string, role authctx.Role) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !role.Valid() {
		return Identity{}, errors.New("server: invalid role")
	}
	ident, ok := s.byID[id]
	if !ok || ident.TenantID != tenantID {
		return Identity{}, errIdentityNotFound
	}
	if !ident.Active {
		return Identity{}, errIdentityInactive
	}
	prev := ident
	ident.Role = role
	s.byID[id] = ident

	if ident.ExternalAuthID != "" {
		mgr := claims.NewManager(s.claimStore, s.logger)
		if err := mgr.Sync(ctx, ident.ExternalAuthID, ident.snapshot()); err != nil {
			s.byID[id] = prev
			return Identity{}, err
		}
	}
	return ident, nil
}

func (s *memoryIdentityStore) ReassignTenant(ctx context.Context, id string, newTenantID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return Identity{}, errIdentityNotFound
	}
	prev := ident
	ident.TenantID = newTenantID
	s.byID[id] = ident

	// Reassignment invalidates the cached snapshot rather than refreshing
	// it: the actor must re-authenticate into the new tenant.
	if ident.ExternalAuthID != "" {
		mgr := claims.NewManager(s.claimStore, s.logger)
		if err := mgr.Clear(ctx, ident.ExternalAuthID); err != nil {
			s.byID[id] = prev
			return Identity{}, err
		}
	}
	return ident, nil
}

func (s *memoryIdentityStore) Unbind(ctx context.Context, tenantID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok || ident.TenantID != tenantID {
		return errIdentityNotFound
	}
	prev := ident
	subject := ident.ExternalAuthID
	ident.ExternalAuthID = ""
	s.byID[id] = ident

	if subject != "" {
		mgr := claims.NewManager(s.claimStore, s.logger)
		if err := mgr.Clear(ctx, subject); err != nil {
			s.byID[id] = prev
			return err
		}
	}
	return nil
}

// --- postgres implementation ---

type pgIdentityStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func newIdentityStore(pool *pgxpool.Pool, claimStore claims.Store, logger *zap.Logger) identityStore {
	if pool == nil {
		return newMemoryIdentityStore(claimStore, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pgIdentityStore{pool: pool, logger: logger}
}

func scanIdentity(row pgx.Row) (Identity, error) {
	var ident Identity
	var role string
	var subject *string
	err := row.Scan(&ident.ID, &ident.TenantID, &ident.Email, &role, &ident.Active, &subject)
	if err != nil {
		return Identity{}, err
	}
	ident.Role = authctx.Role(role)
	if subject != nil {
		ident.ExternalAuthID = *subject
	}
	return ident, nil
}

const identityColumns = `id::text, tenant_id::text, email, role, active, external_auth_id`

func (s *pgIdentityStore) FindActiveBySubject(ctx context.Context, subject string) (Identity, bool, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Identity{}, false, nil
	}
	ident, err := scanIdentity(s.pool.QueryRow(ctx, `
SELECT `+identityColumns+`
FROM iam.identities
WHERE external_auth_id = $1 AND active = true;
`, subject))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}
	return ident, true, nil
}

func (s *pgIdentityStore) GetByID(ctx context.Context, tenantID string, id string) (Identity, bool, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx, `
SELECT `+identityColumns+`
FROM iam.identities
WHERE tenant_id = $1 AND id = $2;
`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, false, nil
		}
		return Identity{}, false, err
	}
	return ident, true, nil
}

func (s *pgIdentityStore) List(ctx context.Context, tenantID string) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+identityColumns+`
FROM iam.identities
WHERE tenant_id = $1
ORDER BY email;
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// txBeginner is the subset of pgx.Tx needed to nest a mutation inside the
// request transaction as a savepoint.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// beginMutation prefers the request transaction: the mutation then rides
// the same pooled connection as context derivation, nested as a savepoint
// that the injection stage settles with the rest of the request. Outside
// a request a fresh pool transaction is opened.
func (s *pgIdentityStore) beginMutation(ctx context.Context) (pgx.Tx, error) {
	if rt, ok := currentRequestTxn(ctx); ok {
		if b, ok := rt.(txBeginner); ok {
			return b.Begin(ctx)
		}
	}
	return s.pool.Begin(ctx)
}

// inMutation runs fn inside one transaction with the identity row locked.
// fn performs the update and the paired claims call; any error rolls the
// whole operation back, claims included.
func (s *pgIdentityStore) inMutation(ctx context.Context, lockSQL string, lockArgs []any, fn func(tx pgx.Tx, mgr *claims.Manager, locked Identity) error) error {
	tx, err := s.beginMutation(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	locked, err := scanIdentity(tx.QueryRow(ctx, lockSQL, lockArgs...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errIdentityNotFound
		}
		return err
	}

	mgr := claims.NewManager(claims.NewPGStore(tx), s.logger)
	if err := fn(tx, mgr, locked); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const lockByTenantAndID = `
SELECT ` + identityColumns + `
FROM iam.identities
WHERE tenant_id = $1 AND id = $2
FOR UPDATE;
`

func (s *pgIdentityStore) Create(ctx context.Context, tenantID string, email string, role authctx.Role, subject string) (Identity, error) {
	if !role.Valid() {
		return Identity{}, errors.New("server: invalid role")
	}
	subject = strings.TrimSpace(subject)

	tx, err := s.beginMutation(ctx)
	if err != nil {
		return Identity{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var subjectArg any
	if subject != "" {
		subjectArg = subject
	}
	ident, err := scanIdentity(tx.QueryRow(ctx, `
INSERT INTO iam.identities (tenant_id, email, role, active, external_auth_id)
VALUES ($1, $2, $3, true, $4)
RETURNING `+identityColumns+`;
`, tenantID, strings.ToLower(strings.TrimSpace(email)), string(role), subjectArg))
	if err != nil {
		return Identity{}, err
	}

	if ident.ExternalAuthID != "" {
		mgr := claims.NewManager(claims.NewPGStore(tx), s.logger)
		if err := mgr.Sync(ctx, ident.ExternalAuthID, ident.snapshot()); err != nil {
			return Identity{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

func (s *pgIdentityStore) Deactivate(ctx context.Context, tenantID string, id string) error {
	return s.inMutation(ctx, lockByTenantAndID, []any{tenantID, id}, func(tx pgx.Tx, mgr *claims.Manager, locked Identity) error {
		if !locked.Active {
			return nil
		}
		if _, err := tx.Exec(ctx, `
UPDATE iam.identities SET active = false, updated_at = now()
WHERE tenant_id = $1 AND id = $2;
`, tenantID, id); err != nil {
			return err
		}
		if locked.ExternalAuthID == "" {
			return nil
		}
		return mgr.Clear(ctx, locked.ExternalAuthID)
	})
}

func (s *pgIdentityStore) ChangeRole(ctx context.Context, tenantID string, id string, role authctx.Role) (Identity, error) {
	if !role.Valid() {
		return Identity{}, errors.New("server: invalid role")
	}
	var out Identity
	err := s.inMutation(ctx, lockByTenantAndID, []any{tenantID, id}, func(tx pgx.Tx, mgr *claims.Manager, locked Identity) error {
		if !locked.Active {
			return errIdentityInactive
		}
		ident, err := scanIdentity(tx.QueryRow(ctx, `
UPDATE iam.identities SET role = $3, updated_at = now()
WHERE tenant_id = $1 AND id = $2
RETURNING `+identityColumns+`;
`, tenantID, id, string(role)))
		if err != nil {
			return err
		}
		out = ident
		if ident.ExternalAuthID == "" {
			return nil
		}
		return mgr.Sync(ctx, ident.ExternalAuthID, ident.snapshot())
	})
	if err != nil {
		return Identity{}, err
	}
	return out, nil
}

const lockByID = `
SELECT ` + identityColumns + `
FROM iam.identities
WHERE id = $1
FOR UPDATE;
`

func (s *pgIdentityStore) ReassignTenant(ctx context.Context, id string, newTenantID string) (Identity, error) {
	var out Identity
	err := s.inMutation(ctx, lockByID, []any{id}, func(tx pgx.Tx, mgr *claims.Manager, locked Identity) error {
		ident, err := scanIdentity(tx.QueryRow(ctx, `
UPDATE iam.identities SET tenant_id = $2, updated_at = now()
WHERE id = $1
RETURNING `+identityColumns+`;
`, id, newTenantID))
		if err != nil {
			return err
		}
		out = ident
		if ident.ExternalAuthID == "" {
			return nil
		}
		return mgr.Clear(ctx, ident.ExternalAuthID)
	})
	if err != nil {
		return Identity{}, err
	}
	return out, nil
}

func (s *pgIdentityStore) Unbind(ctx context.Context, tenantID string, id string) error {
	return s.inMutation(ctx, lockByTenantAndID, []any{tenantID, id}, func(tx pgx.Tx, mgr *claims.Manager, locked Identity) error {
		if _, err := tx.Exec(ctx, `
UPDATE iam.identities SET external_auth_id = NULL, updated_at = now()
WHERE tenant_id = $1 AND id = $2;
`, tenantID, id); err != nil {
			return err
		}
		if locked.ExternalAuthID == "" {
			return nil
		}
		return mgr.Clear(ctx, locked.ExternalAuthID)
	})
}
