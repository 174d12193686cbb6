package server

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderaops/caldera/internal/authctx"
)

// errIdentityNotResolvable is the single failure mode of context
// derivation. It is always fatal to the request and surfaces to callers
// as a generic access-denied response.
var errIdentityNotResolvable = errors.New("server: identity not resolvable")

// requestTxn is the transaction handle threaded to handlers. Behind a
// transaction-pooling proxy, connection affinity holds only inside one
// transaction, so every statement that depends on derived context must go
// through this handle.
type requestTxn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// contextDeriver opens the request transaction and produces the
// authoritative session context. The returned SessionContext is built
// exclusively from the derivation result; callers perform no independent
// derivation.
type contextDeriver interface {
	Derive(ctx context.Context, subject string, correlationID string) (authctx.SessionContext, requestTxn, error)
}

// invalidAuthorizationSpecification is raised by authctx.derive_context
// when the session subject resolves to no active identity.
const sqlstateIdentityNotResolvable = "28000"

type pgContextDeriver struct {
	pool *pgxpool.Pool
}

func newPGContextDeriver(pool *pgxpool.Pool) contextDeriver {
	return &pgContextDeriver{pool: pool}
}

func (d *pgContextDeriver) Derive(ctx context.Context, subject string, correlationID string) (authctx.SessionContext, requestTxn, error) {
	if subject == "" {
		return authctx.SessionContext{}, nil, errIdentityNotResolvable
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return authctx.SessionContext{}, nil, err
	}

	sc, err := deriveInTxn(ctx, tx, subject, correlationID)
	if err != nil {
		_ = tx.Rollback(context.Background())
		return authctx.SessionContext{}, nil, err
	}
	return sc, tx, nil
}

// deriveInTxn injects the verified subject and invokes the derivation
// procedure inside tx. The subject comes from the authenticated session,
// never from request parameters.
func deriveInTxn(ctx context.Context, tx requestTxn, subject string, correlationID string) (authctx.SessionContext, error) {
	if _, err := tx.Exec(ctx, `SELECT set_config('request.subject', $1, true);`, subject); err != nil {
		return authctx.SessionContext{}, err
	}

	var actorID, tenantID, role string
	err := tx.QueryRow(ctx, `
SELECT actor_id::text, tenant_id::text, role
FROM authctx.derive_context($1);
`, correlationID).Scan(&actorID, &tenantID, &role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateIdentityNotResolvable {
			return authctx.SessionContext{}, errIdentityNotResolvable
		}
		return authctx.SessionContext{}, err
	}

	parsedRole, err := authctx.ParseRole(role)
	if err != nil {
		return authctx.SessionContext{}, errIdentityNotResolvable
	}
	sc := authctx.SessionContext{
		ActorID:       actorID,
		TenantID:      tenantID,
		Role:          parsedRole,
		CorrelationID: correlationID,
		Source:        authctx.SourceDerived,
	}
	if !sc.Complete() {
		return authctx.SessionContext{}, errIdentityNotResolvable
	}
	return sc, nil
}

// memoryContextDeriver mirrors the procedure's contract for tests and
// store-less runs: same lookup, same single failure mode, no datastore.
type memoryContextDeriver struct {
	idents identityReader
}

func newMemoryContextDeriver(idents identityReader) contextDeriver {
	return &memoryContextDeriver{idents: idents}
}

func (d *memoryContextDeriver) Derive(ctx context.Context, subject string, correlationID string) (authctx.SessionContext, requestTxn, error) {
	ident, ok, err := d.idents.FindActiveBySubject(ctx, subject)
	if err != nil {
		return authctx.SessionContext{}, nil, err
	}
	if !ok {
		return authctx.SessionContext{}, nil, errIdentityNotResolvable
	}
	sc := authctx.SessionContext{
		ActorID:       ident.ID,
		TenantID:      ident.TenantID,
		Role:          ident.Role,
		CorrelationID: correlationID,
		Source:        authctx.SourceDerived,
	}
	return sc, noopTxn{}, nil
}

var errNoTxnInMemoryMode = errors.New("server: no datastore transaction in memory mode")

type noopTxn struct{}

func (noopTxn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoTxnInMemoryMode
}

func (noopTxn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNoTxnInMemoryMode
}

func (noopTxn) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{} }

func (noopTxn) Commit(context.Context) error   { return nil }
func (noopTxn) Rollback(context.Context) error { return nil }

type errRow struct{}

func (errRow) Scan(...any) error { return errNoTxnInMemoryMode }
