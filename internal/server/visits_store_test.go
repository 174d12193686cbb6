package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

// recordingTxn satisfies requestTxn and captures the SQL routed through
// the request transaction.
type recordingTxn struct {
	queries []string
}

func (t *recordingTxn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.queries = append(t.queries, sql)
	return pgconn.CommandTag{}, nil
}

func (t *recordingTxn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	t.queries = append(t.queries, sql)
	return emptyRows{}, nil
}

func (t *recordingTxn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.queries = append(t.queries, sql)
	return okRow{}
}

func (t *recordingTxn) Commit(context.Context) error   { return nil }
func (t *recordingTxn) Rollback(context.Context) error { return nil }

type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(...any) error                            { return nil }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

type okRow struct{}

func (okRow) Scan(...any) error { return nil }

func testDerivedContext() authctx.SessionContext {
	return authctx.SessionContext{
		ActorID:       "33333333-3333-3333-3333-333333333333",
		TenantID:      testTenantA,
		Role:          authctx.RoleOperator,
		CorrelationID: "corr-1",
		Source:        authctx.SourceDerived,
	}
}

func testBypassContext() authctx.SessionContext {
	sc := testDerivedContext()
	sc.Source = authctx.SourceBypass
	return sc
}

func testTableRegistry(t *testing.T) *tablepolicy.Registry {
	t.Helper()
	registry, err := tablepolicy.ParseRegistryYAML([]byte(testRegistryYAML))
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestVisitListDerivedRidesRequestTxn(t *testing.T) {
	s := &pgVisitStore{registry: testTableRegistry(t)}
	txn := &recordingTxn{}

	if _, err := s.List(context.Background(), testDerivedContext(), txn, ""); err != nil {
		t.Fatal(err)
	}
	if len(txn.queries) != 1 {
		t.Fatalf("queries=%q", txn.queries)
	}
	if !strings.Contains(txn.queries[0], "current_setting('app.tenant_id')") {
		t.Fatalf("query %q should scope by transaction-local tenant", txn.queries[0])
	}
}

func TestVisitListDerivedWithoutTxnFailsClosed(t *testing.T) {
	s := &pgVisitStore{registry: testTableRegistry(t)}

	if _, err := s.List(context.Background(), testDerivedContext(), nil, ""); !errors.Is(err, tablepolicy.ErrContextAbsent) {
		t.Fatalf("err=%v", err)
	}
}

func TestVisitRecordWithoutTxnFailsClosed(t *testing.T) {
	s := &pgVisitStore{registry: testTableRegistry(t)}
	visitDate := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	_, err := s.Record(context.Background(), testBypassContext(), nil, "p-100", visitDate, 45)
	if !errors.Is(err, tablepolicy.ErrContextAbsent) {
		t.Fatalf("err=%v", err)
	}
}
