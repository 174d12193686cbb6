package server

import (
	"context"
	"errors"
	"testing"

	"github.com/calderaops/caldera/internal/authctx"
	"github.com/calderaops/caldera/internal/claims"
)

func TestMemoryDeriverResolvesActiveSubject(t *testing.T) {
	idents := newMemoryIdentityStore(claims.NewMemoryStore(), nil)
	ctx := context.Background()
	ident, err := idents.Create(ctx, "t1", "op@a.test", authctx.RoleOperator, "subj-1")
	if err != nil {
		t.Fatal(err)
	}

	d := newMemoryContextDeriver(idents)
	sc, txn, err := d.Derive(ctx, "subj-1", "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if sc.ActorID != ident.ID || sc.TenantID != "t1" || sc.Role != authctx.RoleOperator {
		t.Fatalf("sc=%+v", sc)
	}
	if sc.Source != authctx.SourceDerived || sc.CorrelationID != "corr-1" {
		t.Fatalf("sc=%+v", sc)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryDeriverFailsClosed(t *testing.T) {
	idents := newMemoryIdentityStore(claims.NewMemoryStore(), nil)
	ctx := context.Background()
	ident, err := idents.Create(ctx, "t1", "op@a.test", authctx.RoleOperator, "subj-1")
	if err != nil {
		t.Fatal(err)
	}

	d := newMemoryContextDeriver(idents)
	if _, _, err := d.Derive(ctx, "subj-unknown", "corr-1"); !errors.Is(err, errIdentityNotResolvable) {
		t.Fatalf("err=%v", err)
	}

	if err := idents.Deactivate(ctx, "t1", ident.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := d.Derive(ctx, "subj-1", "corr-2"); !errors.Is(err, errIdentityNotResolvable) {
		t.Fatalf("err=%v", err)
	}
}

func TestNoopTxnRefusesDatastoreWork(t *testing.T) {
	var txn requestTxn = noopTxn{}
	ctx := context.Background()

	if _, err := txn.Exec(ctx, "SELECT 1"); !errors.Is(err, errNoTxnInMemoryMode) {
		t.Fatalf("err=%v", err)
	}
	if err := txn.QueryRow(ctx, "SELECT 1").Scan(); !errors.Is(err, errNoTxnInMemoryMode) {
		t.Fatalf("err=%v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
}
