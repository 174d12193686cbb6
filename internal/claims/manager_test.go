package claims

import (
	"context"
	"errors"
	"testing"

	"github.com/calderaops/caldera/internal/authctx"
)

type failingStore struct {
	setErr   error
	clearErr error
}

func (s *failingStore) Set(context.Context, string, Snapshot) error { return s.setErr }
func (s *failingStore) Clear(context.Context, string) error         { return s.clearErr }
func (s *failingStore) Get(context.Context, string) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}

func validSnapshot() Snapshot {
	return Snapshot{ActorID: "a1", TenantID: "t1", Role: authctx.RoleOperator}
}

func TestManagerSyncAndGet(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := m.Sync(ctx, "sub1", validSnapshot()); err != nil {
		t.Fatal(err)
	}
	snap, ok, err := m.Get(ctx, "sub1")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if snap.ActorID != "a1" || snap.TenantID != "t1" || snap.Role != authctx.RoleOperator {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.SyncedAt.IsZero() {
		t.Fatal("expected SyncedAt set")
	}

	if _, ok, err := m.Get(ctx, ""); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestManagerClear(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := m.Sync(ctx, "sub1", validSnapshot()); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(ctx, "sub1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := m.Get(ctx, "sub1"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestManagerSurfacesFailures(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(&failingStore{setErr: boom, clearErr: boom}, nil)
	ctx := context.Background()

	err := m.Sync(ctx, "sub1", validSnapshot())
	var serr *SyncError
	if !errors.As(err, &serr) || serr.Op != "sync" || !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}

	err = m.Clear(ctx, "sub1")
	if !errors.As(err, &serr) || serr.Op != "clear" || !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestManagerRejectsIncompleteSnapshot(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	if err := m.Sync(ctx, "", validSnapshot()); err == nil {
		t.Fatal("expected error for empty subject")
	}
	snap := validSnapshot()
	snap.Role = authctx.Role("root")
	if err := m.Sync(ctx, "sub1", snap); err == nil {
		t.Fatal("expected error for invalid role")
	}
	if err := m.Clear(ctx, ""); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
