// Package claims maintains the cached, eventually-consistent copy of
// authorization-relevant identity data carried on bearer tokens. The
// snapshot is a read-fallback only; it is never a write authority.
package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/calderaops/caldera/internal/authctx"
)

// Snapshot trails the identity row with bounded, observable lag. The
// invariant is current-or-absent: a superseded snapshot must be refreshed
// or cleared within the same logical operation that changed the identity.
type Snapshot struct {
	ActorID  string
	TenantID string
	Role     authctx.Role
	SyncedAt time.Time
}

func (s Snapshot) Complete() bool {
	return s.ActorID != "" && s.TenantID != "" && s.Role.Valid()
}

// Store is the bearer-token claim store boundary. Get misses return
// ok=false, not an error.
type Store interface {
	Set(ctx context.Context, subject string, snap Snapshot) error
	Clear(ctx context.Context, subject string) error
	Get(ctx context.Context, subject string) (Snapshot, bool, error)
}

// SyncError surfaces a failed push or clear. Callers of identity-mutating
// operations must treat the mutation as incomplete until it is resolved.
type SyncError struct {
	Op      string
	Subject string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("claims: %s failed for subject %s: %v", e.Op, e.Subject, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
