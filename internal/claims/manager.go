package claims

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errIncompleteSnapshot = errors.New("claims: incomplete snapshot")

// Manager is the only writer of claim snapshots. Both operations return a
// *SyncError on failure; suppressing one is a defect.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

func (m *Manager) Sync(ctx context.Context, subject string, snap Snapshot) error {
	snap.SyncedAt = m.now().UTC()
	if subject == "" || !snap.Complete() {
		err := &SyncError{Op: "sync", Subject: subject, Err: errIncompleteSnapshot}
		m.logger.Error("claims_sync_failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	if err := m.store.Set(ctx, subject, snap); err != nil {
		serr := &SyncError{Op: "sync", Subject: subject, Err: err}
		m.logger.Error("claims_sync_failed", zap.String("subject", subject), zap.Error(err))
		return serr
	}
	m.logger.Info("claims_synced",
		zap.String("subject", subject),
		zap.String("tenant_id", snap.TenantID),
		zap.String("role", string(snap.Role)))
	return nil
}

func (m *Manager) Clear(ctx context.Context, subject string) error {
	if subject == "" {
		err := &SyncError{Op: "clear", Subject: subject, Err: errors.New("claims: empty subject")}
		m.logger.Error("claims_clear_failed", zap.Error(err))
		return err
	}
	if err := m.store.Clear(ctx, subject); err != nil {
		serr := &SyncError{Op: "clear", Subject: subject, Err: err}
		m.logger.Error("claims_clear_failed", zap.String("subject", subject), zap.Error(err))
		return serr
	}
	m.logger.Info("claims_cleared", zap.String("subject", subject))
	return nil
}

func (m *Manager) Get(ctx context.Context, subject string) (Snapshot, bool, error) {
	if subject == "" {
		return Snapshot{}, false, nil
	}
	return m.store.Get(ctx, subject)
}
