package repo

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SandboxRepo interface {
	// Ensure returns the sandbox row for the session, creating a pending one
	// when absent.
	Ensure(ctx context.Context, sessionID string) (*model.Sandbox, error)
	Get(ctx context.Context, sessionID string) (*model.Sandbox, error)
	SetStatus(ctx context.Context, sessionID string, status model.SandboxStatus) error
	SetRuntime(ctx context.Context, sessionID string, sandboxID, hostname *string, status model.SandboxStatus) error
	Heartbeat(ctx context.Context, sessionID string, at time.Time, gitSync *string) error
	// ListStale returns alive sandboxes whose last heartbeat predates the
	// threshold, for the reconciler sweep. Rows that have never heartbeated
	// count as stale only once the row itself is older than the threshold, so
	// a sandbox still warming up is left alone.
	ListStale(ctx context.Context, olderThan time.Time) ([]model.Sandbox, error)
}

type sandboxRepo struct {
	db *gorm.DB
}

func NewSandboxRepo(db *gorm.DB) SandboxRepo {
	return &sandboxRepo{db: db}
}

func (r *sandboxRepo) Ensure(ctx context.Context, sessionID string) (*model.Sandbox, error) {
	sb := model.Sandbox{
		SessionID: sessionID,
		Status:    model.SandboxPending,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sb).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, sessionID)
}

func (r *sandboxRepo) Get(ctx context.Context, sessionID string) (*model.Sandbox, error) {
	var sb model.Sandbox
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&sb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sb, nil
}

func (r *sandboxRepo) SetStatus(ctx context.Context, sessionID string, status model.SandboxStatus) error {
	return r.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

func (r *sandboxRepo) SetRuntime(ctx context.Context, sessionID string, sandboxID, hostname *string, status model.SandboxStatus) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if sandboxID != nil {
		updates["sandbox_id"] = *sandboxID
	}
	if hostname != nil {
		updates["hostname"] = *hostname
	}
	return r.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

func (r *sandboxRepo) Heartbeat(ctx context.Context, sessionID string, at time.Time, gitSync *string) error {
	updates := map[string]any{
		"last_heartbeat": at,
		"updated_at":     time.Now(),
	}
	if gitSync != nil {
		updates["git_sync_status"] = *gitSync
	}
	return r.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
}

func (r *sandboxRepo) ListStale(ctx context.Context, olderThan time.Time) ([]model.Sandbox, error) {
	var items []model.Sandbox
	err := r.db.WithContext(ctx).
		Where("status IN ?", []model.SandboxStatus{
			model.SandboxWarming,
			model.SandboxSyncing,
			model.SandboxReady,
			model.SandboxRunning,
		}).
		Where("last_heartbeat < ? OR (last_heartbeat IS NULL AND updated_at < ?)", olderThan, olderThan).
		Find(&items).Error
	return items, err
}
