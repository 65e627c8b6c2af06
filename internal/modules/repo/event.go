package repo

import (
	"context"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EventRepo interface {
	// Append inserts one event. Emitter-chosen ids make retries idempotent:
	// a duplicate (id, session_id) is silently skipped and Append reports
	// whether the row was actually written.
	Append(ctx context.Context, e *model.Event) (bool, error)
	// ListBefore pages history backwards from the cursor (or from the tail
	// when the cursor is nil). Rows come back oldest-first within the page.
	ListBefore(ctx context.Context, sessionID string, types []string, limit int, cursorAt *time.Time, cursorID *string) ([]model.Event, bool, error)
	// Tail returns the last n events in chronological order, for replay on
	// subscribe.
	Tail(ctx context.Context, sessionID string, n int) ([]model.Event, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
}

type eventRepo struct {
	db *gorm.DB
}

func NewEventRepo(db *gorm.DB) EventRepo {
	return &eventRepo{db: db}
}

func (r *eventRepo) Append(ctx context.Context, e *model.Event) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *eventRepo) ListBefore(ctx context.Context, sessionID string, types []string, limit int, cursorAt *time.Time, cursorID *string) ([]model.Event, bool, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	if cursorAt != nil && cursorID != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", *cursorAt, *cursorAt, *cursorID)
	}

	var items []model.Event
	if err := q.Find(&items).Error; err != nil {
		return nil, false, err
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	// Reverse into chronological order for the client.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, hasMore, nil
}

func (r *eventRepo) Tail(ctx context.Context, sessionID string, n int) ([]model.Event, error) {
	var items []model.Event
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (r *eventRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Event{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	return n, err
}
