package repo

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"gorm.io/gorm"
)

type MessageRepo interface {
	Create(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, sessionID, id string) (*model.Message, error)
	// OldestPending returns the head of the session's prompt queue, or nil when
	// the queue is empty.
	OldestPending(ctx context.Context, sessionID string) (*model.Message, error)
	// MarkProcessing flips pending -> processing. Returns false when the
	// message was no longer pending.
	MarkProcessing(ctx context.Context, sessionID, id string) (bool, error)
	// MarkTerminal flips a pending or processing message into a terminal
	// status. Returns false when the message had already settled.
	MarkTerminal(ctx context.Context, sessionID, id string, status model.MessageStatus, errMsg *string) (bool, error)
	CurrentProcessing(ctx context.Context, sessionID string) (*model.Message, error)
	CountPending(ctx context.Context, sessionID string) (int64, error)
	// ListWithCursor pages messages newest-first, optionally filtered by
	// status. An empty status means all.
	ListWithCursor(ctx context.Context, sessionID string, status model.MessageStatus, limit int, cursorAt *time.Time, cursorID *string) ([]model.Message, bool, error)
}

type messageRepo struct {
	db *gorm.DB
}

func NewMessageRepo(db *gorm.DB) MessageRepo {
	return &messageRepo{db: db}
}

func (r *messageRepo) Create(ctx context.Context, m *model.Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *messageRepo) Get(ctx context.Context, sessionID, id string) (*model.Message, error) {
	var m model.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND id = ?", sessionID, id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *messageRepo) OldestPending(ctx context.Context, sessionID string) (*model.Message, error) {
	var m model.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, model.MessagePending).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *messageRepo) MarkProcessing(ctx context.Context, sessionID, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("session_id = ? AND id = ? AND status = ?", sessionID, id, model.MessagePending).
		Updates(map[string]any{
			"status":     model.MessageProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *messageRepo) MarkTerminal(ctx context.Context, sessionID, id string, status model.MessageStatus, errMsg *string) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"status":       status,
		"completed_at": now,
	}
	if errMsg != nil {
		updates["error"] = *errMsg
	}
	res := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("session_id = ? AND id = ? AND status IN ?", sessionID, id,
			[]model.MessageStatus{model.MessagePending, model.MessageProcessing}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *messageRepo) CurrentProcessing(ctx context.Context, sessionID string) (*model.Message, error) {
	var m model.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, model.MessageProcessing).
		Order("started_at ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *messageRepo) CountPending(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("session_id = ? AND status = ?", sessionID, model.MessagePending).
		Count(&n).Error
	return n, err
}

// The cursor points at the last row of the previous page; limit+1 rows are
// fetched to compute hasMore.
func (r *messageRepo) ListWithCursor(ctx context.Context, sessionID string, status model.MessageStatus, limit int, cursorAt *time.Time, cursorID *string) ([]model.Message, bool, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if cursorAt != nil && cursorID != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", *cursorAt, *cursorAt, *cursorID)
	}

	var items []model.Message
	if err := q.Find(&items).Error; err != nil {
		return nil, false, err
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}
