package repo

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

type SessionRepo interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error
	SetCurrentSha(ctx context.Context, id, sha string) error
	SetTitle(ctx context.Context, id, title string) error
	Touch(ctx context.Context, id string) error
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// Create inserts the session row; an existing id is left untouched so that
// init stays idempotent.
func (r *sessionRepo) Create(ctx context.Context, s *model.Session) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s).Error
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now()}).Error
}

func (r *sessionRepo) SetCurrentSha(ctx context.Context, id, sha string) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"current_sha": sha, "updated_at": time.Now()}).Error
}

func (r *sessionRepo) SetTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now()}).Error
}

func (r *sessionRepo) Touch(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}
