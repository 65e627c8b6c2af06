package repo

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrParticipantNotFound = errors.New("participant not found")

type ParticipantRepo interface {
	// EnsureForUser returns the participant row for (session, user), creating
	// it with the given role when absent.
	EnsureForUser(ctx context.Context, sessionID, userID string, role model.ParticipantRole) (*model.Participant, error)
	GetByTokenHash(ctx context.Context, sessionID, tokenHash string) (*model.Participant, error)
	List(ctx context.Context, sessionID string) ([]model.Participant, error)
	SetToken(ctx context.Context, participantID, tokenHash string) error
	UpdateGithubMeta(ctx context.Context, participantID string, login, name *string) error
	UpdateLastSeen(ctx context.Context, participantID string, at time.Time) error
}

type participantRepo struct {
	db *gorm.DB
}

func NewParticipantRepo(db *gorm.DB) ParticipantRepo {
	return &participantRepo{db: db}
}

func (r *participantRepo) EnsureForUser(ctx context.Context, sessionID, userID string, role model.ParticipantRole) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	p = model.Participant{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		LastSeen:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		// Lost a create race; the row exists now.
		var existing model.Participant
		if ferr := r.db.WithContext(ctx).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *participantRepo) GetByTokenHash(ctx context.Context, sessionID, tokenHash string) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND ws_auth_token = ?", sessionID, tokenHash).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *participantRepo) List(ctx context.Context, sessionID string) ([]model.Participant, error) {
	var items []model.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (r *participantRepo) SetToken(ctx context.Context, participantID, tokenHash string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]any{
			"ws_auth_token":    tokenHash,
			"token_created_at": now,
		}).Error
}

func (r *participantRepo) UpdateGithubMeta(ctx context.Context, participantID string, login, name *string) error {
	updates := map[string]any{}
	if login != nil && *login != "" {
		updates["github_login"] = *login
	}
	if name != nil && *name != "" {
		updates["display_name"] = *name
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("id = ?", participantID).
		Updates(updates).Error
}

func (r *participantRepo) UpdateLastSeen(ctx context.Context, participantID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("id = ?", participantID).
		Update("last_seen", at).Error
}
