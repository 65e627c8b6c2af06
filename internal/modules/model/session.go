package model

import (
	"time"
)

type SessionStatus = string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
	SessionFailed    SessionStatus = "failed"
)

// Session is the singleton row owned by a session actor. The ID is chosen by
// the gateway at init time and doubles as the routing key for all
// session-scoped operations.
type Session struct {
	ID        string `gorm:"type:text;primaryKey" json:"id"`
	RepoOwner string `gorm:"type:text;not null" json:"repo_owner"`
	RepoName  string `gorm:"type:text;not null" json:"repo_name"`
	RepoID    string `gorm:"type:text" json:"repo_id"`

	Status SessionStatus `gorm:"type:text;not null;default:'created';check:status IN ('created','active','completed','archived','failed')" json:"status"`

	// CurrentSha mirrors the last completed git_sync observed from the sandbox.
	CurrentSha *string `gorm:"type:text" json:"current_sha"`

	Model           string  `gorm:"type:text;not null" json:"model"`
	ReasoningEffort *string `gorm:"type:text" json:"reasoning_effort"`
	Title           *string `gorm:"type:text" json:"title"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Participants []Participant `gorm:"constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
	Messages     []Message     `gorm:"constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
	Events       []Event       `gorm:"constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Session) TableName() string { return "sessions" }

// Terminal reports whether the session rejects new prompts.
func (s *Session) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionArchived
}
