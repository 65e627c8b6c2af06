package model

import (
	"time"
)

type ParticipantRole = string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleMember ParticipantRole = "member"
)

// Participant is a user attached to a session. The subscriber hub authorizes
// live connections by matching the HMAC of the presented token against
// WsAuthToken; the raw token is returned exactly once at issuance.
type Participant struct {
	ID        string `gorm:"type:text;primaryKey" json:"id"`
	SessionID string `gorm:"type:text;not null;index;uniqueIndex:ux_participant_session_user,priority:1" json:"session_id"`
	UserID    string `gorm:"type:text;not null;uniqueIndex:ux_participant_session_user,priority:2" json:"user_id"`

	Role ParticipantRole `gorm:"type:text;not null;default:'member';check:role IN ('owner','member')" json:"role"`

	// WsAuthToken holds the 64-hex HMAC-SHA256 digest of the subscriber token,
	// never the token itself.
	WsAuthToken    *string    `gorm:"column:ws_auth_token;type:text;index" json:"-"`
	TokenCreatedAt *time.Time `json:"-"`

	GithubLogin *string `gorm:"type:text" json:"github_login"`
	DisplayName *string `gorm:"type:text" json:"display_name"`
	Avatar      *string `gorm:"type:text" json:"avatar"`

	JoinedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"joined_at"`
	LastSeen time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"last_seen"`

	Session *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Participant) TableName() string { return "participants" }
