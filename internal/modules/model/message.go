package model

import (
	"time"

	"gorm.io/datatypes"
)

type MessageStatus = string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageCancelled  MessageStatus = "cancelled"
)

type MessageSource = string

const (
	SourceWeb       MessageSource = "web"
	SourceSlack     MessageSource = "slack"
	SourceExtension MessageSource = "extension"
)

// Attachment references an uploaded file attached to a prompt.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	MIME string `json:"mime,omitempty"`
}

// Message is a queued prompt. Status transitions are monotonic:
// pending -> processing -> {completed|failed|cancelled}. Per session at most
// one message is processing at any instant; the dispatcher enforces this with
// a compare-and-swap on status.
type Message struct {
	ID                  string `gorm:"type:text;primaryKey" json:"id"`
	SessionID           string `gorm:"type:text;not null;index;index:idx_message_session_created,priority:1" json:"session_id"`
	AuthorParticipantID string `gorm:"type:text;not null" json:"author_participant_id"`

	Content string        `gorm:"type:text;not null" json:"content"`
	Source  MessageSource `gorm:"type:text;not null;default:'web';check:source IN ('web','slack','extension')" json:"source"`
	Status  MessageStatus `gorm:"type:text;not null;default:'pending';index;check:status IN ('pending','processing','completed','failed','cancelled')" json:"status"`

	Attachments     datatypes.JSONType[[]Attachment] `gorm:"type:jsonb" json:"attachments"`
	CallbackContext datatypes.JSONMap                `gorm:"type:jsonb" json:"callback_context"`
	ReasoningEffort *string                          `gorm:"type:text" json:"reasoning_effort"`
	Error           *string                          `gorm:"type:text" json:"error"`

	CreatedAt   time.Time  `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP;index:idx_message_session_created,priority:2" json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Session *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Message) TableName() string { return "messages" }

// TerminalStatus reports whether st is a terminal message status.
func TerminalStatus(st MessageStatus) bool {
	return st == MessageCompleted || st == MessageFailed || st == MessageCancelled
}
