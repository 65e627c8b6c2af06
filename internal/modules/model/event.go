package model

import (
	"time"

	"gorm.io/datatypes"
)

type EventType = string

const (
	EventUserMessage       EventType = "user_message"
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventExecutionComplete EventType = "execution_complete"
	EventGitSync           EventType = "git_sync"
	EventError             EventType = "error"
	EventArtifact          EventType = "artifact"
	EventHeartbeat         EventType = "heartbeat"
)

type EventCategory = string

const (
	CategoryExecution EventCategory = "execution"
	CategoryGit       EventCategory = "git"
	CategoryArtifact  EventCategory = "artifact"
	CategorySystem    EventCategory = "system"
)

// Event is one record in the append-only session log, totally ordered by
// (created_at, id). The ID is chosen by the emitter and is the dedup key for
// idempotent ingestion: re-ingesting an existing (session_id, id) is a no-op.
type Event struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	SessionID string    `gorm:"type:text;primaryKey;index:idx_event_session_created,priority:1" json:"session_id"`
	Type      EventType `gorm:"type:text;not null;index" json:"type"`

	Data      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"data"`
	MessageID *string           `gorm:"type:text;index" json:"message_id"`
	CallID    *string           `gorm:"type:text;index" json:"call_id"`

	CreatedAt time.Time `gorm:"autoCreateTime;not null;default:CURRENT_TIMESTAMP;index:idx_event_session_created,priority:2" json:"created_at"`

	Session *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Event) TableName() string { return "events" }

// ShouldPersist is the authoritative persistence policy: heartbeats update the
// sandbox record but never enter the event log.
func ShouldPersist(t EventType) bool {
	return t != EventHeartbeat
}

// GetEventCategory is the authoritative category mapping used by both the
// ingress and subscribers that filter.
func GetEventCategory(t EventType) EventCategory {
	switch t {
	case EventToken, EventToolCall, EventToolResult, EventExecutionComplete:
		return CategoryExecution
	case EventGitSync:
		return CategoryGit
	case EventArtifact:
		return CategoryArtifact
	default:
		return CategorySystem
	}
}
