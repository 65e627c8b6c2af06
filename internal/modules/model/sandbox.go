package model

import (
	"time"
)

type SandboxStatus = string

const (
	SandboxPending SandboxStatus = "pending"
	SandboxWarming SandboxStatus = "warming"
	SandboxSyncing SandboxStatus = "syncing"
	SandboxReady   SandboxStatus = "ready"
	SandboxRunning SandboxStatus = "running"
	SandboxStopped SandboxStatus = "stopped"
	SandboxFailed  SandboxStatus = "failed"
)

// Sandbox is the singleton record tracking the remote execution environment
// for a session. Heartbeats update LastHeartbeat in place; they are never
// persisted as events.
type Sandbox struct {
	SessionID string  `gorm:"type:text;primaryKey" json:"session_id"`
	SandboxID *string `gorm:"type:text" json:"sandbox_id"`

	Status SandboxStatus `gorm:"type:text;not null;default:'pending';check:status IN ('pending','warming','syncing','ready','running','stopped','failed')" json:"status"`

	LastHeartbeat *time.Time `json:"last_heartbeat"`
	GitSyncStatus *string    `gorm:"type:text" json:"git_sync_status"`
	Hostname      *string    `gorm:"type:text" json:"hostname"`

	UpdatedAt time.Time `gorm:"autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Session *Session `gorm:"foreignKey:SessionID;references:ID;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;" json:"-"`
}

func (Sandbox) TableName() string { return "sandboxes" }

// Alive reports whether the controller believes the sandbox is up and should
// be heartbeating.
func (s *Sandbox) Alive() bool {
	switch s.Status {
	case SandboxWarming, SandboxSyncing, SandboxReady, SandboxRunning:
		return true
	}
	return false
}
