package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldPersist(t *testing.T) {
	assert.False(t, ShouldPersist(EventHeartbeat))

	for _, et := range []EventType{
		EventUserMessage, EventToken, EventToolCall, EventToolResult,
		EventExecutionComplete, EventGitSync, EventError, EventArtifact,
	} {
		assert.True(t, ShouldPersist(et), et)
	}
}

func TestGetEventCategory(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      EventCategory
	}{
		{EventToken, CategoryExecution},
		{EventToolCall, CategoryExecution},
		{EventToolResult, CategoryExecution},
		{EventExecutionComplete, CategoryExecution},
		{EventGitSync, CategoryGit},
		{EventArtifact, CategoryArtifact},
		{EventUserMessage, CategorySystem},
		{EventError, CategorySystem},
		{"never-seen-before", CategorySystem},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetEventCategory(tt.eventType), tt.eventType)
	}
}

func TestSandboxAlive(t *testing.T) {
	alive := []SandboxStatus{SandboxWarming, SandboxSyncing, SandboxReady, SandboxRunning}
	for _, st := range alive {
		assert.True(t, (&Sandbox{Status: st}).Alive(), st)
	}
	for _, st := range []SandboxStatus{SandboxPending, SandboxStopped, SandboxFailed} {
		assert.False(t, (&Sandbox{Status: st}).Alive(), st)
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, st := range []MessageStatus{MessageCompleted, MessageFailed, MessageCancelled} {
		assert.True(t, TerminalStatus(st), st)
	}
	for _, st := range []MessageStatus{MessagePending, MessageProcessing} {
		assert.False(t, TerminalStatus(st), st)
	}
}
