package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/duetcode/duet/internal/modules/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func newTestActor(t *testing.T, sessions *MockSessionRepo, participants *MockParticipantRepo, messages *MockMessageRepo, events *MockEventRepo, sandboxes *MockSandboxRepo, sandboxHandler http.HandlerFunc) *SessionService {
	t.Helper()
	cfg := testConfig()
	pub, _ := testStream(t)
	if sandboxHandler == nil {
		sandboxHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":0}`))
		}
	}
	controller := NewSandboxController(sandboxes, messages, events, testSandboxClient(t, sandboxHandler), pub, cfg, zap.NewNop())
	return NewSessionService(sessions, participants, messages, events, controller, pub, cfg, zap.NewNop())
}

func TestResolveEffort(t *testing.T) {
	tests := []struct {
		name    string
		msg     *string
		session *string
		want    string
	}{
		{"message override wins", strPtr("high"), strPtr("max"), "high"},
		{"session default applies", nil, strPtr("max"), "max"},
		{"both unset resolves at runtime", nil, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &model.Message{ReasoningEffort: tt.msg}
			sess := &model.Session{ReasoningEffort: tt.session}
			assert.Equal(t, tt.want, resolveEffort(msg, sess))
		})
	}
}

func TestEnqueuePrompt_ArchivedRejected(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	sessions.On("Get", mock.Anything, "s1").Return(&model.Session{
		ID:     "s1",
		Status: model.SessionArchived,
		Model:  "claude-sonnet-4-5",
	}, nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)

	_, _, err := svc.EnqueuePrompt(context.Background(), "s1", PromptInput{
		Content:  "do the thing",
		AuthorID: "user-1",
		Source:   model.SourceWeb,
	})
	assert.ErrorIs(t, err, ErrSessionTerminal)
	messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEnqueuePrompt_QueuedWhileBusy(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	sess := &model.Session{ID: "s1", Status: model.SessionActive, Model: "claude-sonnet-4-5"}
	sessions.On("Get", mock.Anything, "s1").Return(sess, nil)
	participants.On("EnsureForUser", mock.Anything, "s1", "user-1", model.RoleMember).
		Return(&model.Participant{ID: "p1", SessionID: "s1", UserID: "user-1"}, nil)

	var created *model.Message
	messages.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		created = args.Get(1).(*model.Message)
	}).Return(nil)
	events.On("Append", mock.Anything, mock.MatchedBy(func(e *model.Event) bool {
		return e.Type == model.EventUserMessage && e.Data["content"] == "fix the login bug"
	})).Return(true, nil)

	// Dispatcher finds an execution already in flight.
	messages.On("CurrentProcessing", mock.Anything, "s1").
		Return(&model.Message{ID: "busy", Status: model.MessageProcessing}, nil)
	messages.On("Get", mock.Anything, "s1", mock.Anything).Return(&model.Message{
		ID:     "new",
		Status: model.MessagePending,
	}, nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)

	id, status, err := svc.EnqueuePrompt(context.Background(), "s1", PromptInput{
		Content:         "fix the login bug",
		AuthorID:        "user-1",
		Source:          model.SourceWeb,
		ReasoningEffort: "turbo", // invalid, silently dropped
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, model.MessagePending, status)

	assert.NotNil(t, created)
	assert.Equal(t, model.MessagePending, created.Status)
	assert.Nil(t, created.ReasoningEffort)
	messages.AssertNotCalled(t, "MarkProcessing", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnqueuePrompt_DispatchesImmediately(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	sess := &model.Session{ID: "s1", Status: model.SessionActive, Model: "claude-sonnet-4-5", ReasoningEffort: strPtr("max")}
	sessions.On("Get", mock.Anything, "s1").Return(sess, nil)
	participants.On("EnsureForUser", mock.Anything, "s1", "user-1", model.RoleMember).
		Return(&model.Participant{ID: "p1"}, nil)

	var created *model.Message
	messages.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		created = args.Get(1).(*model.Message)
	}).Return(nil)
	events.On("Append", mock.Anything, mock.Anything).Return(true, nil)

	messages.On("CurrentProcessing", mock.Anything, "s1").Return(nil, nil)
	messages.On("OldestPending", mock.Anything, "s1").Run(func(mock.Arguments) {}).
		Return(&model.Message{ID: "will-run", SessionID: "s1", Content: "go", Status: model.MessagePending}, nil).Once()
	messages.On("OldestPending", mock.Anything, "s1").Return(nil, nil)
	messages.On("MarkProcessing", mock.Anything, "s1", "will-run").Return(true, nil)

	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		SandboxID: strPtr("sb-1"),
		Status:    model.SandboxReady,
	}, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxRunning).Return(nil)

	messages.On("Get", mock.Anything, "s1", mock.Anything).Return(&model.Message{
		ID:     "will-run",
		Status: model.MessageProcessing,
	}, nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)

	_, status, err := svc.EnqueuePrompt(context.Background(), "s1", PromptInput{
		Content:  "go",
		AuthorID: "user-1",
		Source:   model.SourceWeb,
	})
	assert.NoError(t, err)
	assert.Equal(t, model.MessageProcessing, status)
	assert.NotNil(t, created)
	messages.AssertCalled(t, "MarkProcessing", mock.Anything, "s1", "will-run")
	sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", model.SandboxRunning)
}

func TestAdvance_SingleProcessingInvariant(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	sessions.On("Get", mock.Anything, "s1").Return(&model.Session{ID: "s1", Status: model.SessionActive}, nil)
	messages.On("CurrentProcessing", mock.Anything, "s1").
		Return(&model.Message{ID: "busy", Status: model.MessageProcessing}, nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)
	svc.Advance(context.Background(), "s1")

	messages.AssertNotCalled(t, "OldestPending", mock.Anything, mock.Anything)
	messages.AssertNotCalled(t, "MarkProcessing", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdvance_SandboxUnavailableFailsMessage(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	sessions.On("Get", mock.Anything, "s1").Return(&model.Session{ID: "s1", Status: model.SessionActive, Model: "gpt-5"}, nil)
	messages.On("CurrentProcessing", mock.Anything, "s1").Return(nil, nil)
	messages.On("OldestPending", mock.Anything, "s1").
		Return(&model.Message{ID: "doomed", SessionID: "s1", Status: model.MessagePending}, nil).Once()
	messages.On("OldestPending", mock.Anything, "s1").Return(nil, nil)
	messages.On("MarkProcessing", mock.Anything, "s1", "doomed").Return(true, nil)

	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		Status:    model.SandboxPending,
	}, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxWarming).Return(nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxFailed).Return(nil)

	messages.On("MarkTerminal", mock.Anything, "s1", "doomed", model.MessageFailed, mock.Anything).Return(true, nil)
	events.On("Append", mock.Anything, mock.MatchedBy(func(e *model.Event) bool {
		return e.Type == model.EventExecutionComplete && e.Data["success"] == false
	})).Return(true, nil)

	failingStart := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}
	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, failingStart)
	svc.Advance(context.Background(), "s1")

	messages.AssertCalled(t, "MarkTerminal", mock.Anything, "s1", "doomed", model.MessageFailed, mock.Anything)
	sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", model.SandboxFailed)
}

func TestIssueWsToken_StoresHashNotRaw(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	participants.On("EnsureForUser", mock.Anything, "s1", "user-1", model.RoleMember).
		Return(&model.Participant{ID: "p1"}, nil)
	participants.On("UpdateGithubMeta", mock.Anything, "p1", mock.Anything, mock.Anything).Return(nil)

	var storedHash string
	participants.On("SetToken", mock.Anything, "p1", mock.Anything).Run(func(args mock.Arguments) {
		storedHash = args.String(2)
	}).Return(nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)

	raw, participantID, err := svc.IssueWsToken(context.Background(), "s1", "user-1", nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, "p1", participantID)
	assert.NotEmpty(t, raw)
	assert.Len(t, storedHash, 64)
	assert.NotEqual(t, raw, storedHash)
}

func TestInit_NormalizesModelAndEffort(t *testing.T) {
	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}
	sandboxes := &MockSandboxRepo{}

	var created *model.Session
	sessions.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		created = args.Get(1).(*model.Session)
	}).Return(nil)
	sessions.On("Get", mock.Anything, "s1").Return(&model.Session{ID: "s1", Status: model.SessionCreated}, nil)
	participants.On("EnsureForUser", mock.Anything, "s1", "user-1", model.RoleOwner).
		Return(&model.Participant{ID: "p1"}, nil)

	svc := newTestActor(t, sessions, participants, messages, events, sandboxes, nil)

	_, err := svc.Init(context.Background(), InitInput{
		SessionID:       "s1",
		RepoOwner:       "acme",
		RepoName:        "webapp",
		UserID:          "user-1",
		Model:           "not-a-model",
		ReasoningEffort: "invalid",
	})
	assert.NoError(t, err)
	assert.NotNil(t, created)
	assert.Equal(t, "claude-sonnet-4-5", created.Model)
	assert.Nil(t, created.ReasoningEffort)
}
