package service

import (
	"context"
	"time"

	"github.com/duetcode/duet/internal/modules/model"
	"github.com/stretchr/testify/mock"
)

// MockSessionRepo is a mock implementation of repo.SessionRepo
type MockSessionRepo struct {
	mock.Mock
}

func (m *MockSessionRepo) Create(ctx context.Context, s *model.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockSessionRepo) SetCurrentSha(ctx context.Context, id, sha string) error {
	args := m.Called(ctx, id, sha)
	return args.Error(0)
}

func (m *MockSessionRepo) SetTitle(ctx context.Context, id, title string) error {
	args := m.Called(ctx, id, title)
	return args.Error(0)
}

func (m *MockSessionRepo) Touch(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockParticipantRepo is a mock implementation of repo.ParticipantRepo
type MockParticipantRepo struct {
	mock.Mock
}

func (m *MockParticipantRepo) EnsureForUser(ctx context.Context, sessionID, userID string, role model.ParticipantRole) (*model.Participant, error) {
	args := m.Called(ctx, sessionID, userID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) GetByTokenHash(ctx context.Context, sessionID, tokenHash string) (*model.Participant, error) {
	args := m.Called(ctx, sessionID, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) List(ctx context.Context, sessionID string) ([]model.Participant, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) SetToken(ctx context.Context, participantID, tokenHash string) error {
	args := m.Called(ctx, participantID, tokenHash)
	return args.Error(0)
}

func (m *MockParticipantRepo) UpdateGithubMeta(ctx context.Context, participantID string, login, name *string) error {
	args := m.Called(ctx, participantID, login, name)
	return args.Error(0)
}

func (m *MockParticipantRepo) UpdateLastSeen(ctx context.Context, participantID string, at time.Time) error {
	args := m.Called(ctx, participantID, at)
	return args.Error(0)
}

// MockMessageRepo is a mock implementation of repo.MessageRepo
type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) Get(ctx context.Context, sessionID, id string) (*model.Message, error) {
	args := m.Called(ctx, sessionID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepo) OldestPending(ctx context.Context, sessionID string) (*model.Message, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepo) MarkProcessing(ctx context.Context, sessionID, id string) (bool, error) {
	args := m.Called(ctx, sessionID, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepo) MarkTerminal(ctx context.Context, sessionID, id string, status model.MessageStatus, errMsg *string) (bool, error) {
	args := m.Called(ctx, sessionID, id, status, errMsg)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepo) CurrentProcessing(ctx context.Context, sessionID string) (*model.Message, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageRepo) CountPending(ctx context.Context, sessionID string) (int64, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageRepo) ListWithCursor(ctx context.Context, sessionID string, status model.MessageStatus, limit int, cursorAt *time.Time, cursorID *string) ([]model.Message, bool, error) {
	args := m.Called(ctx, sessionID, status, limit, cursorAt, cursorID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]model.Message), args.Bool(1), args.Error(2)
}

// MockEventRepo is a mock implementation of repo.EventRepo
type MockEventRepo struct {
	mock.Mock
}

func (m *MockEventRepo) Append(ctx context.Context, e *model.Event) (bool, error) {
	args := m.Called(ctx, e)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepo) ListBefore(ctx context.Context, sessionID string, types []string, limit int, cursorAt *time.Time, cursorID *string) ([]model.Event, bool, error) {
	args := m.Called(ctx, sessionID, types, limit, cursorAt, cursorID)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]model.Event), args.Bool(1), args.Error(2)
}

func (m *MockEventRepo) Tail(ctx context.Context, sessionID string, n int) ([]model.Event, error) {
	args := m.Called(ctx, sessionID, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Event), args.Error(1)
}

func (m *MockEventRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(int64), args.Error(1)
}

// MockSandboxRepo is a mock implementation of repo.SandboxRepo
type MockSandboxRepo struct {
	mock.Mock
}

func (m *MockSandboxRepo) Ensure(ctx context.Context, sessionID string) (*model.Sandbox, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Sandbox), args.Error(1)
}

func (m *MockSandboxRepo) Get(ctx context.Context, sessionID string) (*model.Sandbox, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Sandbox), args.Error(1)
}

func (m *MockSandboxRepo) SetStatus(ctx context.Context, sessionID string, status model.SandboxStatus) error {
	args := m.Called(ctx, sessionID, status)
	return args.Error(0)
}

func (m *MockSandboxRepo) SetRuntime(ctx context.Context, sessionID string, sandboxID, hostname *string, status model.SandboxStatus) error {
	args := m.Called(ctx, sessionID, sandboxID, hostname, status)
	return args.Error(0)
}

func (m *MockSandboxRepo) Heartbeat(ctx context.Context, sessionID string, at time.Time, gitSync *string) error {
	args := m.Called(ctx, sessionID, at, gitSync)
	return args.Error(0)
}

func (m *MockSandboxRepo) ListStale(ctx context.Context, olderThan time.Time) ([]model.Sandbox, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Sandbox), args.Error(1)
}
