package service

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duetcode/duet/internal/infra/httpclient"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func newTestController(t *testing.T, sandboxes *MockSandboxRepo, messages *MockMessageRepo, events *MockEventRepo, h http.HandlerFunc) *SandboxController {
	t.Helper()
	if h == nil {
		h = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":0}`))
		}
	}
	pub, _ := testStream(t)
	return NewSandboxController(sandboxes, messages, events, testSandboxClient(t, h), pub, testConfig(), zap.NewNop())
}

func TestEnsureRunning_AliveShortCircuit(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	var hits atomic.Int64
	c := newTestController(t, sandboxes, messages, events, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	})

	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		SandboxID: strPtr("sb-1"),
		Status:    model.SandboxRunning,
	}, nil)

	sb, err := c.EnsureRunning(context.Background(), &model.Session{ID: "s1"})
	assert.NoError(t, err)
	assert.Equal(t, "sb-1", *sb.SandboxID)
	assert.Zero(t, hits.Load())
	sandboxes.AssertNotCalled(t, "SetStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnsureRunning_StartSuccess(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	c := newTestController(t, sandboxes, messages, events, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sandbox_id":"sb-new","status":"syncing","hostname":"pod-7"}`))
	})

	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		Status:    model.SandboxPending,
	}, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxWarming).Return(nil)
	sandboxes.On("SetRuntime", mock.Anything, "s1",
		mock.MatchedBy(func(id *string) bool { return id != nil && *id == "sb-new" }),
		mock.MatchedBy(func(h *string) bool { return h != nil && *h == "pod-7" }),
		model.SandboxSyncing,
	).Return(nil)
	sandboxes.On("Get", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		SandboxID: strPtr("sb-new"),
		Status:    model.SandboxSyncing,
	}, nil)

	sb, err := c.EnsureRunning(context.Background(), &model.Session{ID: "s1", RepoOwner: "acme", RepoName: "webapp"})
	assert.NoError(t, err)
	assert.Equal(t, model.SandboxSyncing, sb.Status)
}

func TestEnsureRunning_ExhaustionMarksFailed(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	var hits atomic.Int64
	c := newTestController(t, sandboxes, messages, events, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	})

	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		Status:    model.SandboxStopped,
	}, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxWarming).Return(nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxFailed).Return(nil)

	_, err := c.EnsureRunning(context.Background(), &model.Session{ID: "s1"})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	assert.EqualValues(t, 2, hits.Load()) // MaxStartAttempts in testConfig
	sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", model.SandboxFailed)
}

func TestExecute_SetsRunning(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	c := newTestController(t, sandboxes, messages, events, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxRunning).Return(nil)

	sb := &model.Sandbox{SessionID: "s1", SandboxID: strPtr("sb-1"), Status: model.SandboxReady}
	err := c.Execute(context.Background(), sb, httpclient.ExecuteCommand{SessionID: "s1", MessageID: "m1", Content: "go"})
	assert.NoError(t, err)
	sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", model.SandboxRunning)
}

func TestExecute_NoRuntimeID(t *testing.T) {
	c := newTestController(t, &MockSandboxRepo{}, &MockMessageRepo{}, &MockEventRepo{}, nil)

	err := c.Execute(context.Background(), &model.Sandbox{SessionID: "s1"}, httpclient.ExecuteCommand{SessionID: "s1", MessageID: "m1"})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestRequestStop_GraceCancel(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	c := newTestController(t, sandboxes, messages, events, nil)

	var advanced atomic.Int64
	c.OnAdvance(func(string) { advanced.Add(1) })

	sandboxes.On("Get", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		SandboxID: strPtr("sb-1"),
		Status:    model.SandboxRunning,
	}, nil)
	// No execution_complete arrives, so the grace timer wins the CAS.
	messages.On("MarkTerminal", mock.Anything, "s1", "m1", model.MessageCancelled, mock.Anything).Return(true, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxStopped).Return(nil)
	events.On("Append", mock.Anything, mock.MatchedBy(func(e *model.Event) bool {
		return e.Type == model.EventExecutionComplete && e.Data["synthetic"] == true
	})).Return(true, nil)

	assert.NoError(t, c.RequestStop(context.Background(), "s1", "m1"))

	// StopGraceSec is 1 in testConfig.
	assert.Eventually(t, func() bool { return advanced.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", model.SandboxStopped)
	events.AssertNumberOfCalls(t, "Append", 1)
}

func TestRequestStop_SandboxAcksWithinGrace(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	c := newTestController(t, sandboxes, messages, events, nil)

	sandboxes.On("Get", mock.Anything, "s1").Return(&model.Sandbox{
		SessionID: "s1",
		SandboxID: strPtr("sb-1"),
		Status:    model.SandboxRunning,
	}, nil)
	// The execution_complete already settled the message; the CAS is a no-op.
	done := make(chan struct{})
	messages.On("MarkTerminal", mock.Anything, "s1", "m1", model.MessageCancelled, mock.Anything).
		Run(func(mock.Arguments) { close(done) }).Return(false, nil)

	assert.NoError(t, c.RequestStop(context.Background(), "s1", "m1"))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("grace timer never fired")
	}
	sandboxes.AssertNotCalled(t, "SetStatus", mock.Anything, mock.Anything, mock.Anything)
	events.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestSweep_StaleSandboxFailsOrphanedMessage(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	messages := &MockMessageRepo{}
	events := &MockEventRepo{}

	c := newTestController(t, sandboxes, messages, events, nil)

	var advanced []string
	c.OnAdvance(func(sessionID string) { advanced = append(advanced, sessionID) })

	stale := model.Sandbox{SessionID: "s1", SandboxID: strPtr("sb-1"), Status: model.SandboxRunning}
	sandboxes.On("ListStale", mock.Anything, mock.Anything).Return([]model.Sandbox{stale}, nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxStopped).Return(nil)
	messages.On("CurrentProcessing", mock.Anything, "s1").Return(&model.Message{
		ID:        "m1",
		SessionID: "s1",
		Status:    model.MessageProcessing,
	}, nil)
	messages.On("MarkTerminal", mock.Anything, "s1", "m1", model.MessageFailed,
		mock.MatchedBy(func(e *string) bool { return e != nil && *e == "sandbox heartbeat lost" }),
	).Return(true, nil)
	events.On("Append", mock.Anything, mock.MatchedBy(func(e *model.Event) bool {
		return e.Type == model.EventExecutionComplete && e.Data["error"] == "sandbox heartbeat lost"
	})).Return(true, nil)

	c.sweep(context.Background(), 90*time.Second)

	assert.Equal(t, []string{"s1"}, advanced)
	messages.AssertCalled(t, "MarkTerminal", mock.Anything, "s1", "m1", model.MessageFailed, mock.Anything)
}

func TestHeartbeat_CreatesRowOnFirstContact(t *testing.T) {
	sandboxes := &MockSandboxRepo{}
	c := newTestController(t, sandboxes, &MockMessageRepo{}, &MockEventRepo{}, nil)

	// An externally provisioned sandbox may heartbeat before any dispatch
	// touched the session; the row is created on first contact.
	sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{SessionID: "s1"}, nil)
	sandboxes.On("Heartbeat", mock.Anything, "s1", mock.Anything, (*string)(nil)).Return(nil)
	sandboxes.On("SetStatus", mock.Anything, "s1", model.SandboxRunning).Return(nil)

	assert.NoError(t, c.Heartbeat(context.Background(), "s1", model.SandboxRunning, time.Now(), nil))
	sandboxes.AssertCalled(t, "Ensure", mock.Anything, "s1")
	sandboxes.AssertCalled(t, "Heartbeat", mock.Anything, "s1", mock.Anything, (*string)(nil))
}

func TestHeartbeat_MirrorsAliveStatusesOnly(t *testing.T) {
	tests := []struct {
		status   string
		mirrored bool
	}{
		{model.SandboxWarming, true},
		{model.SandboxSyncing, true},
		{model.SandboxReady, true},
		{model.SandboxRunning, true},
		{model.SandboxStopped, false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			sandboxes := &MockSandboxRepo{}
			c := newTestController(t, sandboxes, &MockMessageRepo{}, &MockEventRepo{}, nil)

			sandboxes.On("Ensure", mock.Anything, "s1").Return(&model.Sandbox{SessionID: "s1"}, nil)
			sandboxes.On("Heartbeat", mock.Anything, "s1", mock.Anything, (*string)(nil)).Return(nil)
			if tt.mirrored {
				sandboxes.On("SetStatus", mock.Anything, "s1", tt.status).Return(nil)
			}

			assert.NoError(t, c.Heartbeat(context.Background(), "s1", tt.status, time.Now(), nil))
			if tt.mirrored {
				sandboxes.AssertCalled(t, "SetStatus", mock.Anything, "s1", tt.status)
			} else {
				sandboxes.AssertNotCalled(t, "SetStatus", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}
