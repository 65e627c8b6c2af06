package service

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/infra/httpclient"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/repo"
	"github.com/duetcode/duet/internal/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrSandboxUnavailable is returned once start attempts are exhausted.
var ErrSandboxUnavailable = errors.New("sandbox unavailable")

// SandboxController owns the remote execution environment lifecycle:
// pending -> warming -> syncing -> ready -> running -> stopped, with failed as
// the terminal error state. It is also the reconciler: heartbeat staleness
// forces the record back to stopped regardless of what the state machine
// believes.
type SandboxController struct {
	sandboxes repo.SandboxRepo
	messages  repo.MessageRepo
	events    repo.EventRepo
	client    *httpclient.SandboxClient
	pub       *stream.Publisher
	cfg       *config.Config
	log       *zap.Logger

	// advance pokes the session dispatcher after the controller settles a
	// message on its own (grace-period cancel, heartbeat-loss failure). Wired
	// by the container after construction to break the service cycle.
	advance func(sessionID string)
}

func NewSandboxController(
	sandboxes repo.SandboxRepo,
	messages repo.MessageRepo,
	events repo.EventRepo,
	client *httpclient.SandboxClient,
	pub *stream.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *SandboxController {
	return &SandboxController{
		sandboxes: sandboxes,
		messages:  messages,
		events:    events,
		client:    client,
		pub:       pub,
		cfg:       cfg,
		log:       log,
	}
}

// OnAdvance registers the dispatcher callback.
func (c *SandboxController) OnAdvance(fn func(sessionID string)) {
	c.advance = fn
}

// EnsureRunning returns a live sandbox for the session, starting one when
// needed. Start attempts retry with exponential backoff up to the configured
// cap; exhaustion marks the record failed and returns ErrSandboxUnavailable.
func (c *SandboxController) EnsureRunning(ctx context.Context, session *model.Session) (*model.Sandbox, error) {
	sb, err := c.sandboxes.Ensure(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if sb.Alive() && sb.SandboxID != nil {
		return sb, nil
	}

	if err := c.setStatus(ctx, session.ID, model.SandboxWarming); err != nil {
		return nil, err
	}
	c.pub.Publish(ctx, session.ID, stream.Frame{Type: stream.FrameSandboxWarming})

	var lastErr error
	for attempt := 0; attempt < c.cfg.Sandbox.MaxStartAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		info, err := c.client.Start(ctx, httpclient.StartRequest{
			SessionID:  session.ID,
			RepoOwner:  session.RepoOwner,
			RepoName:   session.RepoName,
			CurrentSha: session.CurrentSha,
			Workspace:  c.cfg.App.WorkspaceID,
			Deployment: c.cfg.App.DeploymentName,
		})
		if err != nil {
			lastErr = err
			c.log.Warn("sandbox start attempt failed",
				zap.String("session_id", session.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		status := model.SandboxSyncing
		if info.Status == model.SandboxReady {
			status = model.SandboxReady
		}
		hostname := info.Hostname
		if err := c.sandboxes.SetRuntime(ctx, session.ID, &info.SandboxID, &hostname, status); err != nil {
			return nil, err
		}
		c.pub.Publish(ctx, session.ID, stream.Frame{Type: stream.FrameSandboxStatus, Status: status})
		return c.sandboxes.Get(ctx, session.ID)
	}

	c.log.Error("sandbox start attempts exhausted",
		zap.String("session_id", session.ID),
		zap.Error(lastErr))
	if err := c.setStatus(ctx, session.ID, model.SandboxFailed); err != nil {
		c.log.Error("mark sandbox failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return nil, ErrSandboxUnavailable
}

// Execute dispatches one prompt command, retrying transient failures. The
// runtime dedups by message id, so retries after a deadline are safe.
func (c *SandboxController) Execute(ctx context.Context, sb *model.Sandbox, cmd httpclient.ExecuteCommand) error {
	if sb.SandboxID == nil {
		return ErrSandboxUnavailable
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Sandbox.MaxStartAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		if _, err := c.client.Execute(ctx, *sb.SandboxID, cmd); err != nil {
			lastErr = err
			continue
		}
		if err := c.setStatus(ctx, sb.SessionID, model.SandboxRunning); err != nil {
			return err
		}
		return nil
	}
	return errors.Join(ErrSandboxUnavailable, lastErr)
}

// RequestStop signals a sandbox-side cancel and returns immediately. The
// message settles on the resulting execution_complete; if none arrives within
// the grace period the controller cancels the message itself and forces the
// sandbox to stopped.
func (c *SandboxController) RequestStop(ctx context.Context, sessionID, messageID string) error {
	sb, err := c.sandboxes.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sb == nil || sb.SandboxID == nil {
		return ErrSandboxUnavailable
	}

	if _, err := c.client.Stop(ctx, *sb.SandboxID, messageID); err != nil {
		c.log.Warn("sandbox stop signal failed",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}

	grace := time.Duration(c.cfg.Sandbox.StopGraceSec) * time.Second
	time.AfterFunc(grace, func() {
		c.settleAfterGrace(sessionID, messageID)
	})
	return nil
}

func (c *SandboxController) settleAfterGrace(sessionID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errMsg := "cancelled: stop grace period elapsed"
	flipped, err := c.messages.MarkTerminal(ctx, sessionID, messageID, model.MessageCancelled, &errMsg)
	if err != nil {
		c.log.Error("grace-period cancel failed",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}
	if !flipped {
		// The sandbox acknowledged in time.
		return
	}

	if err := c.setStatus(ctx, sessionID, model.SandboxStopped); err != nil {
		c.log.Error("force sandbox stopped", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.appendSyntheticComplete(ctx, sessionID, messageID, errMsg)
	c.pub.Publish(ctx, sessionID, stream.Frame{
		Type:      stream.FrameProcessingStatus,
		MessageID: messageID,
		Status:    model.MessageCancelled,
	})
	if c.advance != nil {
		c.advance(sessionID)
	}
}

// Heartbeat records liveness and mirrors the runtime-reported status. It never
// writes to the event log. The row is created on first contact so liveness
// from an externally provisioned sandbox is not dropped.
func (c *SandboxController) Heartbeat(ctx context.Context, sessionID, status string, at time.Time, gitSync *string) error {
	if _, err := c.sandboxes.Ensure(ctx, sessionID); err != nil {
		return err
	}
	if err := c.sandboxes.Heartbeat(ctx, sessionID, at, gitSync); err != nil {
		return err
	}
	switch status {
	case model.SandboxWarming, model.SandboxSyncing, model.SandboxReady, model.SandboxRunning:
		if err := c.sandboxes.SetStatus(ctx, sessionID, status); err != nil {
			return err
		}
		c.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxStatus, Status: status})
	}
	return nil
}

// MarkReady is applied when git_sync completes: syncing -> ready.
func (c *SandboxController) MarkReady(ctx context.Context, sessionID string) error {
	if err := c.setStatus(ctx, sessionID, model.SandboxReady); err != nil {
		return err
	}
	c.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxReady})
	return nil
}

// Settle is applied on execution_complete: running -> ready.
func (c *SandboxController) Settle(ctx context.Context, sessionID string) error {
	return c.setStatus(ctx, sessionID, model.SandboxReady)
}

// Terminate tears the sandbox down, best-effort.
func (c *SandboxController) Terminate(ctx context.Context, sessionID string) error {
	sb, err := c.sandboxes.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sb == nil || sb.SandboxID == nil {
		return nil
	}
	if _, err := c.client.Terminate(ctx, *sb.SandboxID); err != nil {
		c.log.Warn("sandbox terminate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return c.setStatus(ctx, sessionID, model.SandboxStopped)
}

// Run is the reconciler loop: sandboxes the controller believes alive but
// whose heartbeat has gone stale are forced to stopped, their processing
// message is failed with a synthetic execution_complete, and the dispatcher is
// poked so pending work restarts on a fresh sandbox.
func (c *SandboxController) Run(ctx context.Context) {
	timeout := time.Duration(c.cfg.Sandbox.HeartbeatTimeoutSec) * time.Second
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx, timeout)
		}
	}
}

func (c *SandboxController) sweep(ctx context.Context, timeout time.Duration) {
	stale, err := c.sandboxes.ListStale(ctx, time.Now().Add(-timeout))
	if err != nil {
		c.log.Error("stale sandbox sweep failed", zap.Error(err))
		return
	}

	for _, sb := range stale {
		c.log.Warn("sandbox heartbeat stale, forcing stopped",
			zap.String("session_id", sb.SessionID),
			zap.String("status", sb.Status))
		if err := c.setStatus(ctx, sb.SessionID, model.SandboxStopped); err != nil {
			c.log.Error("force stale sandbox stopped", zap.String("session_id", sb.SessionID), zap.Error(err))
			continue
		}
		c.pub.Publish(ctx, sb.SessionID, stream.Frame{
			Type:   stream.FrameSandboxStatus,
			Status: model.SandboxStopped,
		})

		msg, err := c.messages.CurrentProcessing(ctx, sb.SessionID)
		if err != nil {
			c.log.Error("load processing message", zap.String("session_id", sb.SessionID), zap.Error(err))
			continue
		}
		if msg != nil {
			errMsg := "sandbox heartbeat lost"
			if flipped, err := c.messages.MarkTerminal(ctx, sb.SessionID, msg.ID, model.MessageFailed, &errMsg); err != nil {
				c.log.Error("fail orphaned message", zap.String("message_id", msg.ID), zap.Error(err))
			} else if flipped {
				c.appendSyntheticComplete(ctx, sb.SessionID, msg.ID, errMsg)
				c.pub.Publish(ctx, sb.SessionID, stream.Frame{
					Type:      stream.FrameProcessingStatus,
					MessageID: msg.ID,
					Status:    model.MessageFailed,
				})
			}
		}

		if c.advance != nil {
			c.advance(sb.SessionID)
		}
	}
}

// appendSyntheticComplete records a controller-generated execution_complete so
// subscribers observe the failure through the normal stream.
func (c *SandboxController) appendSyntheticComplete(ctx context.Context, sessionID, messageID, errMsg string) {
	evt := &model.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      model.EventExecutionComplete,
		MessageID: &messageID,
		Data: datatypes.JSONMap{
			"messageId": messageID,
			"success":   false,
			"error":     errMsg,
			"synthetic": true,
		},
	}
	if _, err := c.events.Append(ctx, evt); err != nil {
		c.log.Error("append synthetic execution_complete",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}
	c.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxEvent, Event: evt})
}

func (c *SandboxController) setStatus(ctx context.Context, sessionID string, status model.SandboxStatus) error {
	return c.sandboxes.SetStatus(ctx, sessionID, status)
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
}
