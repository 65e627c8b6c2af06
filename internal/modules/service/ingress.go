package service

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/config"
	mq "github.com/duetcode/duet/internal/infra/queue"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/repo"
	"github.com/duetcode/duet/internal/stream"
	"github.com/duetcode/duet/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrIngressConflict reports a duplicate event id for a non-idempotent type.
var ErrIngressConflict = errors.New("duplicate event")

// IngressEvent is one POST from the sandbox. The schema varies by Type; only
// the fields the type's policy needs are read.
type IngressEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type" binding:"required"`
	SandboxID string         `json:"sandboxId"`
	MessageID string         `json:"messageId"`
	CallID    string         `json:"callId"`
	Timestamp int64          `json:"timestamp"`
	Status    string         `json:"status"`
	Success   *bool          `json:"success"`
	Error     string         `json:"error"`
	Content   string         `json:"content"`
	Sha       string         `json:"sha"`
	Data      map[string]any `json:"data"`
}

// IngressService applies the per-type ingestion policy. One malformed or
// duplicate event never blocks the rest of the stream: errors are returned to
// the emitter and the session keeps making progress.
type IngressService struct {
	events    repo.EventRepo
	messages  repo.MessageRepo
	sessions  repo.SessionRepo
	sandboxes repo.SandboxRepo
	sandbox   *SandboxController
	actor     *SessionService
	agg       *TokenAggregator
	pub       *stream.Publisher
	mq        *mq.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewIngressService(
	events repo.EventRepo,
	messages repo.MessageRepo,
	sessions repo.SessionRepo,
	sandboxes repo.SandboxRepo,
	sandbox *SandboxController,
	actor *SessionService,
	pub *stream.Publisher,
	mqPub *mq.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *IngressService {
	s := &IngressService{
		events:    events,
		messages:  messages,
		sessions:  sessions,
		sandboxes: sandboxes,
		sandbox:   sandbox,
		actor:     actor,
		pub:       pub,
		mq:        mqPub,
		cfg:       cfg,
		log:       log,
	}
	s.agg = NewTokenAggregator(cfg, s.flushTokens)
	return s
}

// Aggregator exposes the token aggregator for shutdown draining.
func (s *IngressService) Aggregator() *TokenAggregator {
	return s.agg
}

// Ingest routes one event through its type policy.
func (s *IngressService) Ingest(ctx context.Context, sessionID string, evt IngressEvent) (err error) {
	defer func() { telemetry.RecordIngress(ctx, evt.Type, err == nil) }()

	switch evt.Type {
	case model.EventHeartbeat:
		// State update only; heartbeats never enter the log.
		return s.sandbox.Heartbeat(ctx, sessionID, evt.Status, eventTime(evt), nil)

	case model.EventToken:
		s.agg.Add(sessionID, evt.MessageID, evt.Content)
		return nil
	}

	// Any other type drains buffered tokens first so the log order matches
	// the order the sandbox emitted.
	s.agg.Flush(sessionID)

	switch evt.Type {
	case model.EventExecutionComplete:
		return s.ingestExecutionComplete(ctx, sessionID, evt)
	case model.EventGitSync:
		return s.ingestGitSync(ctx, sessionID, evt)
	case model.EventToolCall, model.EventToolResult, model.EventArtifact, model.EventError:
		return s.appendAndFanOut(ctx, sessionID, evt, evt.Type)
	default:
		// Unknown types land in the log as system-category events.
		return s.appendAndFanOut(ctx, sessionID, evt, evt.Type)
	}
}

// ingestExecutionComplete settles the referenced message. Only the first
// event per message is authoritative: the status CAS makes replays and
// duplicates no-ops.
func (s *IngressService) ingestExecutionComplete(ctx context.Context, sessionID string, evt IngressEvent) error {
	if evt.MessageID == "" {
		return errors.New("execution_complete requires messageId")
	}

	if _, err := s.appendEvent(ctx, sessionID, evt, model.EventExecutionComplete); err != nil {
		return err
	}

	status := model.MessageFailed
	if evt.Success != nil && *evt.Success {
		status = model.MessageCompleted
	}
	var errMsg *string
	if evt.Error != "" {
		errMsg = &evt.Error
	}
	flipped, err := s.messages.MarkTerminal(ctx, sessionID, evt.MessageID, status, errMsg)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	if err := s.sandbox.Settle(ctx, sessionID); err != nil {
		s.log.Warn("settle sandbox", zap.String("session_id", sessionID), zap.Error(err))
	}
	if msg, err := s.messages.Get(ctx, sessionID, evt.MessageID); err == nil && msg.StartedAt != nil {
		telemetry.RecordDispatchDone(ctx, float64(time.Since(*msg.StartedAt).Milliseconds()), status)
	}
	s.pub.Publish(ctx, sessionID, stream.Frame{
		Type:      stream.FrameProcessingStatus,
		MessageID: evt.MessageID,
		Status:    status,
	})
	s.notifyCompleted(ctx, sessionID, evt.MessageID, status, evt.Error)
	s.actor.Advance(ctx, sessionID)
	return nil
}

func (s *IngressService) ingestGitSync(ctx context.Context, sessionID string, evt IngressEvent) error {
	if err := s.appendAndFanOut(ctx, sessionID, evt, model.EventGitSync); err != nil {
		return err
	}
	if evt.Status != "completed" {
		return nil
	}

	gitStatus := evt.Status
	if err := s.sandboxes.Heartbeat(ctx, sessionID, eventTime(evt), &gitStatus); err != nil {
		return err
	}
	if evt.Sha != "" {
		if err := s.sessions.SetCurrentSha(ctx, sessionID, evt.Sha); err != nil {
			return err
		}
	}
	return s.sandbox.MarkReady(ctx, sessionID)
}

func (s *IngressService) appendAndFanOut(ctx context.Context, sessionID string, evt IngressEvent, eventType model.EventType) error {
	stored, err := s.appendEvent(ctx, sessionID, evt, eventType)
	if err != nil {
		return err
	}
	if stored == nil {
		// Duplicate of an idempotent type; already fanned out once.
		if eventType == model.EventToolCall || eventType == model.EventToolResult {
			return nil
		}
		return ErrIngressConflict
	}
	return nil
}

// appendEvent writes the event idempotently. A duplicate id returns
// (nil, nil); a fresh insert also publishes the live frame.
func (s *IngressService) appendEvent(ctx context.Context, sessionID string, evt IngressEvent, eventType model.EventType) (*model.Event, error) {
	row := &model.Event{
		ID:        evt.ID,
		SessionID: sessionID,
		Type:      eventType,
		CreatedAt: eventTime(evt),
		Data:      datatypes.JSONMap(evt.Data),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Data == nil {
		row.Data = datatypes.JSONMap{}
	}
	if evt.MessageID != "" {
		row.MessageID = &evt.MessageID
		row.Data["messageId"] = evt.MessageID
	}
	if evt.CallID != "" {
		row.CallID = &evt.CallID
		row.Data["callId"] = evt.CallID
	}
	if evt.Content != "" {
		row.Data["content"] = evt.Content
	}
	if evt.Status != "" {
		row.Data["status"] = evt.Status
	}
	if evt.Error != "" {
		row.Data["error"] = evt.Error
	}
	if evt.Success != nil {
		row.Data["success"] = *evt.Success
	}
	if evt.Sha != "" {
		row.Data["sha"] = evt.Sha
	}

	inserted, err := s.events.Append(ctx, row)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	s.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxEvent, Event: row})
	return row, nil
}

// flushTokens is the aggregator sink: one drained buffer becomes one token
// event.
func (s *IngressService) flushTokens(sessionID, messageID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := &model.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      model.EventToken,
		Data: datatypes.JSONMap{
			"messageId": messageID,
			"content":   content,
		},
	}
	if messageID != "" {
		row.MessageID = &messageID
	}
	if _, err := s.events.Append(ctx, row); err != nil {
		s.log.Error("append token batch",
			zap.String("session_id", sessionID),
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}
	telemetry.RecordTokenFlush(ctx, int64(len(content)))
	s.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxEvent, Event: row})
}

// notifyCompleted publishes the completion to the notify exchange so external
// surfaces (Slack threads, extension panes) can resolve their callbacks.
func (s *IngressService) notifyCompleted(ctx context.Context, sessionID, messageID string, status model.MessageStatus, errMsg string) {
	if s.mq == nil {
		return
	}
	msg, err := s.messages.Get(ctx, sessionID, messageID)
	if err != nil {
		s.log.Warn("load message for notify", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	body := map[string]any{
		"sessionId":       sessionID,
		"messageId":       messageID,
		"status":          status,
		"callbackContext": map[string]any(msg.CallbackContext),
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	if err := s.mq.PublishJSON(ctx,
		s.cfg.RabbitMQ.ExchangeName.SessionNotify,
		s.cfg.RabbitMQ.RoutingKey.MessageCompleted,
		body,
	); err != nil {
		s.log.Warn("publish completion notify", zap.String("message_id", messageID), zap.Error(err))
	}
}

func eventTime(evt IngressEvent) time.Time {
	if evt.Timestamp > 0 {
		return time.UnixMilli(evt.Timestamp)
	}
	return time.Now()
}
