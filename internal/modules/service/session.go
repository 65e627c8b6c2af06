package service

import (
	"context"
	"errors"
	"time"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/infra/httpclient"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/repo"
	"github.com/duetcode/duet/internal/pkg/paging"
	"github.com/duetcode/duet/internal/pkg/utils/tokens"
	"github.com/duetcode/duet/internal/stream"
	"github.com/duetcode/duet/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrSessionTerminal rejects new prompts against a completed or archived
// session.
var ErrSessionTerminal = errors.New("session is archived")

// InitInput carries the gateway's create/ensure request. SessionID is chosen
// by the gateway so that re-invocation is an idempotent no-op.
type InitInput struct {
	SessionID       string
	Title           string
	RepoOwner       string
	RepoName        string
	RepoID          string
	UserID          string
	Model           string
	ReasoningEffort string
	GithubLogin     string
}

// PromptInput is one enqueue request.
type PromptInput struct {
	Content         string
	AuthorID        string
	Source          model.MessageSource
	Attachments     []model.Attachment
	CallbackContext map[string]any
	ReasoningEffort string
}

// StateSnapshot is the read-only view consumed by the subscribed frame and
// GET /internal/state.
type StateSnapshot struct {
	Session           *model.Session      `json:"session"`
	Sandbox           *model.Sandbox      `json:"sandbox"`
	Participants      []model.Participant `json:"participants"`
	ProcessingMessage *model.Message      `json:"processing_message"`
	PendingCount      int64               `json:"pending_count"`
	EventCount        int64               `json:"event_count"`
}

// SessionService is the session actor: every mutating entry point runs under
// the per-session lock, with sandbox RPCs and fan-out staged outside the
// critical section. It also hosts the dispatcher that drains the prompt
// queue one message at a time.
type SessionService struct {
	sessions     repo.SessionRepo
	participants repo.ParticipantRepo
	messages     repo.MessageRepo
	events       repo.EventRepo
	sandbox      *SandboxController
	pub          *stream.Publisher
	cfg          *config.Config
	log          *zap.Logger
	locks        *sessionLocks
}

func NewSessionService(
	sessions repo.SessionRepo,
	participants repo.ParticipantRepo,
	messages repo.MessageRepo,
	events repo.EventRepo,
	sandbox *SandboxController,
	pub *stream.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *SessionService {
	s := &SessionService{
		sessions:     sessions,
		participants: participants,
		messages:     messages,
		events:       events,
		sandbox:      sandbox,
		pub:          pub,
		cfg:          cfg,
		log:          log,
		locks:        newSessionLocks(),
	}
	sandbox.OnAdvance(func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Advance(ctx, sessionID)
	})
	return s
}

// Init creates or ensures the session. Unknown models fall back to the
// configured default; unknown reasoning efforts are dropped.
func (s *SessionService) Init(ctx context.Context, in InitInput) (*model.Session, error) {
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}

	release := s.locks.Acquire(in.SessionID)
	defer release()

	sess := &model.Session{
		ID:        in.SessionID,
		RepoOwner: in.RepoOwner,
		RepoName:  in.RepoName,
		RepoID:    in.RepoID,
		Status:    model.SessionCreated,
		Model:     s.cfg.NormalizeModel(in.Model),
	}
	if in.Title != "" {
		sess.Title = &in.Title
	}
	if effort := s.cfg.NormalizeReasoningEffort(in.ReasoningEffort); effort != "" {
		sess.ReasoningEffort = &effort
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	// Re-read: on repeat init the insert was a no-op and the stored row wins.
	sess, err := s.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.participants.EnsureForUser(ctx, sess.ID, in.UserID, model.RoleOwner); err != nil {
		return nil, err
	}
	if in.GithubLogin != "" {
		p, err := s.participants.EnsureForUser(ctx, sess.ID, in.UserID, model.RoleOwner)
		if err != nil {
			return nil, err
		}
		if err := s.participants.UpdateGithubMeta(ctx, p.ID, &in.GithubLogin, nil); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// EnqueuePrompt appends a user_message event, inserts the pending message row
// and pokes the dispatcher. The returned status reflects whether dispatch
// picked the message up immediately.
func (s *SessionService) EnqueuePrompt(ctx context.Context, sessionID string, in PromptInput) (string, model.MessageStatus, error) {
	release := s.locks.Acquire(sessionID)

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		release()
		return "", "", err
	}
	if sess.Terminal() {
		release()
		return "", "", ErrSessionTerminal
	}

	author, err := s.participants.EnsureForUser(ctx, sessionID, in.AuthorID, model.RoleMember)
	if err != nil {
		release()
		return "", "", err
	}

	msg := &model.Message{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		AuthorParticipantID: author.ID,
		Content:             in.Content,
		Source:              in.Source,
		Status:              model.MessagePending,
		Attachments:         datatypes.NewJSONType(in.Attachments),
		CallbackContext:     datatypes.JSONMap(in.CallbackContext),
	}
	if effort := s.cfg.NormalizeReasoningEffort(in.ReasoningEffort); effort != "" {
		msg.ReasoningEffort = &effort
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		release()
		return "", "", err
	}

	evt := &model.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      model.EventUserMessage,
		MessageID: &msg.ID,
		Data: datatypes.JSONMap{
			"messageId": msg.ID,
			"content":   in.Content,
			"authorId":  in.AuthorID,
			"source":    in.Source,
		},
	}
	if _, err := s.events.Append(ctx, evt); err != nil {
		release()
		return "", "", err
	}

	if sess.Status == model.SessionCreated {
		if err := s.sessions.UpdateStatus(ctx, sessionID, model.SessionActive); err != nil {
			release()
			return "", "", err
		}
	}
	release()

	s.pub.Publish(ctx, sessionID, stream.Frame{Type: stream.FrameSandboxEvent, Event: evt})
	telemetry.RecordPrompt(ctx, in.Source)
	s.Advance(ctx, sessionID)

	stored, err := s.messages.Get(ctx, sessionID, msg.ID)
	if err != nil {
		return msg.ID, model.MessagePending, nil
	}
	status := model.MessagePending
	if stored.Status == model.MessageProcessing {
		status = model.MessageProcessing
	}
	return msg.ID, status, nil
}

// IssueWsToken mints a fresh subscriber token. Only the HMAC lands in
// storage; the raw value is returned exactly once.
func (s *SessionService) IssueWsToken(ctx context.Context, sessionID, userID string, githubLogin, githubName *string) (string, string, error) {
	p, err := s.participants.EnsureForUser(ctx, sessionID, userID, model.RoleMember)
	if err != nil {
		return "", "", err
	}
	if err := s.participants.UpdateGithubMeta(ctx, p.ID, githubLogin, githubName); err != nil {
		return "", "", err
	}

	raw, err := tokens.NewSubscriberToken()
	if err != nil {
		return "", "", err
	}
	if err := s.participants.SetToken(ctx, p.ID, tokens.HMAC256Hex(s.cfg.Auth.TokenPepper, raw)); err != nil {
		return "", "", err
	}
	return raw, p.ID, nil
}

// AuthorizeSubscriber resolves a presented raw token to its participant.
func (s *SessionService) AuthorizeSubscriber(ctx context.Context, sessionID, rawToken string) (*model.Participant, error) {
	return s.participants.GetByTokenHash(ctx, sessionID, tokens.HMAC256Hex(s.cfg.Auth.TokenPepper, rawToken))
}

// TouchPresence bumps last_seen; called by the hub on activity.
func (s *SessionService) TouchPresence(ctx context.Context, participantID string) {
	if err := s.participants.UpdateLastSeen(ctx, participantID, time.Now()); err != nil {
		s.log.Warn("update last_seen", zap.String("participant_id", participantID), zap.Error(err))
	}
}

func (s *SessionService) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	return s.participants.List(ctx, sessionID)
}

// UpsertParticipant ensures a participant row for the user and refreshes
// GitHub metadata when supplied.
func (s *SessionService) UpsertParticipant(ctx context.Context, sessionID, userID string, githubLogin, githubName *string) (*model.Participant, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	p, err := s.participants.EnsureForUser(ctx, sessionID, userID, model.RoleMember)
	if err != nil {
		return nil, err
	}
	if err := s.participants.UpdateGithubMeta(ctx, p.ID, githubLogin, githubName); err != nil {
		return nil, err
	}
	return p, nil
}

// Warm eagerly provisions the sandbox ahead of the first prompt.
func (s *SessionService) Warm(ctx context.Context, sessionID string) (*model.Sandbox, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sandbox.EnsureRunning(ctx, sess)
}

// ListMessages pages newest-first with an opaque (createdAt, id) cursor,
// optionally filtered by status.
func (s *SessionService) ListMessages(ctx context.Context, sessionID, status string, limit int, cursor string) ([]model.Message, bool, string, error) {
	limit = clampLimit(limit)
	cursorAt, cursorID, err := decodeOptionalCursor(cursor)
	if err != nil {
		return nil, false, "", err
	}
	items, hasMore, err := s.messages.ListWithCursor(ctx, sessionID, status, limit, cursorAt, cursorID)
	if err != nil {
		return nil, false, "", err
	}
	next := ""
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		next = paging.EncodeCursor(last.CreatedAt, last.ID)
	}
	return items, hasMore, next, nil
}

// ListEvents pages history backwards; each page comes back in chronological
// order and the cursor points at the oldest item returned.
func (s *SessionService) ListEvents(ctx context.Context, sessionID, eventType string, limit int, cursor string) ([]model.Event, bool, string, error) {
	limit = clampLimit(limit)
	cursorAt, cursorID, err := decodeOptionalCursor(cursor)
	if err != nil {
		return nil, false, "", err
	}
	var types []string
	if eventType != "" {
		types = []string{eventType}
	}
	items, hasMore, err := s.events.ListBefore(ctx, sessionID, types, limit, cursorAt, cursorID)
	if err != nil {
		return nil, false, "", err
	}
	next := ""
	if hasMore && len(items) > 0 {
		next = paging.EncodeCursor(items[0].CreatedAt, items[0].ID)
	}
	return items, hasMore, next, nil
}

// LoadOlderEvents is the history-scroll entry point: the page strictly
// preceding the given cursor.
func (s *SessionService) LoadOlderEvents(ctx context.Context, sessionID, before string, limit int) ([]model.Event, bool, string, error) {
	return s.ListEvents(ctx, sessionID, "", limit, before)
}

// ReplayTail returns the most recent n events ascending, for subscribe-time
// replay.
func (s *SessionService) ReplayTail(ctx context.Context, sessionID string, n int) ([]model.Event, error) {
	return s.events.Tail(ctx, sessionID, n)
}

// Stop requests cancellation of the current execution. Pending messages stay
// queued; with nothing processing it is a no-op.
func (s *SessionService) Stop(ctx context.Context, sessionID string) error {
	msg, err := s.messages.CurrentProcessing(ctx, sessionID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return s.sandbox.RequestStop(ctx, sessionID, msg.ID)
}

// Archive flips the session to archived. State survives; pending messages
// stay queued but are not dispatched until unarchive.
func (s *SessionService) Archive(ctx context.Context, sessionID string) error {
	release := s.locks.Acquire(sessionID)
	defer release()
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return err
	}
	return s.sessions.UpdateStatus(ctx, sessionID, model.SessionArchived)
}

func (s *SessionService) Unarchive(ctx context.Context, sessionID string) error {
	release := s.locks.Acquire(sessionID)
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		release()
		return err
	}
	if err := s.sessions.UpdateStatus(ctx, sessionID, model.SessionActive); err != nil {
		release()
		return err
	}
	release()
	s.Advance(ctx, sessionID)
	return nil
}

// State assembles the snapshot consumed by the subscribed frame.
func (s *SessionService) State(ctx context.Context, sessionID string) (*StateSnapshot, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sb, err := s.sandbox.sandboxes.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := s.participants.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	processing, err := s.messages.CurrentProcessing(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pending, err := s.messages.CountPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	eventCount, err := s.events.CountBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		Session:           sess,
		Sandbox:           sb,
		Participants:      parts,
		ProcessingMessage: processing,
		PendingCount:      pending,
		EventCount:        eventCount,
	}, nil
}

// Advance drains the prompt queue: at most one message processing per session,
// oldest pending first. A dispatch failure degrades that single message to
// failed and the loop continues with the next prompt.
func (s *SessionService) Advance(ctx context.Context, sessionID string) {
	for {
		again, err := s.dispatchNext(ctx, sessionID)
		if err != nil {
			s.log.Error("dispatch failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		if !again {
			return
		}
	}
}

// dispatchNext claims the queue head under the lock, then runs the sandbox
// RPCs unlocked. It reports whether the caller should immediately try the
// next pending message.
func (s *SessionService) dispatchNext(ctx context.Context, sessionID string) (bool, error) {
	release := s.locks.Acquire(sessionID)

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		release()
		return false, err
	}
	if sess.Terminal() {
		release()
		return false, nil
	}

	processing, err := s.messages.CurrentProcessing(ctx, sessionID)
	if err != nil {
		release()
		return false, err
	}
	if processing != nil {
		release()
		return false, nil
	}

	msg, err := s.messages.OldestPending(ctx, sessionID)
	if err != nil {
		release()
		return false, err
	}
	if msg == nil {
		release()
		return false, nil
	}

	claimed, err := s.messages.MarkProcessing(ctx, sessionID, msg.ID)
	if err != nil {
		release()
		return false, err
	}
	release()
	if !claimed {
		return false, nil
	}

	s.pub.Publish(ctx, sessionID, stream.Frame{
		Type:      stream.FrameProcessingStatus,
		MessageID: msg.ID,
		Status:    model.MessageProcessing,
	})

	// Sandbox I/O happens outside the lock.
	sb, err := s.sandbox.EnsureRunning(ctx, sess)
	if err == nil {
		err = s.sandbox.Execute(ctx, sb, httpclient.ExecuteCommand{
			SessionID:       sessionID,
			MessageID:       msg.ID,
			Content:         msg.Content,
			Model:           sess.Model,
			ReasoningEffort: resolveEffort(msg, sess),
			Attachments:     msg.Attachments.Data(),
			CallbackContext: msg.CallbackContext,
		})
	}
	if err != nil {
		if errors.Is(err, ErrSandboxUnavailable) {
			s.failDispatch(ctx, sessionID, msg.ID, "sandbox_unavailable: "+err.Error())
			return true, nil
		}
		s.failDispatch(ctx, sessionID, msg.ID, err.Error())
		return true, nil
	}
	return false, nil
}

func (s *SessionService) failDispatch(ctx context.Context, sessionID, messageID, errMsg string) {
	if flipped, err := s.messages.MarkTerminal(ctx, sessionID, messageID, model.MessageFailed, &errMsg); err != nil {
		s.log.Error("fail message", zap.String("message_id", messageID), zap.Error(err))
		return
	} else if !flipped {
		return
	}
	s.sandbox.appendSyntheticComplete(ctx, sessionID, messageID, errMsg)
	s.pub.Publish(ctx, sessionID, stream.Frame{
		Type:      stream.FrameProcessingStatus,
		MessageID: messageID,
		Status:    model.MessageFailed,
	})
}

// resolveEffort applies the fallback chain: per-message override, then session
// default. Empty means the model default, resolved runtime-side.
func resolveEffort(msg *model.Message, sess *model.Session) string {
	if msg.ReasoningEffort != nil {
		return *msg.ReasoningEffort
	}
	if sess.ReasoningEffort != nil {
		return *sess.ReasoningEffort
	}
	return ""
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func decodeOptionalCursor(cursor string) (*time.Time, *string, error) {
	if cursor == "" {
		return nil, nil, nil
	}
	at, id, err := paging.DecodeCursor(cursor)
	if err != nil {
		return nil, nil, err
	}
	return &at, &id, nil
}
