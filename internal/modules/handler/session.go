package handler

import (
	"errors"
	"net/http"

	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/repo"
	"github.com/duetcode/duet/internal/modules/serializer"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/duetcode/duet/internal/pkg/paging"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type SessionHandler struct {
	svc *service.SessionService
}

func NewSessionHandler(svc *service.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// sessionID resolves the session scope for operator calls: explicit body
// field first, then query param, then header.
func sessionID(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if sid := c.Query("session_id"); sid != "" {
		return sid
	}
	return c.GetHeader("X-Session-Id")
}

func traceID(c *gin.Context) string {
	span := trace.SpanFromContext(c.Request.Context())
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

type InitReq struct {
	SessionID       string `json:"sessionId"`
	SessionName     string `json:"sessionName"`
	RepoOwner       string `json:"repoOwner" binding:"required"`
	RepoName        string `json:"repoName" binding:"required"`
	RepoID          string `json:"repoId"`
	UserID          string `json:"userId" binding:"required"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort"`
	GithubLogin     string `json:"githubLogin"`
}

// Init creates or ensures a session. Repeat invocations with the same
// sessionId return the stored state unchanged.
func (h *SessionHandler) Init(c *gin.Context) {
	var req InitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	sess, err := h.svc.Init(c.Request.Context(), service.InitInput{
		SessionID:       sessionID(c, req.SessionID),
		Title:           req.SessionName,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		RepoID:          req.RepoID,
		UserID:          req.UserID,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		GithubLogin:     req.GithubLogin,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"sessionId": sess.ID, "session": sess}})
}

type PromptReq struct {
	SessionID       string              `json:"sessionId"`
	Content         string              `json:"content" binding:"required"`
	AuthorID        string              `json:"authorId" binding:"required"`
	Source          string              `json:"source"`
	Attachments     []model.Attachment  `json:"attachments"`
	CallbackContext map[string]any      `json:"callbackContext"`
	ReasoningEffort string              `json:"reasoningEffort"`
}

// Prompt enqueues one user message and reports whether dispatch picked it up
// immediately.
func (h *SessionHandler) Prompt(c *gin.Context) {
	var req PromptReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	source := req.Source
	switch source {
	case model.SourceWeb, model.SourceSlack, model.SourceExtension:
	case "":
		source = model.SourceWeb
	default:
		c.JSON(http.StatusBadRequest, serializer.ParamErr("invalid source", nil))
		return
	}

	messageID, status, err := h.svc.EnqueuePrompt(c.Request.Context(), sessionID(c, req.SessionID), service.PromptInput{
		Content:         req.Content,
		AuthorID:        req.AuthorID,
		Source:          source,
		Attachments:     req.Attachments,
		CallbackContext: req.CallbackContext,
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionTerminal):
			c.JSON(http.StatusConflict, serializer.TerminalErr(""))
		case errors.Is(err, repo.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, serializer.ParamErr("session not found", err))
		default:
			c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		}
		return
	}

	queueStatus := "queued"
	if status == model.MessageProcessing {
		queueStatus = "processing"
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"messageId": messageID, "status": queueStatus}})
}

type WsTokenReq struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	GithubLogin string `json:"githubLogin"`
	GithubName  string `json:"githubName"`
}

// WsToken issues a fresh subscriber token; only its hash is stored.
func (h *SessionHandler) WsToken(c *gin.Context) {
	var req WsTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("userId is required", nil))
		return
	}

	var login, name *string
	if req.GithubLogin != "" {
		login = &req.GithubLogin
	}
	if req.GithubName != "" {
		name = &req.GithubName
	}

	token, participantID, err := h.svc.IssueWsToken(c.Request.Context(), sessionID(c, req.SessionID), req.UserID, login, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"token": token, "participantId": participantID}})
}

// Participants lists the session's participants.
func (h *SessionHandler) Participants(c *gin.Context) {
	items, err := h.svc.ListParticipants(c.Request.Context(), sessionID(c, ""))
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"participants": items}})
}

type UpsertParticipantReq struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId" binding:"required"`
	GithubLogin string `json:"githubLogin"`
	GithubName  string `json:"githubName"`
}

// UpsertParticipant ensures a participant row for the user.
func (h *SessionHandler) UpsertParticipant(c *gin.Context) {
	var req UpsertParticipantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	var login, name *string
	if req.GithubLogin != "" {
		login = &req.GithubLogin
	}
	if req.GithubName != "" {
		name = &req.GithubName
	}
	p, err := h.svc.UpsertParticipant(c.Request.Context(), sessionID(c, req.SessionID), req.UserID, login, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"participant": p}})
}

type ListMessagesReq struct {
	Status string `form:"status"`
	Limit  int    `form:"limit,default=50"`
	Cursor string `form:"cursor"`
}

func (h *SessionHandler) Messages(c *gin.Context) {
	var req ListMessagesReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	items, hasMore, next, err := h.svc.ListMessages(c.Request.Context(), sessionID(c, ""), req.Status, req.Limit, req.Cursor)
	if err != nil {
		if errors.Is(err, paging.ErrBadCursor) {
			c.JSON(http.StatusBadRequest, serializer.ParamErr("invalid cursor", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"messages": items, "hasMore": hasMore, "cursor": next}})
}

type ListEventsReq struct {
	Type   string `form:"type"`
	Limit  int    `form:"limit,default=50"`
	Cursor string `form:"cursor"`
	Before string `form:"before"`
}

func (h *SessionHandler) Events(c *gin.Context) {
	var req ListEventsReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}
	cursor := req.Cursor
	if cursor == "" {
		cursor = req.Before
	}

	items, hasMore, next, err := h.svc.ListEvents(c.Request.Context(), sessionID(c, ""), req.Type, req.Limit, cursor)
	if err != nil {
		if errors.Is(err, paging.ErrBadCursor) {
			c.JSON(http.StatusBadRequest, serializer.ParamErr("invalid cursor", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"events": items, "hasMore": hasMore, "cursor": next}})
}

// State returns the snapshot also carried by the subscribed frame.
func (h *SessionHandler) State(c *gin.Context) {
	snapshot, err := h.svc.State(c.Request.Context(), sessionID(c, ""))
	if err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, serializer.ParamErr("session not found", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: snapshot})
}

type SessionScopedReq struct {
	SessionID string `json:"sessionId"`
}

// Stop requests best-effort cancellation of the running execution.
func (h *SessionHandler) Stop(c *gin.Context) {
	var req SessionScopedReq
	_ = c.ShouldBindJSON(&req)

	if err := h.svc.Stop(c.Request.Context(), sessionID(c, req.SessionID)); err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Msg: "stop requested"})
}

func (h *SessionHandler) Archive(c *gin.Context) {
	var req SessionScopedReq
	_ = c.ShouldBindJSON(&req)

	if err := h.svc.Archive(c.Request.Context(), sessionID(c, req.SessionID)); err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, serializer.ParamErr("session not found", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Msg: "archived"})
}

func (h *SessionHandler) Unarchive(c *gin.Context) {
	var req SessionScopedReq
	_ = c.ShouldBindJSON(&req)

	if err := h.svc.Unarchive(c.Request.Context(), sessionID(c, req.SessionID)); err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, serializer.ParamErr("session not found", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Msg: "unarchived"})
}

// Warm eagerly provisions the sandbox before the first prompt arrives.
func (h *SessionHandler) Warm(c *gin.Context) {
	var req SessionScopedReq
	_ = c.ShouldBindJSON(&req)

	sb, err := h.svc.Warm(c.Request.Context(), sessionID(c, req.SessionID))
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, serializer.ParamErr("session not found", err))
		case errors.Is(err, service.ErrSandboxUnavailable):
			c.JSON(http.StatusBadGateway, serializer.Err(http.StatusBadGateway, serializer.KindSandboxUnavailable, "sandbox unavailable", err))
		default:
			c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		}
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"sandbox": sb}})
}
