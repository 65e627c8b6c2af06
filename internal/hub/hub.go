// Package hub owns the subscriber channel: live websocket connections scoped
// to one session, fed by replay from the event log followed by the Redis
// frame stream. The hub is the only component that writes to sockets.
package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/duetcode/duet/internal/stream"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes on the subscriber channel.
const (
	CloseAuthRequired   = 4001
	CloseSessionExpired = 4002
)

const subscribeTimeout = 10 * time.Second

// clientFrame is one client -> server message.
type clientFrame struct {
	Type            string             `json:"type"`
	Token           string             `json:"token,omitempty"`
	ClientID        string             `json:"clientId,omitempty"`
	Content         string             `json:"content,omitempty"`
	ReasoningEffort string             `json:"reasoningEffort,omitempty"`
	Attachments     []model.Attachment `json:"attachments,omitempty"`
}

type Hub struct {
	svc *service.SessionService
	sub *stream.Subscriber
	pub *stream.Publisher
	cfg *config.Config
	log *zap.Logger

	upgrader websocket.Upgrader
}

func New(svc *service.SessionService, sub *stream.Subscriber, pub *stream.Publisher, cfg *config.Config, log *zap.Logger) *Hub {
	return &Hub{
		svc: svc,
		sub: sub,
		pub: pub,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and runs the connection to completion.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	participant, clientID, ok := h.authenticate(ws, sessionID)
	if !ok {
		return
	}

	snapshot, err := h.svc.State(r.Context(), sessionID)
	if err != nil {
		h.log.Error("load snapshot", zap.String("session_id", sessionID), zap.Error(err))
		closeWith(ws, websocket.CloseInternalServerErr, "state unavailable")
		return
	}
	if snapshot.Session.Status == model.SessionArchived {
		closeWith(ws, CloseSessionExpired, "session expired")
		return
	}

	c := newConn(h, ws, sessionID, participant, clientID)
	c.run(snapshot)
}

// authenticate reads the subscribe frame and resolves the token against
// stored participant hashes. Failure closes with 4001.
func (h *Hub) authenticate(ws *websocket.Conn, sessionID string) (*model.Participant, string, bool) {
	ws.SetReadDeadline(time.Now().Add(subscribeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		closeWith(ws, CloseAuthRequired, "authentication required")
		return nil, "", false
	}

	var f clientFrame
	if err := sonic.Unmarshal(raw, &f); err != nil || f.Type != "subscribe" || f.Token == "" {
		closeWith(ws, CloseAuthRequired, "authentication required")
		return nil, "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	participant, err := h.svc.AuthorizeSubscriber(ctx, sessionID, f.Token)
	if err != nil {
		closeWith(ws, CloseAuthRequired, "authentication required")
		return nil, "", false
	}
	return participant, f.ClientID, true
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
