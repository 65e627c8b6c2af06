package handler

import (
	"errors"
	"net/http"

	"github.com/duetcode/duet/internal/modules/serializer"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/gin-gonic/gin"
)

type IngressHandler struct {
	svc *service.IngressService
}

func NewIngressHandler(svc *service.IngressService) *IngressHandler {
	return &IngressHandler{svc: svc}
}

type SandboxEventReq struct {
	SessionID string `json:"sessionId"`
	service.IngressEvent
}

// SandboxEvent ingests one event from the sandbox. A rejected event never
// blocks the rest of the stream.
func (h *IngressHandler) SandboxEvent(c *gin.Context) {
	var req SandboxEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	sid := sessionID(c, req.SessionID)
	if sid == "" {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("sessionId is required", nil))
		return
	}

	if err := h.svc.Ingest(c.Request.Context(), sid, req.IngressEvent); err != nil {
		if errors.Is(err, service.ErrIngressConflict) {
			c.JSON(http.StatusConflict, serializer.Err(http.StatusConflict, serializer.KindIngressConflict, "duplicate event", err))
			return
		}
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Msg: "accepted"})
}
