package handler

import (
	"github.com/duetcode/duet/internal/hub"
	"github.com/gin-gonic/gin"
)

type WsHandler struct {
	hub *hub.Hub
}

func NewWsHandler(h *hub.Hub) *WsHandler {
	return &WsHandler{hub: h}
}

// Subscribe upgrades to the subscriber channel. Authentication happens on the
// first frame inside the hub, not here, so close codes can distinguish 4001.
func (h *WsHandler) Subscribe(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request, c.Param("id"))
}
