package handler

import (
	"net/http"
	"time"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/infra/blob"
	mq "github.com/duetcode/duet/internal/infra/queue"
	"github.com/duetcode/duet/internal/modules/model"
	"github.com/duetcode/duet/internal/modules/serializer"
	"github.com/duetcode/duet/internal/modules/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactHandler stores uploaded binaries (screenshots and similar) in the
// object store. The artifact event is the only in-session record; retrieval
// goes through presigned URLs.
type ArtifactHandler struct {
	blob    *blob.S3Deps
	ingress *service.IngressService
	session *service.SessionService
	mq      *mq.Publisher
	cfg     *config.Config
	log     *zap.Logger
}

func NewArtifactHandler(
	blobDeps *blob.S3Deps,
	ingress *service.IngressService,
	session *service.SessionService,
	mqPub *mq.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *ArtifactHandler {
	return &ArtifactHandler{
		blob:    blobDeps,
		ingress: ingress,
		session: session,
		mq:      mqPub,
		cfg:     cfg,
		log:     log,
	}
}

// Upload accepts a multipart artifact, writes it to the object store and
// persists the artifact event.
func (h *ArtifactHandler) Upload(c *gin.Context) {
	sid := c.Param("id")

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("file is required", err))
		return
	}
	name := c.PostForm("name")
	if name == "" {
		name = fh.Filename
	}
	messageID := c.PostForm("messageId")

	meta, err := h.blob.UploadFormFile(c.Request.Context(), "artifacts/"+sid, fh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}

	expire := time.Duration(h.cfg.S3.PresignExpireSec) * time.Second
	url, err := h.blob.PresignGet(c.Request.Context(), meta.Key, expire)
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}

	evt := service.IngressEvent{
		ID:        uuid.NewString(),
		Type:      model.EventArtifact,
		MessageID: messageID,
		Data: map[string]any{
			"name":   name,
			"key":    meta.Key,
			"url":    url,
			"mime":   meta.MIME,
			"sizeB":  meta.SizeB,
			"sha256": meta.SHA256,
		},
	}
	if err := h.ingress.Ingest(c.Request.Context(), sid, evt); err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}

	if h.mq != nil {
		if err := h.mq.PublishJSON(c.Request.Context(),
			h.cfg.RabbitMQ.ExchangeName.SessionNotify,
			h.cfg.RabbitMQ.RoutingKey.ArtifactCreated,
			gin.H{"sessionId": sid, "eventId": evt.ID, "name": name, "key": meta.Key},
		); err != nil {
			h.log.Warn("publish artifact notify", zap.String("session_id", sid), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{
		"eventId": evt.ID,
		"key":     meta.Key,
		"url":     url,
		"mime":    meta.MIME,
		"sizeB":   meta.SizeB,
	}})
}

// List returns the session's artifact events with fresh presigned URLs.
func (h *ArtifactHandler) List(c *gin.Context) {
	sid := c.Param("id")

	var req ListEventsReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	items, hasMore, next, err := h.session.ListEvents(c.Request.Context(), sid, model.EventArtifact, req.Limit, req.Cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, serializer.InternalErr(traceID(c), err))
		return
	}

	expire := time.Duration(h.cfg.S3.PresignExpireSec) * time.Second
	type artifactOut struct {
		EventID   string         `json:"eventId"`
		CreatedAt int64          `json:"createdAt"`
		Data      map[string]any `json:"data"`
	}
	out := make([]artifactOut, 0, len(items))
	for _, e := range items {
		data := map[string]any(e.Data)
		if key, ok := data["key"].(string); ok && key != "" {
			if url, err := h.blob.PresignGet(c.Request.Context(), key, expire); err == nil {
				data["url"] = url
			}
		}
		out = append(out, artifactOut{
			EventID:   e.ID,
			CreatedAt: e.CreatedAt.UnixMilli(),
			Data:      data,
		})
	}
	c.JSON(http.StatusOK, serializer.Response{Data: gin.H{"artifacts": out, "hasMore": hasMore, "cursor": next}})
}
