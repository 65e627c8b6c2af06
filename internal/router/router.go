package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duetcode/duet/internal/config"
	"github.com/duetcode/duet/internal/middleware"
	"github.com/duetcode/duet/internal/modules/handler"
	"github.com/duetcode/duet/internal/modules/serializer"
)

type RouterDeps struct {
	Config          *config.Config
	Log             *zap.Logger
	SessionHandler  *handler.SessionHandler
	IngressHandler  *handler.IngressHandler
	ArtifactHandler *handler.ArtifactHandler
	WsHandler       *handler.WsHandler
}

func NewRouter(d RouterDeps) *gin.Engine {
	// Initialize logger for serializer package
	serializer.SetLogger(d.Log)

	r := gin.New()
	r.Use(gin.Recovery())

	if d.Config.Telemetry.Enabled && d.Config.Telemetry.OtlpEndpoint != "" {
		r.Use(middleware.OtelTracing(d.Config.App.Name))
		r.Use(middleware.TraceID())
	}

	r.Use(middleware.ZapLogger(d.Log))

	// health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, serializer.Response{Msg: "ok"}) })

	// Operator channel: the gateway and the sandbox, shared-secret auth.
	internal := r.Group("/internal")
	{
		internal.Use(middleware.OperatorAuth(d.Config))

		internal.POST("/init", d.SessionHandler.Init)
		internal.POST("/prompt", d.SessionHandler.Prompt)
		internal.POST("/ws-token", d.SessionHandler.WsToken)

		internal.GET("/participants", d.SessionHandler.Participants)
		internal.POST("/participants", d.SessionHandler.UpsertParticipant)
		internal.GET("/messages", d.SessionHandler.Messages)
		internal.GET("/events", d.SessionHandler.Events)
		internal.GET("/state", d.SessionHandler.State)

		internal.POST("/stop", d.SessionHandler.Stop)
		internal.POST("/archive", d.SessionHandler.Archive)
		internal.POST("/unarchive", d.SessionHandler.Unarchive)
		internal.POST("/warm", d.SessionHandler.Warm)

		internal.POST("/sandbox-event", d.IngressHandler.SandboxEvent)
	}

	sessions := r.Group("/sessions")
	{
		artifact := sessions.Group("/:id")
		artifact.Use(middleware.OperatorAuth(d.Config))
		{
			artifact.POST("/artifact", d.ArtifactHandler.Upload)
			artifact.GET("/artifacts", d.ArtifactHandler.List)
		}

		// Subscriber channel: token auth happens on the first frame so the
		// hub can close with 4001 instead of failing the upgrade.
		sessions.GET("/:id/ws", d.WsHandler.Subscribe)
	}

	return r
}
