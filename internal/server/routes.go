package server

import (
	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/pairchat/internal/logger"
)

// RouterConfig collects what the router needs.
type RouterConfig struct {
	Handlers      *Handlers
	Authenticator Authenticator
	Origins       *OriginPolicy
	Log           *logger.Logger
}

// SetupRoutes builds the gin engine with every application route.
func SetupRoutes(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Log.With("middleware", "RequestLogger")))
	r.Use(CORS(cfg.Origins))

	h := cfg.Handlers
	r.GET("/healthz", h.Health)
	r.GET("/ws", h.WebSocket)
	r.GET("/ws/stats", h.WebSocketStats)

	api := r.Group("/api/v1")
	api.Use(RequireAuth(cfg.Authenticator, cfg.Log))
	{
		api.POST("/chats/private", h.CreatePrivateChat)
		api.GET("/chats/private", h.ListPrivateChats)
		api.GET("/chats/private/:id", h.GetPrivateChat)

		api.GET("/chats/:id/messages", h.ListMessages)
		api.POST("/chats/:id/messages", h.SendMessage)
		api.POST("/chats/:id/messages/mark-read", h.MarkRead)
		api.GET("/chats/:id/messages/unread-count", h.UnreadCount)

		api.PATCH("/messages/:id", h.EditMessage)
		api.DELETE("/messages/:id", h.DeleteMessage)
	}
	return r
}
