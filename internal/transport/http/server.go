package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/relaychat/relay-server/internal/auth"
	"github.com/relaychat/relay-server/internal/config"
	"github.com/relaychat/relay-server/internal/gateway"
	"github.com/relaychat/relay-server/internal/service/conversations"
)

// NewServer builds the HTTP server: health probe, the WebSocket endpoint and
// the REST API, all JWT-gated except health.
func NewServer(cfg config.Config, verifier auth.Verifier, gw *gateway.Gateway, convs *conversations.Service, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	wsHandler := NewWSHandler(gw, verifier, logger)
	router.GET("/ws", gin.WrapH(wsHandler))

	api := router.Group("/api", AuthMiddleware(verifier, logger))
	{
		h := NewConversationHandlers(convs, logger)
		api.GET("/conversations", h.List)
		api.GET("/conversations/unread-counts", h.UnreadCounts)
		api.POST("/conversations/direct", h.CreateDirect)
		api.POST("/conversations/group", h.CreateGroup)
		api.POST("/conversations/:id/members", h.AddMembers)
		api.DELETE("/conversations/:id/members/:userId", h.RemoveMember)
		api.PUT("/conversations/:id", h.UpdateGroupInfo)
		api.GET("/messages/:conversationId", h.Messages)
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
