// Package front wires the user-facing API routes.
package front

import (
	"github.com/astralis-ai/astralis/internal/gateway"
	"github.com/astralis-ai/astralis/internal/http/api/front/handlers"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/astralis-ai/astralis/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterFrontRoutes registers the chat, quota, and usage routes.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, gw *gateway.Gateway, quotaMgr *quota.Manager, limiter *ratelimit.Manager) {
	if r == nil || gw == nil || quotaMgr == nil {
		return
	}

	group := r.Group("/v1")

	chatHandler := handlers.NewChatHandler(gw, quotaMgr, limiter)
	group.POST("/chat", chatHandler.Complete)
	group.POST("/chat/stream", chatHandler.Stream)

	quotaHandler := handlers.NewQuotaFrontHandler(quotaMgr)
	group.GET("/quota", quotaHandler.Show)

	usageHandler := handlers.NewUsageFrontHandler(db)
	group.GET("/usage", usageHandler.List)
}
