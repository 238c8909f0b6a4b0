// Package admin wires the administrative API routes.
package admin

import (
	"github.com/astralis-ai/astralis/internal/http/api/admin/handlers"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/gin-gonic/gin"
)

// RegisterAdminRoutes registers admin routes and handlers. Authentication
// is handled by the fronting proxy; the actor identity arrives in the
// X-Actor-ID header.
func RegisterAdminRoutes(r *gin.Engine, quotaMgr *quota.Manager) {
	if r == nil || quotaMgr == nil {
		return
	}

	adminGroup := r.Group("/v1/admin")

	entitlementHandler := handlers.NewEntitlementHandler(quotaMgr)
	adminGroup.GET("/users/:id/quota", entitlementHandler.GetQuota)
	adminGroup.PUT("/users/:id/quota", entitlementHandler.AdjustQuota)
	adminGroup.PUT("/users/:id/plan", entitlementHandler.ChangePlan)
}
