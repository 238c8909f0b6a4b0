package handlers

import (
	"errors"
	"net/http"

	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/gin-gonic/gin"
)

// QuotaFrontHandler exposes the calling user's quota status.
type QuotaFrontHandler struct {
	quota *quota.Manager
}

// NewQuotaFrontHandler constructs a QuotaFrontHandler.
func NewQuotaFrontHandler(quotaMgr *quota.Manager) *QuotaFrontHandler {
	return &QuotaFrontHandler{quota: quotaMgr}
}

// Show returns the current quota snapshot for the calling user. The check
// applies the lazy epoch reset, so the response always reflects the active
// window.
func (h *QuotaFrontHandler) Show(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	check, errCheck := h.quota.Check(c.Request.Context(), userID)
	if errCheck != nil {
		if errors.Is(errCheck, quota.ErrEntitlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no entitlement configured"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}

	c.JSON(http.StatusOK, quotaPayload(check))
}
