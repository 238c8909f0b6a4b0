// Package handlers implements the administrative entitlement endpoints.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/astralis-ai/astralis/internal/models"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/gin-gonic/gin"
)

// HeaderActorID identifies the administrator performing a mutation. The
// value is recorded in the audit log fields.
const HeaderActorID = "X-Actor-ID"

// EntitlementHandler manages per-user quota and plan administration.
type EntitlementHandler struct {
	quota *quota.Manager
}

// NewEntitlementHandler constructs an EntitlementHandler.
func NewEntitlementHandler(quotaMgr *quota.Manager) *EntitlementHandler {
	return &EntitlementHandler{quota: quotaMgr}
}

// pathUserID parses the :id path parameter.
func pathUserID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// actorID extracts the acting administrator identity from the headers.
func actorID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderActorID))
}

// GetQuota returns the entitlement row and current admission decision for a
// user.
func (h *EntitlementHandler) GetQuota(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	check, errCheck := h.quota.Check(c.Request.Context(), userID)
	if errCheck != nil {
		if errors.Is(errCheck, quota.ErrEntitlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entitlement not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}

	ent, errEnt := h.quota.Entitlement(c.Request.Context(), userID)
	if errEnt != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entitlement lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":             ent.UserID,
		"plan_type":           ent.PlanType,
		"daily_request_limit": ent.DailyRequestLimit,
		"daily_token_limit":   ent.DailyTokenLimit,
		"daily_requests_used": ent.DailyRequestsUsed,
		"daily_tokens_used":   ent.DailyTokensUsed,
		"quota_reset_at":      ent.QuotaResetAt,
		"cap_mode":            ent.CapMode,
		"ai_enabled":          ent.AIEnabled,
		"active":              ent.Active,
		"allowed_models":      ent.AllowedModels,
		"allowed_features":    ent.AllowedFeatures,
		"rate_limit":          ent.RateLimit,
		"check":               check,
	})
}

// adjustQuotaRequest defines the body for quota adjustments. Nil fields are
// left unchanged.
type adjustQuotaRequest struct {
	RequestLimit *int64  `json:"request_limit"` // New daily request limit.
	TokenLimit   *int64  `json:"token_limit"`   // New daily token limit.
	CapMode      *string `json:"cap_mode"`      // New cap mode, "hard" or "soft".
	ResetNow     bool    `json:"reset_now"`     // Zero usage and restart the epoch.
}

// AdjustQuota applies administrative overrides to a user's limits.
func (h *EntitlementHandler) AdjustQuota(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	var body adjustQuotaRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	params := quota.AdjustParams{
		RequestLimit: body.RequestLimit,
		TokenLimit:   body.TokenLimit,
		ResetNow:     body.ResetNow,
	}
	if body.CapMode != nil {
		mode := models.CapMode(strings.TrimSpace(*body.CapMode))
		if mode != models.CapModeHard && mode != models.CapModeSoft {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cap_mode"})
			return
		}
		params.CapMode = &mode
	}

	if errAdjust := h.quota.Adjust(c.Request.Context(), userID, params, actorID(c)); errAdjust != nil {
		if errors.Is(errAdjust, quota.ErrEntitlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entitlement not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "adjust quota failed"})
		return
	}

	check, errCheck := h.quota.Check(c.Request.Context(), userID)
	if errCheck != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}
	c.JSON(http.StatusOK, check)
}

// changePlanRequest defines the body for plan changes.
type changePlanRequest struct {
	Plan string `json:"plan"` // Target plan tier.
}

// ChangePlan assigns a plan tier to a user, replacing limits with the plan
// defaults and zeroing usage. A user without an entitlement row gets one
// created from the plan defaults.
func (h *EntitlementHandler) ChangePlan(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	var body changePlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	plan := models.PlanType(strings.TrimSpace(body.Plan))
	switch plan {
	case models.PlanFree, models.PlanBasic, models.PlanPro, models.PlanEnterprise:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan"})
		return
	}

	errChange := h.quota.ChangePlan(c.Request.Context(), userID, plan, actorID(c))
	if errors.Is(errChange, quota.ErrEntitlementNotFound) {
		errChange = h.quota.Provision(c.Request.Context(), userID, plan, actorID(c))
	}
	if errChange != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "change plan failed"})
		return
	}

	ent, errEnt := h.quota.Entitlement(c.Request.Context(), userID)
	if errEnt != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entitlement lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":             ent.UserID,
		"plan_type":           ent.PlanType,
		"daily_request_limit": ent.DailyRequestLimit,
		"daily_token_limit":   ent.DailyTokenLimit,
		"cap_mode":            ent.CapMode,
		"rate_limit":          ent.RateLimit,
		"quota_reset_at":      ent.QuotaResetAt,
	})
}
