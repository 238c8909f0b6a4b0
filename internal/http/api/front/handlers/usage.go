package handlers

import (
	"net/http"
	"strings"

	"github.com/astralis-ai/astralis/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UsageFrontHandler serves the user's usage history.
type UsageFrontHandler struct {
	db *gorm.DB
}

// NewUsageFrontHandler constructs a UsageFrontHandler.
func NewUsageFrontHandler(db *gorm.DB) *UsageFrontHandler {
	return &UsageFrontHandler{db: db}
}

// usageListQuery defines filters for the usage list view.
type usageListQuery struct {
	Page  int    `form:"page,default=1"`   // Page number.
	Limit int    `form:"limit,default=20"` // Page size.
	Type  string `form:"type"`             // Request type filter.
}

// List returns the user's usage log entries, newest first.
func (h *UsageFrontHandler) List(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var q usageListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	base := h.db.WithContext(c.Request.Context()).
		Model(&models.UsageLog{}).
		Where("user_id = ?", userID)
	if typeQ := strings.TrimSpace(q.Type); typeQ != "" {
		base = base.Where("request_type = ?", typeQ)
	}

	var total int64
	if errCount := base.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count usage failed"})
		return
	}

	var rows []models.UsageLog
	if errFind := base.
		Order("requested_at DESC, id DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list usage failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":               row.ID,
			"request_type":     row.RequestType,
			"provider":         row.Provider,
			"model":            row.Model,
			"tokens_input":     row.TokensInput,
			"tokens_output":    row.TokensOutput,
			"tokens_total":     row.TokensTotal,
			"cost_total":       row.CostTotalMicros,
			"response_time_ms": row.ResponseTimeMs,
			"status":           row.Status,
			"error_message":    row.ErrorMessage,
			"requested_at":     row.RequestedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"usage": out,
		"total": total,
		"page":  q.Page,
		"limit": q.Limit,
	})
}
