// Package handlers implements the user-facing chat, quota, and usage
// endpoints.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/astralis-ai/astralis/internal/gateway"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the authenticated user identity resolved by the
// fronting auth proxy.
const HeaderUserID = "X-User-ID"

// getUserID extracts the user id from the request headers. Zero means
// unauthenticated.
func getUserID(c *gin.Context) uint64 {
	raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if raw == "" {
		return 0
	}
	id, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		return 0
	}
	return id
}

// statusForKind maps a gateway failure kind to an HTTP status code.
func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindConfiguration:
		return http.StatusForbidden
	case gateway.KindQuotaExceeded, gateway.KindTokenBudgetExceeded, gateway.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindProviderInvalid:
		return http.StatusBadRequest
	case gateway.KindProviderAuth, gateway.KindTransport:
		return http.StatusBadGateway
	case gateway.KindStreamAborted:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeGatewayError renders a gateway failure as a JSON error response.
// Quota kinds include the remaining-quota snapshot so clients can render
// limits without a second round trip.
func writeGatewayError(c *gin.Context, gwErr *gateway.Error) {
	payload := gin.H{
		"error": gwErr.Message,
		"code":  gwErr.Kind.String(),
	}
	if gwErr.Quota != nil {
		payload["quota"] = gwErr.Quota
	}
	c.JSON(statusForKind(gwErr.Kind), payload)
}

// quotaPayload shapes a CheckResult for API responses.
func quotaPayload(check quota.CheckResult) gin.H {
	return gin.H{
		"allowed":             check.Allowed,
		"requests_remaining":  check.RequestsRemaining,
		"tokens_remaining":    check.TokensRemaining,
		"requests_percentage": check.RequestsPercentage,
		"tokens_percentage":   check.TokensPercentage,
		"warning":             check.Warning,
		"reset_at":            check.ResetAt,
		"cap_mode":            check.CapMode,
	}
}
