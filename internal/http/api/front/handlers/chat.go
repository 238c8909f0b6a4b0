package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/astralis-ai/astralis/internal/events"
	"github.com/astralis-ai/astralis/internal/gateway"
	"github.com/astralis-ai/astralis/internal/models"
	"github.com/astralis-ai/astralis/internal/quota"
	"github.com/astralis-ai/astralis/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ChatHandler serves quota-governed model invocations, blocking and
// streaming.
type ChatHandler struct {
	gw      *gateway.Gateway
	quota   *quota.Manager
	limiter *ratelimit.Manager
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(gw *gateway.Gateway, quotaMgr *quota.Manager, limiter *ratelimit.Manager) *ChatHandler {
	return &ChatHandler{gw: gw, quota: quotaMgr, limiter: limiter}
}

// chatRequest defines the request body for chat invocations.
type chatRequest struct {
	Prompt          string  `json:"prompt"`            // User prompt text.
	SystemPrompt    string  `json:"system_prompt"`     // Optional system preamble.
	Model           string  `json:"model"`             // Model id, empty for default.
	RequestType     string  `json:"request_type"`      // Feature bucket for metering.
	MaxOutputTokens int     `json:"max_output_tokens"` // Output cap, 0 for default.
	Temperature     float64 `json:"temperature"`       // Sampling temperature.
	ConversationID  string  `json:"conversation_id"`   // Client conversation id.
}

// toGatewayRequest converts the body into a gateway request for the user.
func (r chatRequest) toGatewayRequest(userID uint64) gateway.Request {
	requestType := models.RequestType(strings.TrimSpace(r.RequestType))
	if requestType == "" {
		requestType = models.RequestTypeChat
	}
	return gateway.Request{
		UserID:          userID,
		Prompt:          r.Prompt,
		SystemPrompt:    r.SystemPrompt,
		ModelID:         strings.TrimSpace(r.Model),
		MaxOutputTokens: r.MaxOutputTokens,
		Temperature:     r.Temperature,
		RequestType:     requestType,
	}
}

// allowRate applies the per-user fixed-window limit from the entitlement.
// Users without an entitlement pass through; the gateway reports the
// configuration error with full context.
func (h *ChatHandler) allowRate(c *gin.Context, userID uint64) bool {
	ent, errEnt := h.quota.Entitlement(c.Request.Context(), userID)
	if errEnt != nil {
		return true
	}
	res, errAllow := h.limiter.Allow(c.Request.Context(), ratelimit.KeyForUser(userID), ent.RateLimit)
	if errAllow != nil {
		log.WithError(errAllow).Warn("chat: rate limit check failed, allowing")
		return true
	}
	return res.Allowed
}

// Complete performs one blocking invocation.
func (h *ChatHandler) Complete(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body chatRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	if !h.allowRate(c, userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
		return
	}

	resp, errInvoke := h.gw.Invoke(c.Request.Context(), body.toGatewayRequest(userID))
	if errInvoke != nil {
		var gwErr *gateway.Error
		if errors.As(errInvoke, &gwErr) {
			writeGatewayError(c, gwErr)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invoke failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content":          resp.Content,
		"model":            resp.Model,
		"provider":         resp.Provider,
		"tokens_input":     resp.TokensInput,
		"tokens_output":    resp.TokensOutput,
		"tokens_total":     resp.TokensTotal,
		"cost_total":       resp.CostTotal,
		"response_time_ms": resp.ResponseTime.Milliseconds(),
	})
}

// Stream performs one streamed invocation, writing newline-delimited JSON
// frames. Admission failures surface as plain JSON errors before any frame
// is written; failures after the start frame surface as an error frame.
func (h *ChatHandler) Stream(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body chatRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	if !h.allowRate(c, userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
		return
	}

	stream, errOpen := h.gw.InvokeStreaming(c.Request.Context(), body.toGatewayRequest(userID))
	if errOpen != nil {
		var gwErr *gateway.Error
		if errors.As(errOpen, &gwErr) {
			writeGatewayError(c, gwErr)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invoke failed"})
		return
	}
	defer func() { _ = stream.Close() }()

	conversationID := strings.TrimSpace(body.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	writer := newFrameWriter(c)
	writer.write(events.Frame{
		Type:           events.TypeStart,
		ConversationID: conversationID,
		MessageID:      uuid.NewString(),
	})

	for {
		fragment, errRecv := stream.Recv()
		if errRecv == nil {
			if fragment != "" {
				writer.write(events.Frame{Type: events.TypeContent, Text: fragment})
			}
			continue
		}
		if errRecv == io.EOF {
			final := stream.Final()
			done := events.Frame{Type: events.TypeDone, ConversationID: conversationID}
			if final != nil {
				done.TokensInput = final.TokensInput
				done.TokensOutput = final.TokensOutput
				done.TokensTotal = final.TokensTotal
				done.CostTotal = final.CostTotal
			}
			writer.write(done)
			return
		}

		kind := gateway.KindOf(errRecv)
		if kind == gateway.KindStreamAborted {
			// Client is gone, nothing left to tell it.
			return
		}
		writer.write(events.Frame{
			Type:    events.TypeError,
			Message: errRecv.Error(),
			Code:    kind.String(),
		})
		return
	}
}

// frameWriter serializes frames to the response, flushing after each line.
type frameWriter struct {
	c       *gin.Context
	encoder *json.Encoder
	flusher http.Flusher
}

func newFrameWriter(c *gin.Context) *frameWriter {
	fw := &frameWriter{c: c, encoder: json.NewEncoder(c.Writer)}
	if flusher, ok := c.Writer.(http.Flusher); ok {
		fw.flusher = flusher
	}
	return fw
}

func (w *frameWriter) write(frame events.Frame) {
	if errEncode := w.encoder.Encode(frame); errEncode != nil {
		log.WithError(errEncode).Debug("chat: frame write failed")
		return
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
