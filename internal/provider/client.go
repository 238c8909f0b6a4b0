// Package provider implements the HTTP client for the upstream LLM
// provider. It speaks an OpenAI-style chat-completions API in both blocking
// and server-sent-event streaming forms.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Name identifies the upstream provider in ledger rows.
const Name = "openai"

const defaultTimeout = 60 * time.Second

// Config holds provider connection settings.
type Config struct {
	BaseURL    string        // API base URL, e.g. https://api.openai.com/v1.
	APIKey     string        // Bearer token.
	Timeout    time.Duration // Per-call timeout; zero uses the default.
	MaxRetries int           // Connection-level retries before first byte.
}

// Client calls the provider API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient constructs a Client from config.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request describes one logical model invocation.
type Request struct {
	Model           string
	Prompt          string
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
}

// Usage reports exact token counts from the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns the combined token count.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Completion is the result of a blocking call.
type Completion struct {
	Content string
	Usage   Usage
}

// StatusError carries a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
}

// chatMessage is one entry of the request message list.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the provider wire request.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Temperature   float64       `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// chatResponse is the provider wire response for blocking calls.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func buildMessages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	return messages
}

// Complete performs a blocking completion call and returns the content with
// the provider's own usage report.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, fmt.Errorf("provider: read response: %w", errRead)
	}

	var parsed chatResponse
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal != nil {
		return nil, fmt.Errorf("provider: decode response: %w", errUnmarshal)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider: empty choices in response")
	}

	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// OpenStream starts a streaming completion call. The returned Stream must be
// closed by the caller.
func (c *Client) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      true,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	return newStream(resp), nil
}

// doWithRetry posts the request with bounded retries for connection-level
// failures and retryable statuses. Retries never happen once a success
// response, and therefore possibly streamed content, has been obtained.
func (c *Client) doWithRetry(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, errMarshal := json.Marshal(body)
	if errMarshal != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", errMarshal)
	}

	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, errDo := c.do(ctx, payload)
		if errDo != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = errDo
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := readStatusError(resp)
		if !retryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		lastErr = statusErr
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, payload []byte) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if errNew != nil {
		return nil, fmt.Errorf("provider: build request: %w", errNew)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("provider: request failed: %w", errDo)
	}
	return resp, nil
}

// readStatusError drains a failed response into a StatusError.
func readStatusError(resp *http.Response) *StatusError {
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	message := strings.TrimSpace(string(raw))
	var parsed chatResponse
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal == nil && parsed.Error != nil {
		message = parsed.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: message}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
