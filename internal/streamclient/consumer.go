// Package streamclient assembles streamed assistant replies on the client
// side of the chat transport. A Consumer is a state machine over the frame
// protocol defined in the events package; it supports mid-flight abort and
// tolerates individually malformed frames.
package streamclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/astralis-ai/astralis/internal/events"

	"github.com/google/uuid"
)

// State identifies the consumer's position in the stream lifecycle.
type State int

// State constants. Complete, Error, and Aborted are terminal.
const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateComplete
	StateError
	StateAborted
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrAborted is returned from Send when the stream was torn down by Abort
// or a superseding Send.
var ErrAborted = errors.New("streamclient: stream aborted")

// StreamingMessage is the in-flight assistant reply. Content grows by
// concatenation, one frame at a time.
type StreamingMessage struct {
	ID              string
	Role            string
	Content         string
	ChartReferences []json.RawMessage
	IsComplete      bool
}

// Message is a finalized assistant reply.
type Message struct {
	ID              string
	ConversationID  string
	Role            string
	Content         string
	ChartReferences []json.RawMessage
	TokensTotal     int64
	CostTotalMicros int64
	ReceivedAt      time.Time
}

// SendRequest is the request descriptor posted to the streaming endpoint.
type SendRequest struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	Prompt         string  `json:"prompt"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	ModelID        string  `json:"model_id,omitempty"`
	RequestType    string  `json:"request_type,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxTokens      int     `json:"max_output_tokens,omitempty"`
}

// Handlers receives lifecycle callbacks. Any field may be nil. No callback
// fires after an abort.
type Handlers struct {
	OnStart    func(conversationID string)
	OnContent  func(delta string)
	OnComplete func(msg Message)
	OnError    func(err error)
}

// Consumer drives at most one stream at a time. Starting a new Send aborts
// any previous in-flight stream on the same consumer.
type Consumer struct {
	client   *http.Client
	endpoint string

	mu             sync.Mutex
	state          State
	gen            int
	cancel         context.CancelFunc
	current        *StreamingMessage
	conversationID string
}

// New constructs a Consumer posting to the given streaming endpoint. A nil
// client uses http.DefaultClient.
func New(client *http.Client, endpoint string) *Consumer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Consumer{client: client, endpoint: endpoint, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the server-assigned conversation identifier once
// known.
func (c *Consumer) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Current returns a copy of the in-flight streaming message, if any.
func (c *Consumer) Current() (StreamingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StreamingMessage{}, false
	}
	return *c.current, true
}

// Abort tears down any in-flight stream. Partial state is discarded and no
// completion callback fires.
func (c *Consumer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state == StateSending || c.state == StateStreaming {
		c.state = StateAborted
		c.current = nil
	}
}

// Send dispatches the request and blocks until the stream reaches a
// terminal state. It returns nil on completion, ErrAborted after an abort,
// and the underlying failure otherwise.
func (c *Consumer) Send(ctx context.Context, req SendRequest, h Handlers) error {
	ctx, gen := c.begin(ctx, req.ConversationID)
	defer c.finishGen(gen)

	payload, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return c.fail(gen, h, fmt.Errorf("streamclient: marshal request: %w", errMarshal))
	}

	httpReq, errNew := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if errNew != nil {
		return c.fail(gen, h, fmt.Errorf("streamclient: build request: %w", errNew))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, errDo := c.client.Do(httpReq)
	if errDo != nil {
		if ctx.Err() != nil {
			return c.aborted(gen)
		}
		return c.fail(gen, h, fmt.Errorf("streamclient: request failed: %w", errDo))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.fail(gen, h, fmt.Errorf("streamclient: unexpected status %d", resp.StatusCode))
	}

	return c.consume(ctx, gen, resp, h)
}

// consume applies frames in transport order until a terminal frame or the
// transport ends.
func (c *Consumer) consume(ctx context.Context, gen int, resp *http.Response, h Handlers) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame events.Frame
		if errUnmarshal := json.Unmarshal(line, &frame); errUnmarshal != nil {
			// A single corrupted frame must not sacrifice the response.
			continue
		}

		switch frame.Type {
		case events.TypeStart:
			c.applyStart(gen, frame)
			if h.OnStart != nil {
				if id := c.ConversationID(); id != "" {
					h.OnStart(id)
				}
			}
		case events.TypeContent:
			if !c.applyContent(gen, frame.Text) {
				return c.aborted(gen)
			}
			if h.OnContent != nil {
				h.OnContent(frame.Text)
			}
		case events.TypeChartReference:
			c.applyChart(gen, frame.Chart)
		case events.TypeDone:
			msg, ok := c.complete(gen, frame)
			if !ok {
				return c.aborted(gen)
			}
			if h.OnComplete != nil {
				h.OnComplete(msg)
			}
			return nil
		case events.TypeError:
			message := frame.Message
			if message == "" {
				message = "stream failed"
			}
			return c.fail(gen, h, fmt.Errorf("streamclient: %s", message))
		default:
			// Unknown frame types are skipped, same as malformed ones.
		}
	}

	if ctx.Err() != nil {
		return c.aborted(gen)
	}
	if errScan := scanner.Err(); errScan != nil {
		return c.fail(gen, h, fmt.Errorf("streamclient: read stream: %w", errScan))
	}
	return c.fail(gen, h, errors.New("streamclient: stream ended without done frame"))
}

// begin aborts any previous stream and enters the sending state.
func (c *Consumer) begin(ctx context.Context, conversationID string) (context.Context, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.gen++
	c.state = StateSending
	c.current = nil
	if conversationID != "" {
		c.conversationID = conversationID
	}
	return ctx, c.gen
}

func (c *Consumer) finishGen(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Consumer) applyStart(gen int, frame events.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.state = StateStreaming
	if c.conversationID == "" && frame.ConversationID != "" {
		c.conversationID = frame.ConversationID
	}
	if c.current == nil {
		c.current = newStreamingMessage(frame.MessageID)
	}
}

func (c *Consumer) applyContent(gen int, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateAborted {
		return false
	}
	c.state = StateStreaming
	if c.current == nil {
		c.current = newStreamingMessage("")
	}
	c.current.Content += text
	return true
}

func (c *Consumer) applyChart(gen int, chart json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.current == nil || len(chart) == 0 {
		return
	}
	c.current.ChartReferences = append(c.current.ChartReferences, chart)
}

// complete finalizes the streaming message into an immutable Message.
func (c *Consumer) complete(gen int, frame events.Frame) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state == StateAborted {
		return Message{}, false
	}
	if c.current == nil {
		c.current = newStreamingMessage(frame.MessageID)
	}
	c.current.IsComplete = true
	msg := Message{
		ID:              c.current.ID,
		ConversationID:  c.conversationID,
		Role:            c.current.Role,
		Content:         c.current.Content,
		ChartReferences: c.current.ChartReferences,
		TokensTotal:     frame.TokensTotal,
		CostTotalMicros: frame.CostTotal,
		ReceivedAt:      time.Now().UTC(),
	}
	c.state = StateComplete
	c.current = nil
	return msg, true
}

func (c *Consumer) fail(gen int, h Handlers, err error) error {
	c.mu.Lock()
	if gen != c.gen || c.state == StateAborted {
		c.mu.Unlock()
		return ErrAborted
	}
	c.state = StateError
	c.current = nil
	c.mu.Unlock()

	if h.OnError != nil {
		h.OnError(err)
	}
	return err
}

func (c *Consumer) aborted(gen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && (c.state == StateSending || c.state == StateStreaming) {
		c.state = StateAborted
		c.current = nil
	}
	return ErrAborted
}

func newStreamingMessage(id string) *StreamingMessage {
	if id == "" {
		id = uuid.NewString()
	}
	return &StreamingMessage{ID: id, Role: "assistant"}
}
