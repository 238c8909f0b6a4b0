// Package events defines the line-delimited JSON frames of the streaming
// chat transport. Each frame is one JSON object tagged by a type field.
package events

import "encoding/json"

// Frame type tags.
const (
	// TypeStart opens a stream and carries the conversation identifier.
	TypeStart = "start"
	// TypeContent carries one text fragment.
	TypeContent = "content"
	// TypeChartReference carries a side-channel chart annotation.
	TypeChartReference = "chart_reference"
	// TypeDone terminates a successful stream with final metering metadata.
	TypeDone = "done"
	// TypeError terminates a failed stream with a human-readable message.
	TypeError = "error"
)

// Frame is one structured, typed unit of a streamed response.
type Frame struct {
	Type string `json:"type"`

	// Start fields.
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`

	// Content fields.
	Text string `json:"text,omitempty"`

	// Chart reference payload, opaque to the transport.
	Chart json.RawMessage `json:"chart,omitempty"`

	// Done metadata.
	TokensInput  int64 `json:"tokens_input,omitempty"`
	TokensOutput int64 `json:"tokens_output,omitempty"`
	TokensTotal  int64 `json:"tokens_total,omitempty"`
	CostTotal    int64 `json:"cost_total_micros,omitempty"`

	// Error fields.
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
