// Package modelclient defines the model client interface consumed by
// the agentic loop (spec §6). No concrete LLM SDK is imported here —
// wiring a real provider is a host concern.
package modelclient

import "context"

// StopReason is why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopOther        StopReason = "other"
)

// BlockType enumerates the content-block kinds a model response may
// contain (spec §3/§6).
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockToolUse BlockType = "tool_use"
)

// Block is one ordered content block of a model message.
type Block struct {
	Type BlockType

	Text string

	ToolUseID string
	ToolName  string
	ToolInput map[string]any
}

// Message is one conversation turn as understood by the model client
// (role + ordered content blocks).
type Message struct {
	Role   string
	Blocks []Block
}

// ToolSchema is the wire shape of one tool a model may call.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CreateMessageRequest is the input to CreateMessage (spec §6).
type CreateMessageRequest struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []Message
	Tools     []ToolSchema
}

// CreateMessageResponse is the output of CreateMessage (spec §6).
type CreateMessageResponse struct {
	ID         string
	Content    []Block
	StopReason StopReason
	Usage      Usage
}

// TextDelta is one streamed chunk of assistant text.
type TextDelta struct {
	Text string
	Done bool
}

// Client is the model client interface the agentic loop consumes.
type Client interface {
	// CreateMessage issues one non-streaming model call.
	CreateMessage(ctx context.Context, req CreateMessageRequest) (CreateMessageResponse, error)
	// StreamMessage issues a streaming model call, delivering text
	// deltas to onDelta as they arrive and returning the final response
	// once the stream closes (spec §6: "must support streaming via a
	// block-delta protocol").
	StreamMessage(ctx context.Context, req CreateMessageRequest, onDelta func(TextDelta)) (CreateMessageResponse, error)
}
