// Package conversation implements the mutable ordered message buffer
// with token-budget trimming and staged compaction (spec §4.4).
package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kandev/missioncore/internal/tokencount"
)

// BlockType mirrors the four content-block kinds a message may carry
// (spec §3).
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block within a Message.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ImageData string `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	ToolResultFor string `json:"tool_result_for,omitempty"`
	Output        string `json:"output,omitempty"`
	Success       bool   `json:"success,omitempty"`
}

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the conversation (spec §3).
type Message struct {
	Role    Role    `json:"role"`
	Blocks  []Block `json:"blocks"`
}

func (m Message) clone() Message {
	out := Message{Role: m.Role, Blocks: make([]Block, len(m.Blocks))}
	for i, b := range m.Blocks {
		cb := b
		if b.ToolInput != nil {
			cb.ToolInput = make(map[string]any, len(b.ToolInput))
			for k, v := range b.ToolInput {
				cb.ToolInput[k] = v
			}
		}
		out.Blocks[i] = cb
	}
	return out
}

// TextMessage builds a single-block text Message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// Config tunes trimming and token estimation (spec §4.4).
type Config struct {
	MaxTokens     int
	MinMessages   int
	CharsPerToken float64
}

// DefaultConfig matches the values used across the retrieval pack's
// agent loops: a generous window with a conservative floor.
func DefaultConfig() Config {
	return Config{MaxTokens: 150000, MinMessages: 2, CharsPerToken: 4.0}
}

// Buffer is the mutable ordered conversation history for one mission.
type Buffer struct {
	cfg          Config
	messages     []Message
	compactions  int
}

// New builds an empty Buffer with cfg.
func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg}
}

// AppendUser appends a user-role message, shallow-copied on entry so
// later mutation of the caller's Message does not leak into the
// buffer (spec §4.4).
func (b *Buffer) AppendUser(msg Message) {
	msg.Role = RoleUser
	b.messages = append(b.messages, msg.clone())
}

// AppendAssistant appends an assistant-role message, same copy
// semantics as AppendUser.
func (b *Buffer) AppendAssistant(msg Message) {
	msg.Role = RoleAssistant
	b.messages = append(b.messages, msg.clone())
}

// GetMessages returns a defensive copy of the buffer's messages.
func (b *Buffer) GetMessages() []Message {
	out := make([]Message, len(b.messages))
	for i, m := range b.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages currently buffered.
func (b *Buffer) Len() int { return len(b.messages) }

// Compactions returns how many times maybe_compact has actually
// compacted the buffer.
func (b *Buffer) Compactions() int { return b.compactions }

// EstimateTokens is the plain char-count heuristic: total character
// count across all blocks, divided by cfg.CharsPerToken.
func (b *Buffer) EstimateTokens() int {
	chars := 0
	for _, m := range b.messages {
		for _, blk := range m.Blocks {
			chars += blockCharLen(blk)
		}
	}
	if b.cfg.CharsPerToken <= 0 {
		return chars
	}
	return int(float64(chars)/b.cfg.CharsPerToken + 0.999999)
}

func blockCharLen(b Block) int {
	switch b.Type {
	case BlockText:
		return len(b.Text)
	case BlockImage:
		return len(b.ImageData)
	case BlockToolUse:
		return len(b.ToolName) + len(fmt.Sprint(b.ToolInput))
	case BlockToolResult:
		return len(b.Output)
	}
	return 0
}

// toTokencountMessages converts the buffer to tokencount's generic
// message shape for the improved per-block heuristic (spec §4.5).
func (b *Buffer) toTokencountMessages() []tokencount.Message {
	out := make([]tokencount.Message, len(b.messages))
	for i, m := range b.messages {
		tm := tokencount.Message{Role: string(m.Role)}
		for _, blk := range m.Blocks {
			switch blk.Type {
			case BlockText:
				tm.Blocks = append(tm.Blocks, tokencount.Block{Type: tokencount.BlockText, Text: blk.Text})
			case BlockImage:
				tm.Blocks = append(tm.Blocks, tokencount.Block{Type: tokencount.BlockImage})
			case BlockToolUse:
				tm.Blocks = append(tm.Blocks, tokencount.Block{Type: tokencount.BlockToolUse, Text: fmt.Sprint(blk.ToolInput)})
			case BlockToolResult:
				tm.Blocks = append(tm.Blocks, tokencount.Block{Type: tokencount.BlockToolResult, Text: blk.Output})
			}
		}
		out[i] = tm
	}
	return out
}

// EstimateTokensImproved delegates to the tokencount package's
// per-block heuristic (spec §4.4, "see §4.5").
func (b *Buffer) EstimateTokensImproved() int {
	res := tokencount.CountSync(tokencount.Request{Messages: b.toTokencountMessages()})
	return res.InputTokens
}

// ToTokencountMessages exposes the buffer's contents converted into
// tokencount's generic message shape, for callers (e.g. the agentic
// loop) that need to run their own fit checks against the buffer.
func (b *Buffer) ToTokencountMessages() []tokencount.Message {
	return b.toTokencountMessages()
}

// Trim removes oldest messages until EstimateTokens() <= cfg.MaxTokens
// while keeping at least cfg.MinMessages; afterward, if the head is
// not a user message, further removes the head until it is (invariant
// C1 / API requirement).
func (b *Buffer) Trim() {
	for len(b.messages) > b.cfg.MinMessages && b.EstimateTokens() > b.cfg.MaxTokens {
		b.messages = b.messages[1:]
	}
	b.dropToUserHead()
}

// dropToUserHead enforces invariant C1: non-empty buffers start with
// a user-role message.
func (b *Buffer) dropToUserHead() {
	for len(b.messages) > 0 && b.messages[0].Role != RoleUser {
		b.messages = b.messages[1:]
	}
}

// TrimAsync is the same semantics as Trim but consults an injected
// async counter; falls back to the sync heuristic on counter error.
func (b *Buffer) TrimAsync(ctx context.Context, counter tokencount.Counter, model string) {
	estimate := func() (int, error) {
		res, err := counter.CountTokens(ctx, tokencount.Request{Messages: b.toTokencountMessages(), Model: model})
		if err != nil {
			return 0, err
		}
		return res.InputTokens, nil
	}

	for len(b.messages) > b.cfg.MinMessages {
		est, err := estimate()
		if err != nil {
			b.Trim()
			return
		}
		if est <= b.cfg.MaxTokens {
			break
		}
		b.messages = b.messages[1:]
	}
	b.dropToUserHead()
}

// MaybeCompact triggers when estimated tokens reach >= 75% of window.
// It splits the buffer at a tail window of the 6 most-recent messages,
// replaces the prefix with a synthesized user summary message plus a
// neutral assistant acknowledgement, and tracks the compaction count
// (spec §4.4).
func (b *Buffer) MaybeCompact(window int, llm LLMSummarizer, threshold int) bool {
	if window <= 0 {
		return false
	}
	estimated := b.EstimateTokensImproved()
	if float64(estimated) < 0.75*float64(window) {
		return false
	}
	const tailSize = 6
	if len(b.messages) <= tailSize {
		return false
	}

	prefix := b.messages[:len(b.messages)-tailSize]
	tail := b.messages[len(b.messages)-tailSize:]

	summary := extractKeyFacts(prefix)
	if llm != nil && b.compactions+1 >= threshold {
		if s, err := llm.Summarize(prefix); err == nil {
			summary = s
		}
	}

	b.messages = make([]Message, 0, len(tail)+2)
	b.messages = append(b.messages, TextMessage(RoleUser, summary))
	b.messages = append(b.messages, TextMessage(RoleAssistant, "Understood, continuing from the summarized context above."))
	b.messages = append(b.messages, tail...)
	b.compactions++
	b.dropToUserHead()
	return true
}

// LLMSummarizer produces a natural-language summary of a message
// prefix, used by MaybeCompact from the configured threshold onward.
type LLMSummarizer interface {
	Summarize(prefix []Message) (string, error)
}

// jsonDoc is the on-wire shape for to_json/from_json round-tripping.
type jsonDoc struct {
	Config      Config    `json:"config"`
	Messages    []Message `json:"messages"`
	Compactions int       `json:"compactions"`
}

// ToJSON serializes the buffer's messages and config.
func (b *Buffer) ToJSON() ([]byte, error) {
	return json.Marshal(jsonDoc{Config: b.cfg, Messages: b.messages, Compactions: b.compactions})
}

// FromJSON restores a Buffer previously serialized by ToJSON.
func FromJSON(data []byte) (*Buffer, error) {
	var doc jsonDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("conversation: unmarshal: %w", err)
	}
	return &Buffer{cfg: doc.Config, messages: doc.Messages, compactions: doc.Compactions}, nil
}
