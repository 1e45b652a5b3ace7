// Package tokencount implements the sync char-heuristic token estimator
// and the async TokenCounter interface, plus context-fit validation
// against a per-model window registry (spec §4.5).
package tokencount

import (
	"context"
	"strings"
)

// BlockType enumerates the content-block kinds a Message may carry,
// mirroring the wire shape in spec §3/§6 without depending on the
// conversation package's own Message type (avoids an import cycle;
// conversation converts into these before estimating).
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one content block of a Message.
type Block struct {
	Type BlockType
	// Text holds the text for BlockText, the serialized input for
	// BlockToolUse, and the output string for BlockToolResult.
	Text string
}

// Message is the minimal message shape the counter needs: a role plus
// an ordered list of content blocks.
type Message struct {
	Role   string
	Blocks []Block
}

// Request is the input to CountTokens/CountSync (spec §4.5 count_tokens
// signature: {messages, system?, tools?, model}).
type Request struct {
	Messages []Message
	System   string
	Tools    []string
	Model    string
}

// Result is the output of a token count.
type Result struct {
	InputTokens int
	IsEstimate  bool
}

const (
	perMessageOverhead  = 4
	proseCharsPerToken  = 4.0
	codeCharsPerToken   = 3.2
	toolUseCharsPerTok  = 3.0
	toolResultCharsPTok = 3.5
	imageTokens         = 1600
	toolSchemaTokens    = 300
	codeMinLen          = 20
)

// codeIndicators is the fixed set of signals used to classify text as
// code versus prose (spec §4.5).
var codeIndicators = []func(string) bool{
	func(s string) bool { return strings.Contains(s, "{\n") || strings.HasSuffix(strings.TrimRight(s, " \t"), "{") },
	func(s string) bool { return strings.Contains(s, "=>") },
	func(s string) bool { return strings.Contains(s, "import ") || strings.Contains(s, "export ") },
	func(s string) bool {
		return strings.Contains(s, "func ") || strings.Contains(s, "class ") || strings.Contains(s, "def ")
	},
	func(s string) bool { return strings.Contains(s, ";\n") || strings.HasSuffix(strings.TrimRight(s, " \t"), ";") },
	func(s string) bool {
		for _, kw := range []string{"if (", "if(", "for (", "for(", "while (", "while(", "return "} {
			if strings.Contains(s, kw) {
				return true
			}
		}
		return false
	},
}

// isCode classifies s as code if it is at least codeMinLen chars and
// matches at least 3 of the fixed indicators.
func isCode(s string) bool {
	if len(s) < codeMinLen {
		return false
	}
	matches := 0
	for _, ind := range codeIndicators {
		if ind(s) {
			matches++
		}
	}
	return matches >= 3
}

func textTokens(s string) int {
	perChar := proseCharsPerToken
	if isCode(s) {
		perChar = codeCharsPerToken
	}
	return int(float64(len(s))/perChar + 0.999999)
}

// CountSync implements the character-heuristic fallback (spec §4.5).
// It always returns IsEstimate=true.
func CountSync(req Request) Result {
	total := 0
	if req.System != "" {
		total += textTokens(req.System)
	}
	for _, m := range req.Messages {
		total += perMessageOverhead
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				total += textTokens(b.Text)
			case BlockToolUse:
				total += int(float64(len(b.Text))/toolUseCharsPerTok + 0.999999)
			case BlockToolResult:
				total += int(float64(len(b.Text))/toolResultCharsPTok + 0.999999)
			case BlockImage:
				total += imageTokens
			}
		}
	}
	total += len(req.Tools) * toolSchemaTokens
	return Result{InputTokens: total, IsEstimate: true}
}

// Counter is the async token-counting interface (spec §4.5). The core
// ships CountSync as the always-available fallback; a real counter
// (e.g. TiktokenCounter) may be injected by a host.
type Counter interface {
	CountTokens(ctx context.Context, req Request) (Result, error)
}

// SyncCounter adapts CountSync to the async Counter interface, for
// callers that want a uniform interface without a real tokenizer.
type SyncCounter struct{}

func (SyncCounter) CountTokens(ctx context.Context, req Request) (Result, error) {
	return CountSync(req), nil
}

// ModelWindow describes one model's context window and reserved
// output budget (spec §4.5 static registry).
type ModelWindow struct {
	Window         int
	ReservedOutput int
}

// DefaultWindow and DefaultReserve are used for any model absent from
// the registry (spec §4.5: "Unknown model -> defaults").
const (
	DefaultWindow  = 200000
	DefaultReserve = 8192
)

// FitResult is the full struct returned by ValidateContextFits.
type FitResult struct {
	Fits           bool
	Estimated      int
	Window         int
	Available      int
	ReservedOutput int
	Overflow       int
}

// ValidateContextFits computes whether estimated tokens fit within a
// model's available input budget, using registry to resolve the
// model's window/reserved-output; unknown models get the package
// defaults.
func ValidateContextFits(estimated int, model string, registry map[string]ModelWindow) FitResult {
	window := DefaultWindow
	reserved := DefaultReserve
	if w, ok := registry[model]; ok {
		window = w.Window
		reserved = w.ReservedOutput
	}
	available := window - reserved
	overflow := 0
	if estimated > available {
		overflow = estimated - available
	}
	return FitResult{
		Fits:           estimated <= available,
		Estimated:      estimated,
		Window:         window,
		Available:      available,
		ReservedOutput: reserved,
		Overflow:       overflow,
	}
}

// ValidateContextFitsAsync is the async-counter variant: it invokes
// counter to estimate req before validating against registry.
func ValidateContextFitsAsync(ctx context.Context, counter Counter, req Request, registry map[string]ModelWindow) (FitResult, error) {
	res, err := counter.CountTokens(ctx, req)
	if err != nil {
		return FitResult{}, err
	}
	return ValidateContextFits(res.InputTokens, req.Model, registry), nil
}
