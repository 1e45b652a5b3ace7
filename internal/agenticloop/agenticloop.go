// Package agenticloop implements the model↔tool loop that drives one
// turn of work: call the model, run any tools it asks for, feed the
// results back, repeat until the model stops asking or a budget runs
// out (spec §4.11). Grounded on the teacher's
// internal/agent/lifecycle session-turn loop (call model, branch on
// tool calls, append turn, continue), generalized to the spec's
// iteration/token-budget configuration and event emission.
package agenticloop

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/conversation"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/tokencount"
	"github.com/kandev/missioncore/pkg/modelclient"
	"github.com/kandev/missioncore/pkg/toolexec"
)

// TerminationReason is why Run stopped iterating.
type TerminationReason string

const (
	ReasonEndTurn       TerminationReason = "end_turn"
	ReasonMaxIterations TerminationReason = "max_iterations"
	ReasonMaxTokens     TerminationReason = "max_tokens"
	ReasonError         TerminationReason = "error"
)

// sanitizeLogLimit is the per-field truncation length applied to tool
// inputs before they are logged or recorded on a tool_start event
// (spec §4.11 step 6).
const sanitizeLogLimit = 500

// Config tunes the loop's iteration and token ceilings (spec §4.11).
type Config struct {
	MaxIterations  int
	MaxTotalTokens int
	Tools          []string
	ReadOnly       bool
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{MaxIterations: 25, MaxTotalTokens: 200000}
}

// ToolCallRecord is one executed tool call, retained on the Result.
type ToolCallRecord struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
	Output    string
	Success   bool
}

// Result is what Run returns once the loop terminates.
type Result struct {
	FinalText         string
	ToolCalls         []ToolCallRecord
	Termination       TerminationReason
	Iterations        int
	TotalInputTokens  int
	TotalOutputTokens int
}

// RunInput bundles everything one Run call needs (spec §4.11 run()
// signature).
type RunInput struct {
	Client       modelclient.Client
	ToolProvider toolexec.Provider
	History      *conversation.Buffer
	System       string
	Model        string
	MaxTokens    int
	OnText       func(string)
	TokenCounter tokencount.Counter
	ModelWindows map[string]tokencount.ModelWindow

	Bus    *eventbus.Bus
	TaskID string
	Mode   eventlog.Mode
	Stage  eventlog.Stage

	Config Config
}

// Run executes the agentic loop per spec §4.11.
func Run(ctx context.Context, in RunInput) (Result, error) {
	cfg := in.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.MaxTotalTokens <= 0 {
		cfg.MaxTotalTokens = DefaultConfig().MaxTotalTokens
	}
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	counter := in.TokenCounter
	if counter == nil {
		counter = tokencount.SyncCounter{}
	}

	var (
		finalText  string
		toolCalls  []ToolCallRecord
		totalIn    int
		totalOut   int
		iterations int
	)

	for iterations = 0; iterations < cfg.MaxIterations; iterations++ {
		// Step 1: pre-call fit check; if the request does not fit, the
		// history is trimmed once to the buffer's own MaxTokens budget.
		// The fit is not re-checked after that trim.
		fitReq := tokencount.Request{
			Messages: in.History.ToTokencountMessages(),
			System:   in.System,
			Tools:    cfg.Tools,
			Model:    in.Model,
		}
		fit, err := tokencount.ValidateContextFitsAsync(ctx, counter, fitReq, in.ModelWindows)
		if err != nil {
			fit = tokencount.ValidateContextFits(tokencount.CountSync(fitReq).InputTokens, in.Model, in.ModelWindows)
		}
		if !fit.Fits {
			in.History.TrimAsync(ctx, counter, in.Model)
		}

		// Step 2: call the model.
		resp, err := in.Client.CreateMessage(ctx, buildRequest(in, cfg))
		if err != nil {
			return Result{FinalText: finalText, ToolCalls: toolCalls, Termination: ReasonError,
				Iterations: iterations, TotalInputTokens: totalIn, TotalOutputTokens: totalOut}, err
		}

		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		if totalIn+totalOut > cfg.MaxTotalTokens {
			finalText += collectText(resp.Content, in.OnText)
			return Result{FinalText: finalText, ToolCalls: toolCalls, Termination: ReasonMaxTokens,
				Iterations: iterations + 1, TotalInputTokens: totalIn, TotalOutputTokens: totalOut}, nil
		}

		// Step 3: process content blocks in order.
		var iterToolUses []modelclient.Block
		for _, blk := range resp.Content {
			switch blk.Type {
			case modelclient.BlockText:
				finalText += blk.Text
				if in.OnText != nil {
					in.OnText(blk.Text)
				}
			case modelclient.BlockToolUse:
				iterToolUses = append(iterToolUses, blk)
			}
		}

		// Step 4: append the assistant message (all blocks).
		in.History.AppendAssistant(toConversationMessage(resp.Content))

		// Step 5: stop if the model didn't ask for tools.
		if resp.StopReason != modelclient.StopToolUse || len(iterToolUses) == 0 {
			reason := ReasonEndTurn
			if resp.StopReason == modelclient.StopMaxTokens {
				reason = ReasonMaxTokens
			}
			return Result{FinalText: finalText, ToolCalls: toolCalls, Termination: reason,
				Iterations: iterations + 1, TotalInputTokens: totalIn, TotalOutputTokens: totalOut}, nil
		}

		// Step 6: execute each tool_use sequentially.
		results := make([]conversation.Block, 0, len(iterToolUses))
		for _, tu := range iterToolUses {
			rec, resultBlock := executeOne(ctx, in, tu)
			toolCalls = append(toolCalls, rec)
			results = append(results, resultBlock)
		}

		// Step 7: append one user message with ordered tool_result blocks.
		in.History.AppendUser(conversation.Message{Role: conversation.RoleUser, Blocks: results})
		// Step 8: loop.
	}

	return Result{FinalText: finalText, ToolCalls: toolCalls, Termination: ReasonMaxIterations,
		Iterations: iterations, TotalInputTokens: totalIn, TotalOutputTokens: totalOut}, nil
}

func buildRequest(in RunInput, cfg Config) modelclient.CreateMessageRequest {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return modelclient.CreateMessageRequest{
		Model:     in.Model,
		MaxTokens: maxTokens,
		System:    in.System,
		Messages:  toModelMessages(in.History.GetMessages()),
		Tools:     toolSchemas(cfg.Tools),
	}
}

func toolSchemas(names []string) []modelclient.ToolSchema {
	out := make([]modelclient.ToolSchema, 0, len(names))
	for _, n := range names {
		out = append(out, modelclient.ToolSchema{Name: n})
	}
	return out
}

func toModelMessages(msgs []conversation.Message) []modelclient.Message {
	out := make([]modelclient.Message, len(msgs))
	for i, m := range msgs {
		mm := modelclient.Message{Role: string(m.Role)}
		for _, b := range m.Blocks {
			mm.Blocks = append(mm.Blocks, conversationBlockToModel(b))
		}
		out[i] = mm
	}
	return out
}

func conversationBlockToModel(b conversation.Block) modelclient.Block {
	switch b.Type {
	case conversation.BlockText:
		return modelclient.Block{Type: modelclient.BlockText, Text: b.Text}
	case conversation.BlockToolUse:
		return modelclient.Block{Type: modelclient.BlockToolUse, ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput}
	default:
		// tool_result / image blocks are represented as text for the
		// outbound model request; the model only needs their rendered
		// content, not the struct shape.
		return modelclient.Block{Type: modelclient.BlockText, Text: b.Output}
	}
}

func toConversationMessage(blocks []modelclient.Block) conversation.Message {
	msg := conversation.Message{Role: conversation.RoleAssistant}
	for _, b := range blocks {
		switch b.Type {
		case modelclient.BlockText:
			msg.Blocks = append(msg.Blocks, conversation.Block{Type: conversation.BlockText, Text: b.Text})
		case modelclient.BlockToolUse:
			msg.Blocks = append(msg.Blocks, conversation.Block{
				Type: conversation.BlockToolUse, ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput,
			})
		}
	}
	return msg
}

func collectText(blocks []modelclient.Block, onText func(string)) string {
	var out string
	for _, b := range blocks {
		if b.Type == modelclient.BlockText {
			out += b.Text
			if onText != nil {
				onText(b.Text)
			}
		}
	}
	return out
}

// executeOne runs a single tool_use block, emitting tool_start/tool_end
// and returning both the retained record and the tool_result block to
// feed back to the model (spec §4.11 step 6-7).
func executeOne(ctx context.Context, in RunInput, tu modelclient.Block) (ToolCallRecord, conversation.Block) {
	sanitized := sanitizeInput(tu.ToolInput)
	emit(in, eventlog.TypeToolStart, map[string]any{
		"tool_use_id": tu.ToolUseID,
		"tool_name":   tu.ToolName,
		"input":       sanitized,
	})

	var output string
	var success bool
	if in.ToolProvider == nil {
		output = "Error: no tool provider configured"
		success = false
	} else {
		res, err := in.ToolProvider.Execute(ctx, tu.ToolName, tu.ToolInput)
		if err != nil {
			output = fmt.Sprintf("Error: %s", err.Error())
			success = false
		} else {
			output = res.Output
			success = res.Success
		}
	}

	emit(in, eventlog.TypeToolEnd, map[string]any{
		"tool_use_id":  tu.ToolUseID,
		"tool_name":    tu.ToolName,
		"success":      success,
		"output_bytes": len(output),
	})

	rendered := output
	if !success {
		rendered = "Error: " + output
	}

	rec := ToolCallRecord{ToolUseID: tu.ToolUseID, ToolName: tu.ToolName, Input: tu.ToolInput, Output: output, Success: success}
	block := conversation.Block{
		Type:          conversation.BlockToolResult,
		ToolResultFor: tu.ToolUseID,
		Output:        rendered,
		Success:       success,
	}
	return rec, block
}

// sanitizeInput truncates any string field longer than
// sanitizeLogLimit characters, for safe logging/event payloads (spec
// §4.11 step 6).
func sanitizeInput(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok && len(s) > sanitizeLogLimit {
			out[k] = s[:sanitizeLogLimit] + "...(truncated)"
			continue
		}
		out[k] = v
	}
	return out
}

func emit(in RunInput, typ eventlog.Type, payload map[string]any) {
	if in.Bus == nil {
		return
	}
	_, _ = in.Bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    in.TaskID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Mode:      in.Mode,
		Stage:     in.Stage,
		Payload:   payload,
	})
}
