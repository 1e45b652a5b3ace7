package agenticloop

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/conversation"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/pkg/modelclient"
	"github.com/kandev/missioncore/pkg/toolexec"
)

// fakeClient replays a scripted sequence of responses, one per call.
type fakeClient struct {
	responses []modelclient.CreateMessageResponse
	calls     int
}

func (f *fakeClient) CreateMessage(ctx context.Context, req modelclient.CreateMessageRequest) (modelclient.CreateMessageResponse, error) {
	if f.calls >= len(f.responses) {
		return modelclient.CreateMessageResponse{}, errors.New("no more scripted responses")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeClient) StreamMessage(ctx context.Context, req modelclient.CreateMessageRequest, onDelta func(modelclient.TextDelta)) (modelclient.CreateMessageResponse, error) {
	return f.CreateMessage(ctx, req)
}

type fakeProvider struct {
	output  string
	success bool
	err     error
}

func (f *fakeProvider) Execute(ctx context.Context, toolName string, input map[string]any) (toolexec.Result, error) {
	if f.err != nil {
		return toolexec.Result{}, f.err
	}
	return toolexec.Result{Output: f.output, Success: f.success}, nil
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return eventbus.New(store, nil)
}

func TestRunEndsOnEndTurnWithNoToolUse(t *testing.T) {
	client := &fakeClient{responses: []modelclient.CreateMessageResponse{
		{Content: []modelclient.Block{{Type: modelclient.BlockText, Text: "hello"}}, StopReason: modelclient.StopEndTurn},
	}}
	hist := conversation.New(conversation.DefaultConfig())
	hist.AppendUser(conversation.TextMessage(conversation.RoleUser, "hi"))

	result, err := Run(context.Background(), RunInput{
		Client: client, History: hist, Model: "test-model", Config: DefaultConfig(),
	})
	require.NoError(t, err)
	require.Equal(t, ReasonEndTurn, result.Termination)
	require.Equal(t, "hello", result.FinalText)
	require.Equal(t, 1, result.Iterations)
}

func TestRunExecutesToolUseThenEndsOnSecondIteration(t *testing.T) {
	client := &fakeClient{responses: []modelclient.CreateMessageResponse{
		{
			Content: []modelclient.Block{
				{Type: modelclient.BlockText, Text: "let me check"},
				{Type: modelclient.BlockToolUse, ToolUseID: "tu1", ToolName: "read_file", ToolInput: map[string]any{"path": "a.txt"}},
			},
			StopReason: modelclient.StopToolUse,
		},
		{
			Content:    []modelclient.Block{{Type: modelclient.BlockText, Text: "done"}},
			StopReason: modelclient.StopEndTurn,
		},
	}}
	provider := &fakeProvider{output: "file contents", success: true}
	bus := newTestBus(t)
	hist := conversation.New(conversation.DefaultConfig())
	hist.AppendUser(conversation.TextMessage(conversation.RoleUser, "read a.txt"))

	result, err := Run(context.Background(), RunInput{
		Client: client, ToolProvider: provider, History: hist, Model: "test-model",
		Config: DefaultConfig(), Bus: bus, TaskID: "t1", Mode: eventlog.ModeMission, Stage: eventlog.StageEdit,
	})
	require.NoError(t, err)
	require.Equal(t, ReasonEndTurn, result.Termination)
	require.Equal(t, "let me checkdone", result.FinalText)
	require.Len(t, result.ToolCalls, 1)
	require.Equal(t, "read_file", result.ToolCalls[0].ToolName)
	require.True(t, result.ToolCalls[0].Success)
	require.Equal(t, 2, result.Iterations)

	require.Len(t, bus.Store().GetByType(eventlog.TypeToolStart), 1)
	require.Len(t, bus.Store().GetByType(eventlog.TypeToolEnd), 1)

	msgs := hist.GetMessages()
	last := msgs[len(msgs)-1]
	require.Equal(t, conversation.RoleUser, last.Role)
	require.Equal(t, conversation.BlockToolResult, last.Blocks[0].Type)
	require.Equal(t, "file contents", last.Blocks[0].Output)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	var responses []modelclient.CreateMessageResponse
	for i := 0; i < 30; i++ {
		responses = append(responses, modelclient.CreateMessageResponse{
			Content: []modelclient.Block{
				{Type: modelclient.BlockToolUse, ToolUseID: "tu", ToolName: "run_command", ToolInput: map[string]any{"command": "echo hi"}},
			},
			StopReason: modelclient.StopToolUse,
		})
	}
	client := &fakeClient{responses: responses}
	provider := &fakeProvider{output: "hi", success: true}
	hist := conversation.New(conversation.DefaultConfig())
	hist.AppendUser(conversation.TextMessage(conversation.RoleUser, "loop forever"))

	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	result, err := Run(context.Background(), RunInput{
		Client: client, ToolProvider: provider, History: hist, Model: "test-model", Config: cfg,
	})
	require.NoError(t, err)
	require.Equal(t, ReasonMaxIterations, result.Termination)
	require.Equal(t, 3, result.Iterations)
}

func TestRunToolErrorProducesFailedResultNotFatal(t *testing.T) {
	client := &fakeClient{responses: []modelclient.CreateMessageResponse{
		{
			Content: []modelclient.Block{
				{Type: modelclient.BlockToolUse, ToolUseID: "tu1", ToolName: "run_command", ToolInput: map[string]any{"command": "boom"}},
			},
			StopReason: modelclient.StopToolUse,
		},
		{Content: []modelclient.Block{{Type: modelclient.BlockText, Text: "recovered"}}, StopReason: modelclient.StopEndTurn},
	}}
	provider := &fakeProvider{err: errors.New("exec failed")}
	hist := conversation.New(conversation.DefaultConfig())
	hist.AppendUser(conversation.TextMessage(conversation.RoleUser, "run boom"))

	result, err := Run(context.Background(), RunInput{
		Client: client, ToolProvider: provider, History: hist, Model: "test-model", Config: DefaultConfig(),
	})
	require.NoError(t, err)
	require.False(t, result.ToolCalls[0].Success)
	require.Contains(t, result.ToolCalls[0].Output, "exec failed")

	msgs := hist.GetMessages()
	last := msgs[len(msgs)-1]
	require.True(t, strings.HasPrefix(last.Blocks[0].Output, "Error: "))
}

func TestRunSanitizesLongInputInToolStartEvent(t *testing.T) {
	longVal := strings.Repeat("x", 1000)
	client := &fakeClient{responses: []modelclient.CreateMessageResponse{
		{
			Content: []modelclient.Block{
				{Type: modelclient.BlockToolUse, ToolUseID: "tu1", ToolName: "write_file", ToolInput: map[string]any{"content": longVal}},
			},
			StopReason: modelclient.StopToolUse,
		},
		{Content: []modelclient.Block{{Type: modelclient.BlockText, Text: "ok"}}, StopReason: modelclient.StopEndTurn},
	}}
	provider := &fakeProvider{output: "ok", success: true}
	bus := newTestBus(t)
	hist := conversation.New(conversation.DefaultConfig())
	hist.AppendUser(conversation.TextMessage(conversation.RoleUser, "write"))

	_, err := Run(context.Background(), RunInput{
		Client: client, ToolProvider: provider, History: hist, Model: "test-model",
		Config: DefaultConfig(), Bus: bus, TaskID: "t1", Mode: eventlog.ModeMission, Stage: eventlog.StageEdit,
	})
	require.NoError(t, err)

	events := bus.Store().GetByType(eventlog.TypeToolStart)
	require.Len(t, events, 1)
	input, ok := events[0].Payload["input"].(map[string]any)
	require.True(t, ok)
	content, ok := input["content"].(string)
	require.True(t, ok)
	require.Less(t, len(content), 1000)
	require.True(t, strings.HasSuffix(content, "...(truncated)"))
}
