package repair

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/diffmgr"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/pkg/modelclient"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return eventbus.New(s, nil)
}

func collectEvents(t *testing.T, bus *eventbus.Bus) *[]eventlog.Event {
	t.Helper()
	var got []eventlog.Event
	bus.Subscribe(eventbus.SubscriberFunc(func(e eventlog.Event) error {
		got = append(got, e)
		return nil
	}))
	return &got
}

type scriptedClient struct {
	responses []modelclient.CreateMessageResponse
	errs      []error
	calls     int
}

func (c *scriptedClient) CreateMessage(ctx context.Context, req modelclient.CreateMessageRequest) (modelclient.CreateMessageResponse, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], err
	}
	return modelclient.CreateMessageResponse{}, err
}

func (c *scriptedClient) StreamMessage(ctx context.Context, req modelclient.CreateMessageRequest, onDelta func(modelclient.TextDelta)) (modelclient.CreateMessageResponse, error) {
	return c.CreateMessage(ctx, req)
}

func textResponse(obj any) modelclient.CreateMessageResponse {
	data, _ := json.Marshal(obj)
	return modelclient.CreateMessageResponse{
		StopReason: modelclient.StopEndTurn,
		Content:    []modelclient.Block{{Type: modelclient.BlockText, Text: string(data)}},
	}
}

type fakeReader struct {
	files map[string][]byte
}

func (r fakeReader) ReadFile(path string) ([]byte, error) {
	if data, ok := r.files[path]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

func TestDiagnoseFailureUsesLLMWhenWellFormed(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		textResponse(llmDiagnosis{
			FailureSummary:       "type error in handler.go",
			LikelyCauses:         []string{"missing nil check", "wrong type", "stale import", "unused var", "fifth cause"},
			AffectedFiles:        []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go"},
			SuggestedFixApproach: "add the missing nil check",
		}),
	}}
	m := New(bus, client, nil, "test-model")

	d, err := m.DiagnoseFailure(context.Background(), "task1", eventlog.ModeMission, eventlog.StageRepair,
		FailureRecord{Command: "go test ./...", ExitCode: 1, Stderr: "handler.go:12: nil pointer"})
	require.NoError(t, err)
	require.Equal(t, SourceLLM, d.Source)
	require.Equal(t, "type error in handler.go", d.FailureSummary)
	require.Len(t, d.LikelyCauses, maxLikelyCauses, "must cap likely_causes at 4")
	require.Len(t, d.AffectedFiles, maxAffectedFiles, "must cap affected_files at 5")

	require.Len(t, *events, 1)
	require.Equal(t, eventlog.TypeRepairAttempted, (*events)[0].Type)
	require.Equal(t, "llm", (*events)[0].Payload["diagnosis_source"])
}

func TestDiagnoseFailureFallsBackToHeuristicOnMaxTokens(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		{StopReason: modelclient.StopMaxTokens},
	}}
	m := New(bus, client, nil, "test-model")

	d, err := m.DiagnoseFailure(context.Background(), "task1", eventlog.ModeMission, eventlog.StageRepair,
		FailureRecord{Command: "go test ./...", ExitCode: 1, Stderr: "internal/handler.go:12: boom"})
	require.NoError(t, err)
	require.Equal(t, SourceHeuristic, d.Source)
	require.Contains(t, d.AffectedFiles, "internal/handler.go")
	require.Equal(t, "heuristic", (*events)[0].Payload["diagnosis_source"])
}

func TestDiagnoseFailureFallsBackOnMalformedJSON(t *testing.T) {
	bus := newTestBus(t)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		{StopReason: modelclient.StopEndTurn, Content: []modelclient.Block{{Type: modelclient.BlockText, Text: "not json at all"}}},
	}}
	m := New(bus, client, nil, "test-model")

	d, err := m.DiagnoseFailure(context.Background(), "task1", eventlog.ModeMission, eventlog.StageRepair,
		FailureRecord{Command: "make test", ExitCode: 2})
	require.NoError(t, err)
	require.Equal(t, SourceHeuristic, d.Source)
}

func TestDiagnoseFailurePropagatesTransportError(t *testing.T) {
	bus := newTestBus(t)
	client := &scriptedClient{errs: []error{errors.New("connection reset")}}
	m := New(bus, client, nil, "test-model")

	_, err := m.DiagnoseFailure(context.Background(), "task1", eventlog.ModeMission, eventlog.StageRepair,
		FailureRecord{Command: "make test", ExitCode: 2})
	require.Error(t, err)
}

func TestDiagnoseFailureNoClientGoesStraightToHeuristic(t *testing.T) {
	bus := newTestBus(t)
	m := New(bus, nil, nil, "")

	d, err := m.DiagnoseFailure(context.Background(), "task1", eventlog.ModeMission, eventlog.StageRepair,
		FailureRecord{Command: "make test", ExitCode: 2, Summary: "build broke"})
	require.NoError(t, err)
	require.Equal(t, SourceHeuristic, d.Source)
	require.Equal(t, "build broke", d.FailureSummary)
}

func TestProposeRepairFixLLMPathTranslatesToDiffEntries(t *testing.T) {
	bus := newTestBus(t)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		textResponse(llmFix{
			TouchedFiles: []string{"existing.go", "new.go"},
			Explanation:  "patch the nil check and add a helper",
		}),
	}}
	reader := fakeReader{files: map[string][]byte{"existing.go": []byte("package x")}}
	m := New(bus, client, reader, "test-model")

	fix, err := m.ProposeRepairFix(context.Background(), Diagnosis{FailureSummary: "boom"})
	require.NoError(t, err)
	require.Len(t, fix.Entries, 2)

	byPath := map[string]diffmgr.Entry{}
	for _, e := range fix.Entries {
		byPath[e.Path] = e
	}
	require.Equal(t, diffmgr.OpModify, byPath["existing.go"].Operation)
	require.NotEmpty(t, byPath["existing.go"].PreHash)
	require.Equal(t, diffmgr.OpCreate, byPath["new.go"].Operation)
}

func TestProposeRepairFixFallsBackToHeuristicWithoutReader(t *testing.T) {
	bus := newTestBus(t)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		textResponse(llmFix{TouchedFiles: []string{"x.go"}, Explanation: "unused"}),
	}}
	m := New(bus, client, nil, "test-model")

	fix, err := m.ProposeRepairFix(context.Background(), Diagnosis{
		Source:               SourceHeuristic,
		FailureSummary:        "boom",
		LikelyCauses:          []string{"cause"},
		SuggestedFixApproach:  "approach",
	})
	require.NoError(t, err)
	require.Equal(t, 0, client.calls, "must not call the model when the file reader is absent")
	require.Len(t, fix.Entries, 1)
	require.Equal(t, diffmgr.OpCreate, fix.Entries[0].Operation)
	require.Contains(t, fix.Entries[0].Path, "docs/repair_attempt_")
	require.Contains(t, fix.Entries[0].NewContent, "boom")
}

func TestProposeRepairFixFallsBackWhenLLMResponseIncomplete(t *testing.T) {
	bus := newTestBus(t)
	client := &scriptedClient{responses: []modelclient.CreateMessageResponse{
		{StopReason: modelclient.StopMaxTokens},
	}}
	reader := fakeReader{files: map[string][]byte{}}
	m := New(bus, client, reader, "test-model")

	fix, err := m.ProposeRepairFix(context.Background(), Diagnosis{FailureSummary: "boom", SuggestedFixApproach: "x"})
	require.NoError(t, err)
	require.Len(t, fix.Entries, 1)
	require.Equal(t, diffmgr.OpCreate, fix.Entries[0].Operation)
}
