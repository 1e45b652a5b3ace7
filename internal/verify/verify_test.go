package verify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
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

func eventTypes(events []eventlog.Event) []eventlog.Type {
	out := make([]eventlog.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

type fakeDiscoverer struct {
	commands []DiscoveredCommand
	err      error
}

func (d fakeDiscoverer) Discover(string) ([]DiscoveredCommand, error) {
	return d.commands, d.err
}

type fakeRunner struct {
	outcomes []CommandOutcome
	errs     []error
	calls    int
}

func (r *fakeRunner) Run(ctx context.Context, command, workspaceRoot string, timeout time.Duration, onChunk OnChunk) (CommandOutcome, error) {
	i := r.calls
	r.calls++
	if onChunk != nil {
		onChunk("stdout", "line from "+command)
	}
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	if i < len(r.outcomes) {
		return r.outcomes[i], err
	}
	return CommandOutcome{}, err
}

func TestRunVerifyReplaySkipsWithoutTouchingDedup(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	m := New(t.TempDir(), "", bus, fakeDiscoverer{}, nil)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyAuto}, "", true)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)
	require.Contains(t, eventTypes(*events), eventlog.TypeVerifySkipped)

	// A non-replay call with the same triple must not be treated as
	// already-entered, since replay never recorded the dedup key.
	out2, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyOff}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out2.Status)
}

func TestRunVerifyDedupsSameTripleReentry(t *testing.T) {
	bus := newTestBus(t)
	m := New(t.TempDir(), "", bus, fakeDiscoverer{}, nil)

	policy := Policy{Mode: PolicyOff}
	out1, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", policy, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out1.Status)

	events := collectEvents(t, bus)
	out2, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", policy, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out2.Status)
	require.Empty(t, *events, "second entry on the same (run,mission,step) triple must be a silent no-op")
}

func TestRunVerifyPolicyOffSkips(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	m := New(t.TempDir(), "", bus, fakeDiscoverer{}, nil)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyOff}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)
	require.Contains(t, eventTypes(*events), eventlog.TypeVerifySkipped)
}

func TestRunVerifyNoCommandsDiscoveredRaisesDecisionPoint(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	m := New(t.TempDir(), "", bus, fakeDiscoverer{}, nil)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyAuto}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)
	require.Contains(t, eventTypes(*events), eventlog.TypeDecisionPointNeeded)
}

func TestRunVerifyPolicyFiltersOutEveryCommandRaisesDecisionPoint(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	disc := fakeDiscoverer{commands: []DiscoveredCommand{{Name: "test", Command: "npm test"}}}
	m := New(t.TempDir(), "", bus, disc, nil)

	policy := Policy{Mode: PolicyAuto, Blocklist: []string{"test"}}
	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", policy, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)
	require.Contains(t, eventTypes(*events), eventlog.TypeDecisionPointNeeded)
}

func TestRunVerifyPromptModeProposesAndRaisesDecisionPoint(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	disc := fakeDiscoverer{commands: []DiscoveredCommand{{Name: "test", Command: "npm test"}}}
	m := New(t.TempDir(), "", bus, disc, nil)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyPrompt}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, out.Status)
	types := eventTypes(*events)
	require.Contains(t, types, eventlog.TypeVerifyProposed)
	require.Contains(t, types, eventlog.TypeDecisionPointNeeded)
}

func TestRunVerifyAutoModePass(t *testing.T) {
	bus := newTestBus(t)
	events := collectEvents(t, bus)
	disc := fakeDiscoverer{commands: []DiscoveredCommand{{Name: "test", Command: "npm test"}}}
	runner := &fakeRunner{outcomes: []CommandOutcome{{ExitCode: 0, Stdout: "ok"}}}
	m := New(t.TempDir(), t.TempDir(), bus, disc, runner)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyAuto}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusPass, out.Status)
	require.Empty(t, out.FailedCommand)
	require.NotEmpty(t, out.TranscriptEvidenceID)
	types := eventTypes(*events)
	require.Contains(t, types, eventlog.TypeVerifyStarted)
	require.Contains(t, types, eventlog.TypeStreamDelta)
	require.Contains(t, types, eventlog.TypeVerifyCompleted)
}

func TestRunVerifyAutoModeStopsAtFirstFailure(t *testing.T) {
	bus := newTestBus(t)
	disc := fakeDiscoverer{commands: []DiscoveredCommand{
		{Name: "lint", Command: "npm run lint"},
		{Name: "test", Command: "npm test"},
	}}
	runner := &fakeRunner{outcomes: []CommandOutcome{
		{ExitCode: 1, Stdout: "lint failed"},
		{ExitCode: 0, Stdout: "never reached"},
	}}
	m := New(t.TempDir(), t.TempDir(), bus, disc, runner)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyAuto}, "", false)
	require.NoError(t, err)
	require.Equal(t, StatusFail, out.Status)
	require.Equal(t, "lint", out.FailedCommand)
	require.Equal(t, 1, out.ExitCode)
	require.Equal(t, 1, runner.calls, "must stop on first non-zero exit, never reaching the second command")
}

func TestRunVerifyCommandOverrideBypassesDiscovery(t *testing.T) {
	bus := newTestBus(t)
	runner := &fakeRunner{outcomes: []CommandOutcome{{ExitCode: 0}}}
	m := New(t.TempDir(), t.TempDir(), bus, fakeDiscoverer{}, runner)

	out, err := m.RunVerify("task1", eventlog.ModeMission, "run1", "m1", "s1", Policy{Mode: PolicyAuto}, "make check", false)
	require.NoError(t, err)
	require.Equal(t, StatusPass, out.Status)
	require.Equal(t, 1, runner.calls)
}

func TestCapOutputTruncatesWithElisionMarker(t *testing.T) {
	s := capOutput("abcdefghij", 4)
	require.Equal(t, "abcd"+elisionMarker, s)

	short := capOutput("abc", 4)
	require.Equal(t, "abc", short)

	unbounded := capOutput("abcdefghij", 0)
	require.Equal(t, "abcdefghij", unbounded)
}

func TestFilterByPolicyAllowlistAndBlocklist(t *testing.T) {
	cmds := []DiscoveredCommand{{Name: "test"}, {Name: "lint"}, {Name: "build"}}

	allowOnly := filterByPolicy(cmds, Policy{Allowlist: []string{"test", "build"}})
	require.Len(t, allowOnly, 2)

	blockOnly := filterByPolicy(cmds, Policy{Blocklist: []string{"lint"}})
	require.Len(t, blockOnly, 2)
	for _, c := range blockOnly {
		require.NotEqual(t, "lint", c.Name)
	}
}

func TestLocalRunnerRunsShellCommandAndCapturesOutput(t *testing.T) {
	runner := LocalRunner{}
	var chunks []string
	outcome, err := runner.Run(context.Background(), "echo hello", "", time.Second, func(stream, data string) {
		chunks = append(chunks, stream+":"+data)
	})
	require.NoError(t, err)
	require.Equal(t, 0, outcome.ExitCode)
	require.Contains(t, outcome.Stdout, "hello")
	require.NotEmpty(t, chunks)
}

func TestLocalRunnerReportsNonZeroExit(t *testing.T) {
	runner := LocalRunner{}
	outcome, err := runner.Run(context.Background(), "exit 3", "", time.Second, func(string, string) {})
	require.NoError(t, err)
	require.Equal(t, 3, outcome.ExitCode)
}
