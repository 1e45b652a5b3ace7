// Package verify implements the verify phase and its shared
// command-execution engine (spec §4.13): discover candidate commands,
// filter them by policy, and run the filtered list under the
// deterministic command-phase executor, translating its outcome into
// a mission-level pass/fail/skip.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// PolicyMode is the verify policy's run mode (spec §4.13).
type PolicyMode string

const (
	PolicyOff    PolicyMode = "off"
	PolicyPrompt PolicyMode = "prompt"
	PolicyAuto   PolicyMode = "auto"
)

// Policy configures one verify invocation (spec §4.13).
type Policy struct {
	Mode           PolicyMode
	Allowlist      []string
	Blocklist      []string
	MaxOutputBytes int
	ChunkThrottle  time.Duration
	Timeout        time.Duration
	// Sandbox records whether Docker-sandboxed execution was asked for
	// (SPEC_FULL.md §4.13 expansion). RunVerify does not read it: the
	// runner is always the CommandRunner given to New (a DockerRunner
	// for sandboxed execution, LocalRunner by default).
	Sandbox bool
}

// DiscoveredCommand is one candidate verify command (spec §4.13 step 4).
type DiscoveredCommand struct {
	Name    string
	Command string
	Source  string
}

// Discoverer finds candidate verify commands in a workspace (spec
// §4.13: "details delegated to the discovery helper").
type Discoverer interface {
	Discover(workspaceRoot string) ([]DiscoveredCommand, error)
}

// Status is the outcome reported to the caller and in verify_completed.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

// Outcome is returned by RunVerify.
type Outcome struct {
	Status                Status
	FailedCommand         string
	ExitCode              int
	TranscriptEvidenceID  string
}

// Manager runs verify phases for missions (spec §4.13).
type Manager struct {
	workspaceRoot string
	evidenceDir   string
	bus           *eventbus.Bus
	discoverer    Discoverer
	runner        CommandRunner

	mu      sync.Mutex
	entered map[string]struct{} // dedup key -> seen
}

// New builds a Manager. runner may be nil to use the default local
// os/exec-based CommandRunner.
func New(workspaceRoot, evidenceDir string, bus *eventbus.Bus, discoverer Discoverer, runner CommandRunner) *Manager {
	if runner == nil {
		runner = LocalRunner{}
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		evidenceDir:   evidenceDir,
		bus:           bus,
		discoverer:    discoverer,
		runner:        runner,
		entered:       make(map[string]struct{}),
	}
}

func dedupKey(runID, missionID, stepID string) string {
	return runID + "|" + missionID + "|" + stepID
}

// RunVerify executes the verify algorithm (spec §4.13 steps 1-9).
func (m *Manager) RunVerify(taskID string, mode eventlog.Mode, runID, missionID, stepID string, policy Policy, commandOverride string, replay bool) (Outcome, error) {
	if replay {
		if err := m.emit(taskID, mode, eventlog.TypeVerifySkipped, map[string]any{"reason": "replay"}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusSkipped}, nil
	}

	key := dedupKey(runID, missionID, stepID)
	m.mu.Lock()
	if _, seen := m.entered[key]; seen {
		m.mu.Unlock()
		return Outcome{Status: StatusSkipped}, nil
	}
	m.entered[key] = struct{}{}
	m.mu.Unlock()

	if err := m.emit(taskID, mode, eventlog.TypeStageChanged, map[string]any{"stage": string(eventlog.StageVerify)}); err != nil {
		return Outcome{}, err
	}

	if policy.Mode == PolicyOff {
		if err := m.emit(taskID, mode, eventlog.TypeVerifySkipped, map[string]any{"reason": "policy off"}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusSkipped}, nil
	}

	var commands []DiscoveredCommand
	if commandOverride != "" {
		commands = []DiscoveredCommand{{Name: "override", Command: commandOverride, Source: "user"}}
	} else if m.discoverer != nil {
		var err error
		commands, err = m.discoverer.Discover(m.workspaceRoot)
		if err != nil {
			return Outcome{}, fmt.Errorf("verify: discover: %w", err)
		}
	}

	if len(commands) == 0 {
		if err := m.emit(taskID, mode, eventlog.TypeDecisionPointNeeded, map[string]any{"reason": "no verify commands discovered"}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusSkipped}, nil
	}

	filtered := filterByPolicy(commands, policy)
	if len(filtered) == 0 {
		if err := m.emit(taskID, mode, eventlog.TypeDecisionPointNeeded, map[string]any{"reason": "policy filtered out all commands"}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusSkipped}, nil
	}

	switch policy.Mode {
	case PolicyPrompt:
		if err := m.emit(taskID, mode, eventlog.TypeVerifyProposed, map[string]any{"commands": commandNames(filtered)}); err != nil {
			return Outcome{}, err
		}
		if err := m.emit(taskID, mode, eventlog.TypeDecisionPointNeeded, map[string]any{
			"options": []string{"run", "skip once", "disable"},
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusSkipped}, nil

	case PolicyAuto:
		if err := m.emit(taskID, mode, eventlog.TypeVerifyStarted, map[string]any{"commands": commandNames(filtered)}); err != nil {
			return Outcome{}, err
		}
		phaseResult, err := m.runPhase(context.Background(), taskID, mode, filtered, policy)
		if err != nil {
			return Outcome{}, err
		}
		status := StatusSkipped
		switch phaseResult.Result {
		case phaseSuccess:
			status = StatusPass
		case phaseFailure:
			status = StatusFail
		}
		outcome := Outcome{
			Status:               status,
			FailedCommand:        phaseResult.FailedCommand,
			ExitCode:             phaseResult.ExitCode,
			TranscriptEvidenceID: phaseResult.TranscriptEvidenceID,
		}
		payload := map[string]any{"status": string(status)}
		if outcome.FailedCommand != "" {
			payload["failed_command"] = outcome.FailedCommand
			payload["exit_code"] = outcome.ExitCode
		}
		if outcome.TranscriptEvidenceID != "" {
			payload["transcript_evidence_id"] = outcome.TranscriptEvidenceID
		}
		if err := m.emit(taskID, mode, eventlog.TypeVerifyCompleted, payload); err != nil {
			return Outcome{}, err
		}
		return outcome, nil

	default:
		return Outcome{}, fmt.Errorf("verify: unknown policy mode %q", policy.Mode)
	}
}

func commandNames(cmds []DiscoveredCommand) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Name
	}
	return out
}

func filterByPolicy(cmds []DiscoveredCommand, policy Policy) []DiscoveredCommand {
	allow := toSet(policy.Allowlist)
	block := toSet(policy.Blocklist)
	out := make([]DiscoveredCommand, 0, len(cmds))
	for _, c := range cmds {
		if len(allow) > 0 {
			if _, ok := allow[c.Name]; !ok {
				continue
			}
		}
		if _, ok := block[c.Name]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

func (m *Manager) emit(taskID string, mode eventlog.Mode, typ eventlog.Type, payload map[string]any) error {
	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Mode:      mode,
		Stage:     eventlog.StageVerify,
		Payload:   payload,
	})
	return err
}
