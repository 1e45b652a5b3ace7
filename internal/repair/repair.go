// Package repair implements the repair orchestrator (spec §4.14):
// given a failed verify run, diagnose the failure (LLM-first with a
// regex-based heuristic fallback) and propose a fix as a diff manager
// proposal, re-entering the standard propose→approval→apply path.
package repair

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/diffmgr"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/pkg/modelclient"
)

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// maxLikelyCauses and maxAffectedFiles cap the LLM diagnosis per spec
// §4.14 ("likely_causes (≤4), affected_files (≤5)").
const (
	maxLikelyCauses  = 4
	maxAffectedFiles = 5
	maxTouchedFiles  = 5
)

// Source distinguishes how a Diagnosis was produced.
type Source string

const (
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// FailureRecord is the last test-failure the orchestrator diagnoses
// against (spec §4.14: "{command, exit_code, stdout, stderr, summary}").
type FailureRecord struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Summary  string
}

// Diagnosis is the outcome of DiagnoseFailure.
type Diagnosis struct {
	Source               Source
	FailureSummary       string
	LikelyCauses         []string
	AffectedFiles        []string
	RootCauseFile        string
	SuggestedFixApproach string
	Confidence           *float64
}

// FileReader is the minimal file-read surface the orchestrator needs
// to build fix-proposal prompts (spec §1: the file system is an
// injected adapter, consumed here as a narrow interface rather than a
// concrete implementation).
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// FixProposal is the result of ProposeRepairFix: a set of diff-manager
// entries ready to enter the standard propose→approval→apply path.
type FixProposal struct {
	Entries     []diffmgr.Entry
	Explanation string
	Confidence  *float64
}

// Manager diagnoses verify failures and proposes fixes for them.
// client may be nil, in which case both calls take the heuristic path
// immediately; reader may be nil, in which case ProposeRepairFix takes
// the heuristic path while DiagnoseFailure still uses the client.
type Manager struct {
	bus    *eventbus.Bus
	client modelclient.Client
	reader FileReader
	model  string
}

// New builds a Manager.
func New(bus *eventbus.Bus, client modelclient.Client, reader FileReader, model string) *Manager {
	return &Manager{bus: bus, client: client, reader: reader, model: model}
}

// llmDiagnosis is the strict JSON object requested from the model
// (spec §4.14 diagnose_llm).
type llmDiagnosis struct {
	FailureSummary       string   `json:"failure_summary"`
	LikelyCauses         []string `json:"likely_causes"`
	AffectedFiles        []string `json:"affected_files"`
	RootCauseFile        string   `json:"root_cause_file,omitempty"`
	SuggestedFixApproach string   `json:"suggested_fix_approach"`
	Confidence           *float64 `json:"confidence,omitempty"`
}

// DiagnoseFailure implements spec §4.14's diagnose_failure: try the
// LLM path if a client is configured, fall back to the heuristic path
// on any LLM-path rejection (not a transport error, which propagates),
// then emit repair_attempted with the diagnosis source.
func (m *Manager) DiagnoseFailure(ctx context.Context, taskID string, mode eventlog.Mode, stage eventlog.Stage, failure FailureRecord) (Diagnosis, error) {
	if m.client != nil {
		d, err := m.diagnoseLLM(ctx, failure)
		if err != nil {
			return Diagnosis{}, fmt.Errorf("repair: diagnose llm: %w", err)
		}
		if d != nil {
			if err := m.emitAttempted(taskID, mode, stage, SourceLLM, d.FailureSummary); err != nil {
				return Diagnosis{}, err
			}
			return *d, nil
		}
	}

	d := diagnoseHeuristic(failure)
	if err := m.emitAttempted(taskID, mode, stage, SourceHeuristic, d.FailureSummary); err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}

// diagnoseLLM calls the model for a diagnosis. It returns (nil, nil)
// — not an error — on any rejection condition the spec calls out
// (max_tokens stop reason, malformed JSON, missing required fields),
// since those are fall-through-to-heuristic conditions, not failures
// the caller should propagate. An actual transport error from the
// client is returned as an error and does propagate.
func (m *Manager) diagnoseLLM(ctx context.Context, failure FailureRecord) (*Diagnosis, error) {
	prompt := buildDiagnosisPrompt(failure)
	resp, err := m.client.CreateMessage(ctx, modelclient.CreateMessageRequest{
		Model:     m.model,
		MaxTokens: 1024,
		System:    "Respond with exactly one JSON object and nothing else.",
		Messages: []modelclient.Message{
			{Role: "user", Blocks: []modelclient.Block{{Type: modelclient.BlockText, Text: prompt}}},
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.StopReason == modelclient.StopMaxTokens {
		return nil, nil
	}

	text := concatText(resp.Content)
	var parsed llmDiagnosis
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		return nil, nil
	}
	if parsed.FailureSummary == "" || parsed.SuggestedFixApproach == "" {
		return nil, nil
	}

	if len(parsed.LikelyCauses) > maxLikelyCauses {
		parsed.LikelyCauses = parsed.LikelyCauses[:maxLikelyCauses]
	}
	if len(parsed.AffectedFiles) > maxAffectedFiles {
		parsed.AffectedFiles = parsed.AffectedFiles[:maxAffectedFiles]
	}

	return &Diagnosis{
		Source:               SourceLLM,
		FailureSummary:        parsed.FailureSummary,
		LikelyCauses:          parsed.LikelyCauses,
		AffectedFiles:         parsed.AffectedFiles,
		RootCauseFile:         parsed.RootCauseFile,
		SuggestedFixApproach:  parsed.SuggestedFixApproach,
		Confidence:            parsed.Confidence,
	}, nil
}

var filePathPattern = regexp.MustCompile(`[\w./-]+\.(go|js|ts|tsx|jsx|py|rb|java|rs|c|cpp|h|hpp)\b`)

// diagnoseHeuristic extracts candidate file paths from the captured
// output and assembles a canned diagnosis (spec §4.14 diagnose_heuristic).
func diagnoseHeuristic(failure FailureRecord) Diagnosis {
	combined := failure.Stdout + "\n" + failure.Stderr
	matches := filePathPattern.FindAllString(combined, -1)

	seen := make(map[string]struct{})
	var files []string
	for _, f := range matches {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		files = append(files, f)
		if len(files) >= maxAffectedFiles {
			break
		}
	}

	causes := []string{
		"command exited with a non-zero status",
		"recent change introduced a regression",
		"test or build configuration is out of date",
	}

	summary := failure.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s exited %d", failure.Command, failure.ExitCode)
	}

	approach := "unknown — check test output"
	rootCause := ""
	if len(files) > 0 {
		rootCause = files[0]
		approach = "inspect " + strings.Join(files, ", ") + " for the cause indicated by the command output"
	}

	return Diagnosis{
		Source:               SourceHeuristic,
		FailureSummary:        summary,
		LikelyCauses:          causes,
		AffectedFiles:         files,
		RootCauseFile:         rootCause,
		SuggestedFixApproach:  approach,
	}
}

// llmFix is the strict JSON object requested from the model for a fix
// proposal (spec §4.14 propose_repair_fix).
type llmFix struct {
	TouchedFiles []string `json:"touched_files"`
	Explanation  string   `json:"explanation"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// ProposeRepairFix implements spec §4.14's propose_repair_fix: with
// both an LLM client and a file reader, ask the model for a set of
// touched files and translate them into diff-manager entries (modify
// for files that read successfully, create otherwise); on any
// LLM-path failure, or when either dependency is absent, fall back to
// a single heuristic create entry summarizing the diagnosis.
func (m *Manager) ProposeRepairFix(ctx context.Context, diagnosis Diagnosis) (FixProposal, error) {
	if m.client != nil && m.reader != nil {
		fix, err := m.proposeLLMFix(ctx, diagnosis)
		if err != nil {
			return FixProposal{}, fmt.Errorf("repair: propose llm fix: %w", err)
		}
		if fix != nil {
			return *fix, nil
		}
	}
	return m.proposeHeuristicFix(diagnosis), nil
}

func (m *Manager) proposeLLMFix(ctx context.Context, diagnosis Diagnosis) (*FixProposal, error) {
	prompt := buildFixPrompt(diagnosis)
	resp, err := m.client.CreateMessage(ctx, modelclient.CreateMessageRequest{
		Model:     m.model,
		MaxTokens: 4096,
		System:    "Respond with exactly one JSON object and nothing else.",
		Messages: []modelclient.Message{
			{Role: "user", Blocks: []modelclient.Block{{Type: modelclient.BlockText, Text: prompt}}},
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.StopReason == modelclient.StopMaxTokens {
		return nil, nil
	}

	text := concatText(resp.Content)
	var parsed llmFix
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil {
		return nil, nil
	}
	if parsed.Explanation == "" || len(parsed.TouchedFiles) == 0 {
		return nil, nil
	}
	if len(parsed.TouchedFiles) > maxTouchedFiles {
		parsed.TouchedFiles = parsed.TouchedFiles[:maxTouchedFiles]
	}

	var entries []diffmgr.Entry
	for _, path := range parsed.TouchedFiles {
		existing, err := m.reader.ReadFile(path)
		if err != nil {
			entries = append(entries, diffmgr.Entry{Path: path, Operation: diffmgr.OpCreate})
			continue
		}
		entries = append(entries, diffmgr.Entry{
			Path:      path,
			Operation: diffmgr.OpModify,
			PreHash:   hashOf(existing),
		})
	}

	return &FixProposal{Entries: entries, Explanation: parsed.Explanation, Confidence: parsed.Confidence}, nil
}

// proposeHeuristicFix emits a single create entry under
// docs/repair_attempt_<timestamp>.md summarizing the diagnosis (spec
// §4.14 propose_repair_fix heuristic path).
func (m *Manager) proposeHeuristicFix(diagnosis Diagnosis) FixProposal {
	path := fmt.Sprintf("docs/repair_attempt_%d.md", time.Now().UTC().UnixNano())
	content := fmt.Sprintf(
		"# Repair attempt\n\nSource: %s\n\nSummary: %s\n\nLikely causes:\n- %s\n\nSuggested approach: %s\n",
		diagnosis.Source, diagnosis.FailureSummary, strings.Join(diagnosis.LikelyCauses, "\n- "), diagnosis.SuggestedFixApproach,
	)
	return FixProposal{
		Entries: []diffmgr.Entry{
			{Path: path, Operation: diffmgr.OpCreate, NewContent: content},
		},
		Explanation: "heuristic fallback: recorded diagnosis as a repair note",
	}
}

func (m *Manager) emitAttempted(taskID string, mode eventlog.Mode, stage eventlog.Stage, source Source, reason string) error {
	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeRepairAttempted,
		Mode:      mode,
		Stage:     stage,
		Payload: map[string]any{
			"diagnosis_source": string(source),
			"reason":           reason,
		},
	})
	return err
}

func buildDiagnosisPrompt(failure FailureRecord) string {
	return fmt.Sprintf(
		"A verify command failed.\nCommand: %s\nExit code: %d\nStdout:\n%s\nStderr:\n%s\n\n"+
			"Respond with a JSON object: {\"failure_summary\": string, \"likely_causes\": [string], "+
			"\"affected_files\": [string], \"root_cause_file\": string, \"suggested_fix_approach\": string, \"confidence\": number}.",
		failure.Command, failure.ExitCode, failure.Stdout, failure.Stderr,
	)
}

func buildFixPrompt(diagnosis Diagnosis) string {
	return fmt.Sprintf(
		"Diagnosis summary: %s\nLikely causes: %s\nAffected files: %s\nSuggested approach: %s\n\n"+
			"Respond with a JSON object: {\"touched_files\": [string], \"explanation\": string, \"confidence\": number}.",
		diagnosis.FailureSummary, strings.Join(diagnosis.LikelyCauses, "; "),
		strings.Join(diagnosis.AffectedFiles, ", "), diagnosis.SuggestedFixApproach,
	)
}

func concatText(blocks []modelclient.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == modelclient.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// extractJSONObject returns the substring from the first '{' to the
// last '}' in s, tolerating a model wrapping its JSON in prose or a
// code fence despite being asked not to.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
