// Package diffmgr implements diff proposal and application (spec
// §4.9): propose_diff validates and persists a proposal; apply_diff
// re-checks staleness, checkpoints, applies atomically, and rolls back
// on any per-entry failure.
package diffmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/checkpoint"
	"github.com/kandev/missioncore/internal/ctxsnapshot"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// Operation is the kind of change one diff entry makes.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Entry is one per-file change within a proposed diff (spec §3).
type Entry struct {
	Path       string    `json:"path"`
	Operation  Operation `json:"operation"`
	NewContent string    `json:"new_content,omitempty"`
	PreHash    string    `json:"pre_hash,omitempty"`
}

// Proposal is a full proposed patch (spec §3).
type Proposal struct {
	ProposalID  string    `json:"proposal_id"`
	TaskID      string    `json:"task_id"`
	Mode        eventlog.Mode
	Stage       eventlog.Stage
	Description string  `json:"summary"`
	Entries     []Entry `json:"files"`
}

// ErrStaleContext is returned (and surfaced as stale_context_detected)
// when a modify entry's pre-change hash no longer matches the file's
// current content (invariant D1).
var ErrStaleContext = errors.New("diffmgr: stale context detected")

// ErrOutsideWorkspace is returned when a proposed path escapes the
// workspace root.
var ErrOutsideWorkspace = errors.New("diffmgr: path escapes workspace")

// FS is the minimal file-system surface the manager needs.
type FS interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, content []byte) error
	Remove(path string) error
}

// Manager proposes and applies diffs against workspaceRoot, backed by
// a checkpoint manager (for pre-apply rollback points) and a context
// snapshot manager (for the staleness guard).
type Manager struct {
	workspaceRoot string
	evidenceDir   string
	fs            FS
	checkpoints   *checkpoint.Manager
	snapshots     *ctxsnapshot.Manager
	bus           *eventbus.Bus

	mu        sync.Mutex
	proposals map[string]*Proposal
}

// New builds a Manager.
func New(workspaceRoot, evidenceDir string, fs FS, checkpoints *checkpoint.Manager, snapshots *ctxsnapshot.Manager, bus *eventbus.Bus) (*Manager, error) {
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return nil, fmt.Errorf("diffmgr: create evidence dir: %w", err)
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		evidenceDir:   evidenceDir,
		fs:            fs,
		checkpoints:   checkpoints,
		snapshots:     snapshots,
		bus:           bus,
		proposals:     make(map[string]*Proposal),
	}, nil
}

func (m *Manager) withinWorkspace(path string) bool {
	abs := filepath.Join(m.workspaceRoot, path)
	rel, err := filepath.Rel(m.workspaceRoot, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ProposeDiff validates entries (path within workspace, operation
// valid, modify entries carry a pre-change hash); if requiresCheckpoint,
// takes a checkpoint over affected paths; persists the raw diff and
// manifest under the evidence directory; emits diff_proposed; returns
// the proposal id.
func (m *Manager) ProposeDiff(taskID string, mode eventlog.Mode, stage eventlog.Stage, description string, entries []Entry, requiresCheckpoint bool) (string, error) {
	for _, e := range entries {
		if !m.withinWorkspace(e.Path) {
			return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, e.Path)
		}
		switch e.Operation {
		case OpCreate, OpModify, OpDelete:
		default:
			return "", fmt.Errorf("diffmgr: invalid operation %q for %s", e.Operation, e.Path)
		}
		if e.Operation == OpModify && e.PreHash == "" {
			return "", fmt.Errorf("diffmgr: modify entry for %s missing pre-change hash", e.Path)
		}
	}

	proposal := &Proposal{
		ProposalID:  uuid.NewString(),
		TaskID:      taskID,
		Mode:        mode,
		Stage:       stage,
		Description: description,
		Entries:     entries,
	}

	if requiresCheckpoint {
		scope := make([]string, len(entries))
		for i, e := range entries {
			scope[i] = e.Path
		}
		if _, err := m.checkpoints.CreateCheckpoint(taskID, mode, stage, "pre-propose: "+description, scope, checkpoint.MethodSnapshot); err != nil {
			return "", fmt.Errorf("diffmgr: pre-propose checkpoint: %w", err)
		}
	}

	if err := m.persistProposal(proposal); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.proposals[proposal.ProposalID] = proposal
	m.mu.Unlock()

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeDiffProposed,
		Mode:      mode,
		Stage:     stage,
		Payload: map[string]any{
			"proposal_id": proposal.ProposalID,
			"description": description,
			"file_count":  len(entries),
		},
	})
	return proposal.ProposalID, err
}

type manifest struct {
	ProposalID  string   `json:"proposal_id"`
	Description string   `json:"summary"`
	Files       []string `json:"files"`
	Stats       struct {
		Creates int `json:"creates"`
		Modifies int `json:"modifies"`
		Deletes int `json:"deletes"`
	} `json:"stats"`
}

func (m *Manager) persistProposal(p *Proposal) error {
	var rawDiff strings.Builder
	man := manifest{ProposalID: p.ProposalID, Description: p.Description}
	for _, e := range p.Entries {
		man.Files = append(man.Files, e.Path)
		switch e.Operation {
		case OpCreate:
			man.Stats.Creates++
			rawDiff.WriteString(RenderUnifiedDiff(e.Path, "", e.NewContent))
		case OpModify:
			man.Stats.Modifies++
			old := ""
			if content, err := m.fs.ReadFile(e.Path); err == nil {
				old = string(content)
			}
			rawDiff.WriteString(RenderUnifiedDiff(e.Path, old, e.NewContent))
		case OpDelete:
			man.Stats.Deletes++
			old := ""
			if content, err := m.fs.ReadFile(e.Path); err == nil {
				old = string(content)
			}
			rawDiff.WriteString(RenderUnifiedDiff(e.Path, old, ""))
		}
	}

	base := filepath.Join(m.evidenceDir, p.ProposalID)
	if err := os.WriteFile(base+".diff", []byte(rawDiff.String()), 0o644); err != nil {
		return fmt.Errorf("diffmgr: write %s.diff: %w", p.ProposalID, err)
	}
	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("diffmgr: marshal manifest: %w", err)
	}
	if err := os.WriteFile(base+".manifest.json", manData, 0o644); err != nil {
		return fmt.Errorf("diffmgr: write %s.manifest.json: %w", p.ProposalID, err)
	}
	return nil
}

type applyRecord struct {
	ProposalID string            `json:"proposal_id"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	BeforeHash map[string]string `json:"before_hash"`
	AfterHash  map[string]string `json:"after_hash"`
}

// ApplyDiff runs the full sequence required by spec §4.9: (1) re-check
// staleness for every modify entry; (2) create an auxiliary pre-apply
// checkpoint; (3) write each entry in order; (4) on any per-entry
// failure, restore the pre-apply checkpoint and report failure; (5) on
// success, persist an apply evidence record and emit diff_applied.
func (m *Manager) ApplyDiff(proposalID string) error {
	m.mu.Lock()
	p, ok := m.proposals[proposalID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("diffmgr: unknown proposal %s", proposalID)
	}

	modifyPaths := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Operation == OpModify {
			modifyPaths = append(modifyPaths, e.Path)
		}
	}
	if len(modifyPaths) > 0 {
		stale, err := m.snapshots.CheckStaleness(p.TaskID, p.Mode, p.Stage, modifyPaths)
		if err != nil {
			return fmt.Errorf("diffmgr: staleness check: %w", err)
		}
		for _, s := range stale {
			if s.Stale {
				return fmt.Errorf("%w: %s", ErrStaleContext, s.FilePath)
			}
		}
	}
	for _, e := range p.Entries {
		if e.Operation != OpModify {
			continue
		}
		if content, err := m.fs.ReadFile(e.Path); err != nil || hashOf(content) != e.PreHash {
			_, _ = m.bus.Publish(eventlog.Event{
				EventID: uuid.NewString(), TaskID: p.TaskID, Timestamp: time.Now().UTC(),
				Type: eventlog.TypeStaleContextDetected, Mode: p.Mode, Stage: p.Stage,
				Payload: map[string]any{"file_path": e.Path},
			})
			return fmt.Errorf("%w: %s", ErrStaleContext, e.Path)
		}
	}

	scope := make([]string, len(p.Entries))
	beforeHash := make(map[string]string, len(p.Entries))
	for i, e := range p.Entries {
		scope[i] = e.Path
		if content, err := m.fs.ReadFile(e.Path); err == nil {
			beforeHash[e.Path] = hashOf(content)
		}
	}

	preApplyID, err := m.checkpoints.CreateCheckpoint(p.TaskID, p.Mode, p.Stage, "pre-apply: "+p.Description, scope, checkpoint.MethodSnapshot)
	if err != nil {
		return fmt.Errorf("diffmgr: pre-apply checkpoint: %w", err)
	}

	applyErr := m.applyEntries(p)
	if applyErr != nil {
		if restoreErr := m.checkpoints.RestoreCheckpoint(p.TaskID, p.Mode, p.Stage, preApplyID); restoreErr != nil {
			return fmt.Errorf("diffmgr: apply failed (%v) and rollback failed: %w", applyErr, restoreErr)
		}
		_ = m.writeApplyRecord(p.ProposalID, applyRecord{ProposalID: p.ProposalID, Success: false, Error: applyErr.Error(), BeforeHash: beforeHash})
		return fmt.Errorf("diffmgr: apply failed, rolled back: %w", applyErr)
	}

	afterHash := make(map[string]string, len(p.Entries))
	for _, e := range p.Entries {
		if e.Operation == OpDelete {
			continue
		}
		if content, err := m.fs.ReadFile(e.Path); err == nil {
			afterHash[e.Path] = hashOf(content)
		}
		m.snapshots.Invalidate(e.Path)
	}

	if err := m.writeApplyRecord(p.ProposalID, applyRecord{ProposalID: p.ProposalID, Success: true, BeforeHash: beforeHash, AfterHash: afterHash}); err != nil {
		return err
	}

	_, err = m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    p.TaskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeDiffApplied,
		Mode:      p.Mode,
		Stage:     p.Stage,
		Payload:   map[string]any{"proposal_id": p.ProposalID},
	})
	return err
}

func (m *Manager) applyEntries(p *Proposal) error {
	for _, e := range p.Entries {
		switch e.Operation {
		case OpCreate, OpModify:
			if err := m.fs.WriteFile(e.Path, []byte(e.NewContent)); err != nil {
				return fmt.Errorf("write %s: %w", e.Path, err)
			}
		case OpDelete:
			if err := m.fs.Remove(e.Path); err != nil {
				return fmt.Errorf("delete %s: %w", e.Path, err)
			}
		}
	}
	return nil
}

func (m *Manager) writeApplyRecord(proposalID string, rec applyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("diffmgr: marshal apply record: %w", err)
	}
	path := filepath.Join(m.evidenceDir, proposalID+".apply.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("diffmgr: write apply record: %w", err)
	}
	return nil
}
