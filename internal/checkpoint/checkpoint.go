// Package checkpoint implements checkpoint creation and restoration
// (spec §4.8): a snapshot method (in-memory + on-disk byte capture)
// and a git method (commit SHA + stash ref), both fully implemented.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// Method is the restore strategy recorded on a Checkpoint.
type Method string

const (
	MethodSnapshot Method = "snapshot"
	MethodGit      Method = "git"
)

// ErrRestoreFailed is returned when restoring any single file of a
// checkpoint fails; per spec §4.8 this is fatal for the whole restore.
var ErrRestoreFailed = errors.New("checkpoint: restore failed")

// ErrNotFound is returned when a checkpoint id is unknown.
var ErrNotFound = errors.New("checkpoint: not found")

// FileSnapshot is one file's captured bytes at checkpoint time.
type FileSnapshot struct {
	FilePath string `json:"filepath"`
	Content  []byte `json:"content"`
}

// Checkpoint is the metadata + payload for one checkpoint (spec §3).
type Checkpoint struct {
	CheckpointID    string         `json:"checkpoint_id"`
	CreatedAt       time.Time      `json:"created_at"`
	AssociatedEvent string         `json:"associated_event_id"`
	RestoreMethod   Method         `json:"restore_method"`
	Scope           []string       `json:"scope"`
	Description     string         `json:"description"`

	// Snapshot-method payload.
	Files []FileSnapshot `json:"files,omitempty"`

	// Git-method payload.
	CommitSHA string `json:"commit_sha,omitempty"`
	StashRef  string `json:"stash_ref,omitempty"`
}

// registry is the on-disk checkpoints.json shape (spec §6).
type registry struct {
	Checkpoints []checkpointMeta `json:"checkpoints"`
	ActiveID    string           `json:"active_checkpoint_id"`
}

type checkpointMeta struct {
	CheckpointID    string    `json:"checkpoint_id"`
	CreatedAt       time.Time `json:"created_at"`
	AssociatedEvent string    `json:"associated_event_id"`
	RestoreMethod   Method    `json:"restore_method"`
	Scope           []string  `json:"scope"`
	Description     string    `json:"description"`
}

// FS is the minimal file-system surface the manager needs; satisfied
// by pkg/fsadapter in production and a fake in tests.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, content []byte) error
	Exists(path string) bool
}

// GitRunner runs the handful of git subcommands the git-method
// checkpoint needs, isolated behind an interface so tests don't shell
// out (grounded on the teacher's internal/worktree.Manager, which
// wraps every git invocation in a narrow method of its own).
type GitRunner interface {
	CurrentSHA() (string, error)
	StashSave(message string) (ref string, hadChanges bool, err error)
	ResetHard(sha string) error
	StashPop(ref string) error
}

// Manager creates and restores checkpoints for a workspace rooted at
// dir, with its registry persisted under dir.
type Manager struct {
	dir string
	fs  FS
	git GitRunner
	bus *eventbus.Bus

	mu       sync.Mutex
	inMemory map[string]*Checkpoint // checkpoint_id -> payload, one-active semantics per task
	activeID map[string]string      // task_id -> active checkpoint_id
}

// New builds a Manager. git may be nil if the git restore method will
// never be used.
func New(dir string, fs FS, git GitRunner, bus *eventbus.Bus) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	return &Manager{
		dir:      dir,
		fs:       fs,
		git:      git,
		bus:      bus,
		inMemory: make(map[string]*Checkpoint),
		activeID: make(map[string]string),
	}, nil
}

func (m *Manager) registryPath() string { return filepath.Join(m.dir, "checkpoints.json") }

func (m *Manager) checkpointPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) loadRegistry() (registry, error) {
	data, err := os.ReadFile(m.registryPath())
	if errors.Is(err, os.ErrNotExist) {
		return registry{}, nil
	}
	if err != nil {
		return registry{}, fmt.Errorf("checkpoint: read registry: %w", err)
	}
	var reg registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return registry{}, fmt.Errorf("checkpoint: parse registry: %w", err)
	}
	return reg, nil
}

func (m *Manager) saveRegistry(reg registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal registry: %w", err)
	}
	return os.WriteFile(m.registryPath(), data, 0o644)
}

// CreateCheckpoint creates a new checkpoint over scope (the set of
// file paths relevant to an upcoming irreversible action), using
// method (default snapshot). It persists metadata and payload to
// disk, keeps the payload in memory, emits checkpoint_created, and
// returns the id.
func (m *Manager) CreateCheckpoint(taskID string, mode eventlog.Mode, stage eventlog.Stage, description string, scope []string, method Method) (string, error) {
	if method == "" {
		method = MethodSnapshot
	}

	cp := &Checkpoint{
		CheckpointID:  uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		RestoreMethod: method,
		Scope:         scope,
		Description:   description,
	}

	switch method {
	case MethodSnapshot:
		for _, path := range scope {
			if !m.fs.Exists(path) {
				continue
			}
			content, err := m.fs.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("checkpoint: read %s: %w", path, err)
			}
			cp.Files = append(cp.Files, FileSnapshot{FilePath: path, Content: content})
		}
	case MethodGit:
		if m.git == nil {
			return "", fmt.Errorf("checkpoint: git method requested but no GitRunner configured")
		}
		sha, err := m.git.CurrentSHA()
		if err != nil {
			return "", fmt.Errorf("checkpoint: current sha: %w", err)
		}
		ref, hadChanges, err := m.git.StashSave(fmt.Sprintf("checkpoint %s", cp.CheckpointID))
		if err != nil {
			return "", fmt.Errorf("checkpoint: stash: %w", err)
		}
		cp.CommitSHA = sha
		if hadChanges {
			cp.StashRef = ref
		}
	default:
		return "", fmt.Errorf("checkpoint: unknown restore method %q", method)
	}

	if err := m.persist(cp); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.inMemory[cp.CheckpointID] = cp
	m.activeID[taskID] = cp.CheckpointID
	m.mu.Unlock()

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeCheckpointCreated,
		Mode:      mode,
		Stage:     stage,
		Payload: map[string]any{
			"checkpoint_id":  cp.CheckpointID,
			"restore_method": string(method),
			"scope":          scope,
		},
	})
	if err != nil {
		return "", err
	}
	return cp.CheckpointID, nil
}

func (m *Manager) persist(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := os.WriteFile(m.checkpointPath(cp.CheckpointID), data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	reg, err := m.loadRegistry()
	if err != nil {
		return err
	}
	reg.Checkpoints = append(reg.Checkpoints, checkpointMeta{
		CheckpointID:    cp.CheckpointID,
		CreatedAt:       cp.CreatedAt,
		AssociatedEvent: cp.AssociatedEvent,
		RestoreMethod:   cp.RestoreMethod,
		Scope:           cp.Scope,
		Description:     cp.Description,
	})
	reg.ActiveID = cp.CheckpointID
	return m.saveRegistry(reg)
}

func (m *Manager) load(checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	if cp, ok := m.inMemory[checkpointID]; ok {
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	data, err := os.ReadFile(m.checkpointPath(checkpointID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", checkpointID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", checkpointID, err)
	}

	m.mu.Lock()
	m.inMemory[checkpointID] = &cp
	m.mu.Unlock()
	return &cp, nil
}

// RestoreCheckpoint restores checkpointID; for snapshot, writes every
// recorded file's bytes verbatim (deterministic — property P5); for
// git, resets to the recorded SHA and pops the stash if one was taken.
// Failure on any single file is fatal.
func (m *Manager) RestoreCheckpoint(taskID string, mode eventlog.Mode, stage eventlog.Stage, checkpointID string) error {
	cp, err := m.load(checkpointID)
	if err != nil {
		return err
	}

	switch cp.RestoreMethod {
	case MethodSnapshot:
		for _, f := range cp.Files {
			if dir := filepath.Dir(f.FilePath); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("%w: mkdir %s: %v", ErrRestoreFailed, dir, err)
				}
			}
			if err := m.fs.WriteFile(f.FilePath, f.Content); err != nil {
				return fmt.Errorf("%w: write %s: %v", ErrRestoreFailed, f.FilePath, err)
			}
		}
	case MethodGit:
		if m.git == nil {
			return fmt.Errorf("%w: git method but no GitRunner configured", ErrRestoreFailed)
		}
		if err := m.git.ResetHard(cp.CommitSHA); err != nil {
			return fmt.Errorf("%w: reset to %s: %v", ErrRestoreFailed, cp.CommitSHA, err)
		}
		if cp.StashRef != "" {
			if err := m.git.StashPop(cp.StashRef); err != nil {
				return fmt.Errorf("%w: pop stash %s: %v", ErrRestoreFailed, cp.StashRef, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown restore method %q", ErrRestoreFailed, cp.RestoreMethod)
	}

	_, err = m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeCheckpointRestored,
		Mode:      mode,
		Stage:     stage,
		Payload:   map[string]any{"checkpoint_id": checkpointID},
	})
	return err
}

// ActiveCheckpoint returns the most recently created checkpoint id for
// taskID, per the single-active-checkpoint semantics preserved in
// DESIGN.md (spec §9 open question).
func (m *Manager) ActiveCheckpoint(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeID[taskID]
	return id, ok
}
