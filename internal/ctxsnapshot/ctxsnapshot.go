// Package ctxsnapshot implements the context snapshot / staleness
// detector used to guard diff application against concurrent file
// changes (spec §4.10).
package ctxsnapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// LineRange is an inclusive [Start, End] 1-indexed line span.
type LineRange struct {
	Start int
	End   int
}

// Snapshot is one tracked excerpt of a file (spec §3).
type Snapshot struct {
	FilePath    string
	LineRange   LineRange
	ContentHash string
	Mtime       time.Time
	SnapshotTS  time.Time
}

// FS is the minimal read surface the manager needs.
type FS interface {
	ReadFile(path string) ([]byte, error)
	ModTime(path string) (time.Time, error)
}

// Manager tracks context snapshots for staleness detection.
type Manager struct {
	fs  FS
	bus *eventbus.Bus

	mu        sync.Mutex
	snapshots map[string]*Snapshot // keyed by FilePath
}

// New builds a Manager.
func New(fs FS, bus *eventbus.Bus) *Manager {
	return &Manager{fs: fs, bus: bus, snapshots: make(map[string]*Snapshot)}
}

func sliceLines(content []byte, r LineRange) string {
	lines := strings.Split(string(content), "\n")
	start := r.Start - 1
	if start < 0 {
		start = 0
	}
	end := r.End
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CreateSnapshot reads filePath, slices lineRange, and records its
// SHA-256 hash and mtime. Emits context_snapshot_created.
func (m *Manager) CreateSnapshot(taskID string, mode eventlog.Mode, stage eventlog.Stage, filePath string, lineRange LineRange) (Snapshot, error) {
	content, err := m.fs.ReadFile(filePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ctxsnapshot: read %s: %w", filePath, err)
	}
	mtime, err := m.fs.ModTime(filePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ctxsnapshot: mtime %s: %w", filePath, err)
	}

	snap := Snapshot{
		FilePath:    filePath,
		LineRange:   lineRange,
		ContentHash: hashOf(sliceLines(content, lineRange)),
		Mtime:       mtime,
		SnapshotTS:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.snapshots[filePath] = &snap
	m.mu.Unlock()

	_, err = m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeContextSnapshotCreated,
		Mode:      mode,
		Stage:     stage,
		Payload: map[string]any{
			"file_path":  filePath,
			"line_start": lineRange.Start,
			"line_end":   lineRange.End,
		},
	})
	return snap, err
}

// StaleResult reports whether a tracked file has changed since its
// snapshot.
type StaleResult struct {
	FilePath string
	Stale    bool
	Deleted  bool
}

// CheckStaleness compares mtime for each tracked file in paths (or all
// tracked files if paths is empty); if mtime changed, re-reads and
// compares content hash over the same line range. Emits
// stale_context_detected for every stale file found.
func (m *Manager) CheckStaleness(taskID string, mode eventlog.Mode, stage eventlog.Stage, paths []string) ([]StaleResult, error) {
	m.mu.Lock()
	var targets []*Snapshot
	if len(paths) == 0 {
		for _, s := range m.snapshots {
			targets = append(targets, s)
		}
	} else {
		for _, p := range paths {
			if s, ok := m.snapshots[p]; ok {
				targets = append(targets, s)
			}
		}
	}
	m.mu.Unlock()

	var results []StaleResult
	for _, snap := range targets {
		res, err := m.checkOne(snap)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		if res.Stale {
			if _, err := m.bus.Publish(eventlog.Event{
				EventID:   uuid.NewString(),
				TaskID:    taskID,
				Timestamp: time.Now().UTC(),
				Type:      eventlog.TypeStaleContextDetected,
				Mode:      mode,
				Stage:     stage,
				Payload:   map[string]any{"file_path": snap.FilePath, "deleted": res.Deleted},
			}); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

func (m *Manager) checkOne(snap *Snapshot) (StaleResult, error) {
	mtime, err := m.fs.ModTime(snap.FilePath)
	if err != nil {
		return StaleResult{FilePath: snap.FilePath, Stale: true, Deleted: true}, nil
	}
	if mtime.Equal(snap.Mtime) {
		return StaleResult{FilePath: snap.FilePath}, nil
	}

	content, err := m.fs.ReadFile(snap.FilePath)
	if err != nil {
		return StaleResult{FilePath: snap.FilePath, Stale: true, Deleted: true}, nil
	}
	newHash := hashOf(sliceLines(content, snap.LineRange))
	return StaleResult{FilePath: snap.FilePath, Stale: newHash != snap.ContentHash}, nil
}

// Invalidate drops a tracked snapshot (e.g. after a successful apply).
func (m *Manager) Invalidate(filePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, filePath)
}

// Get returns the currently tracked snapshot for filePath, if any.
func (m *Manager) Get(filePath string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[filePath]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}
