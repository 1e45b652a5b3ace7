// Package modestate tracks the current (mode, stage) pair for every
// task and enforces the mode/stage transition rules (spec §4.3),
// publishing mode_set/stage_changed events through the shared bus.
package modestate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// ErrInvalidModeTransition is returned when set_mode is asked to move
// to a mode not reachable from the current one.
var ErrInvalidModeTransition = errors.New("modestate: invalid mode transition")

// ErrInvalidStageTransition is returned when set_stage is asked to
// jump to a stage that isn't a linear successor, done, or intent.
var ErrInvalidStageTransition = errors.New("modestate: invalid stage transition")

// AutonomyHalter is implemented by the autonomy controller so the mode
// manager can halt a running controller when a mission-mode task is
// switched away from MISSION (spec §4.3 transition table).
type AutonomyHalter interface {
	HaltIfRunning(taskID string) error
}

// current holds one task's live (mode, stage) pair.
type current struct {
	mode  eventlog.Mode
	stage eventlog.Stage
}

// Manager is the in-process mode/stage state machine. One Manager is
// shared across all tasks; state is keyed by task_id.
type Manager struct {
	bus     *eventbus.Bus
	halter  AutonomyHalter
	mu      sync.Mutex
	current map[string]current
}

// New builds a Manager. halter may be nil if autonomy halting is not
// wired (e.g. in tests exercising modestate alone).
func New(bus *eventbus.Bus, halter AutonomyHalter) *Manager {
	return &Manager{bus: bus, halter: halter, current: make(map[string]current)}
}

// stageOrder is the linear progression stages move through; every
// stage's index is its position here except done and intent, which
// are reachable from anywhere (spec §4.3).
var stageOrder = []eventlog.Stage{
	eventlog.StageIntent,
	eventlog.StagePlan,
	eventlog.StageRetrieve,
	eventlog.StageEdit,
	eventlog.StageVerify,
	eventlog.StageRepair,
}

func stageIndex(s eventlog.Stage) (int, bool) {
	for i, v := range stageOrder {
		if v == s {
			return i, true
		}
	}
	return -1, false
}

// Current returns the current (mode, stage) for taskID. Unknown tasks
// default to (ANSWER, none).
func (m *Manager) Current(taskID string) (eventlog.Mode, eventlog.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.current[taskID]
	if !ok {
		return eventlog.ModeAnswer, eventlog.StageNone
	}
	return c.mode, c.stage
}

// SetMode transitions taskID to newMode, emitting mode_set with the
// before/after value. Moving away from MISSION halts a running
// autonomy controller for that task, if one is wired and running.
func (m *Manager) SetMode(taskID string, newMode eventlog.Mode) error {
	m.mu.Lock()
	c, ok := m.current[taskID]
	if !ok {
		c = current{mode: eventlog.ModeAnswer, stage: eventlog.StageNone}
	}
	before := c.mode

	if before == newMode {
		m.mu.Unlock()
		return nil // no-op transition, spec table row 1
	}
	if !modeTransitionAllowed(before, newMode) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidModeTransition, before, newMode)
	}

	c.mode = newMode
	m.current[taskID] = c
	m.mu.Unlock()

	if before == eventlog.ModeMission && m.halter != nil {
		if err := m.halter.HaltIfRunning(taskID); err != nil {
			return fmt.Errorf("modestate: halt autonomy on mode exit: %w", err)
		}
	}

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeModeSet,
		Mode:      newMode,
		Stage:     c.stage,
		Payload:   map[string]any{"before": string(before), "after": string(newMode)},
	})
	return err
}

func modeTransitionAllowed(from, to eventlog.Mode) bool {
	if from == to {
		return true
	}
	if from == eventlog.ModeMission {
		return to == eventlog.ModeAnswer || to == eventlog.ModePlan
	}
	// ANSWER, PLAN -> any
	return true
}

// SetStage transitions taskID to newStage, emitting stage_changed with
// the before/after value. Stage transitions are linear except for
// jumps to done (always allowed) and intent (mission reset, always
// allowed).
func (m *Manager) SetStage(taskID string, newStage eventlog.Stage) error {
	m.mu.Lock()
	c, ok := m.current[taskID]
	if !ok {
		c = current{mode: eventlog.ModeAnswer, stage: eventlog.StageNone}
	}
	before := c.stage

	if before == newStage {
		m.mu.Unlock()
		return nil
	}
	if !stageTransitionAllowed(before, newStage) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, before, newStage)
	}

	c.stage = newStage
	m.current[taskID] = c
	mode := c.mode
	m.mu.Unlock()

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeStageChanged,
		Mode:      mode,
		Stage:     newStage,
		Payload:   map[string]any{"before": string(before), "after": string(newStage)},
	})
	return err
}

func stageTransitionAllowed(from, to eventlog.Stage) bool {
	if to == eventlog.StageDone || to == eventlog.StageIntent {
		return true
	}
	fromIdx, fromOK := stageIndex(from)
	toIdx, toOK := stageIndex(to)
	if !fromOK || !toOK {
		return false
	}
	if to == eventlog.StageEdit && from == eventlog.StageRepair {
		return true // repair -> edit loop-back, spec §4.3
	}
	return toIdx == fromIdx+1
}
