// Package autonomy implements the bounded-autonomy controller (A1):
// a precondition-gated state machine that runs mission iterations
// under iteration/wall-time/tool-call budgets, checkpointing before
// every iteration body (spec §4.12). Grounded on the teacher's
// internal/agentctl supervisor loop (precondition gate, budget
// tracking, pause/resume/halt transitions over a running task),
// generalized to the spec's exact state machine and event set.
package autonomy

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/checkpoint"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// ErrPreconditionsNotMet is the sentinel wrapped by every
// MissingPreconditionsError, so callers can check with errors.Is
// without caring which preconditions failed, while callers that want
// the full list can still errors.As to *MissingPreconditionsError.
var ErrPreconditionsNotMet = errors.New("autonomy: preconditions not met")

// State is one state of the A1 state machine (spec §4.12).
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StatePaused          State = "paused"
	StateCompleted       State = "completed"
	StateHalted          State = "halted"
	StateBudgetExhausted State = "budget_exhausted"
)

// terminal reports whether s is an absorbing terminal state.
func terminal(s State) bool {
	return s == StateCompleted || s == StateHalted || s == StateBudgetExhausted
}

// Budgets bounds one autonomy run (spec §4.12).
type Budgets struct {
	MaxIterations int
	MaxWallTime   time.Duration
	MaxToolCalls  int
}

// Preconditions is the checklist `start` validates before any state
// mutation (spec §4.12).
type Preconditions struct {
	ModeIsMission     bool
	PlanApproved      bool
	ToolsApproved     bool
	Budgets           Budgets
	CheckpointCapable bool
}

// MissingPreconditionsError enumerates every failed precondition so
// the caller can report all of them at once, not just the first.
type MissingPreconditionsError struct {
	Missing []string
}

func (e *MissingPreconditionsError) Error() string {
	return fmt.Sprintf("autonomy: preconditions not met: %s", strings.Join(e.Missing, ", "))
}

func (e *MissingPreconditionsError) Unwrap() error {
	return ErrPreconditionsNotMet
}

func (pre Preconditions) missing() []string {
	var miss []string
	if !pre.ModeIsMission {
		miss = append(miss, "mode is not MISSION")
	}
	if !pre.PlanApproved {
		miss = append(miss, "plan not approved")
	}
	if !pre.ToolsApproved {
		miss = append(miss, "tools not approved")
	}
	if pre.Budgets.MaxIterations <= 0 {
		miss = append(miss, "iteration budget not positive")
	}
	if !pre.CheckpointCapable {
		miss = append(miss, "checkpoint capability not present")
	}
	return miss
}

// BudgetsRemaining is the snapshot returned by GetBudgetsRemaining.
type BudgetsRemaining struct {
	IterationsRemaining int
	ToolCallsRemaining  int
	WallTimeRemaining   time.Duration
}

// ExhaustedDimension names which budget tripped (spec §4.12 step 2).
type ExhaustedDimension string

const (
	ExhaustedIterations ExhaustedDimension = "max_iterations"
	ExhaustedWallTime   ExhaustedDimension = "max_wall_time"
	ExhaustedToolCalls  ExhaustedDimension = "max_tool_calls"
)

type session struct {
	state     State
	budgets   Budgets
	scope     []string
	iteration int
	toolCalls int
	startedAt time.Time
}

// Manager runs the A1 state machine per task. It implements
// modestate.AutonomyHalter so a mode change away from MISSION halts
// any running autonomy automatically.
type Manager struct {
	bus         *eventbus.Bus
	checkpoints *checkpoint.Manager

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Manager.
func New(bus *eventbus.Bus, checkpoints *checkpoint.Manager) *Manager {
	return &Manager{bus: bus, checkpoints: checkpoints, sessions: make(map[string]*session)}
}

// State returns the current state for taskID (StateIdle if unknown).
func (m *Manager) State(taskID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return StateIdle
	}
	return s.state
}

// Start validates every precondition, and only on full success begins
// a run: state -> running, counters reset, start time recorded,
// autonomy_started emitted with the budget snapshot (spec §4.12).
func (m *Manager) Start(taskID string, mode eventlog.Mode, stage eventlog.Stage, pre Preconditions, scope []string) error {
	if miss := pre.missing(); len(miss) > 0 {
		return &MissingPreconditionsError{Missing: miss}
	}

	m.mu.Lock()
	m.sessions[taskID] = &session{
		state:     StateRunning,
		budgets:   pre.Budgets,
		scope:     scope,
		startedAt: time.Now(),
	}
	m.mu.Unlock()

	return m.emit(taskID, mode, stage, eventlog.TypeAutonomyStarted, map[string]any{
		"max_iterations": pre.Budgets.MaxIterations,
		"max_tool_calls": pre.Budgets.MaxToolCalls,
		"max_wall_time_seconds": pre.Budgets.MaxWallTime.Seconds(),
	})
}

// budgetsExceeded checks every dimension and returns the first
// exhausted one, if any.
func (s *session) budgetsExceeded() (ExhaustedDimension, bool) {
	if s.budgets.MaxIterations > 0 && s.iteration >= s.budgets.MaxIterations {
		return ExhaustedIterations, true
	}
	if s.budgets.MaxWallTime > 0 && time.Since(s.startedAt) >= s.budgets.MaxWallTime {
		return ExhaustedWallTime, true
	}
	if s.budgets.MaxToolCalls > 0 && s.toolCalls >= s.budgets.MaxToolCalls {
		return ExhaustedToolCalls, true
	}
	return "", false
}

func (s *session) remaining() BudgetsRemaining {
	r := BudgetsRemaining{
		IterationsRemaining: s.budgets.MaxIterations - s.iteration,
		ToolCallsRemaining:  s.budgets.MaxToolCalls - s.toolCalls,
	}
	if s.budgets.MaxWallTime > 0 {
		r.WallTimeRemaining = s.budgets.MaxWallTime - time.Since(s.startedAt)
	}
	return r
}

// ExecuteIteration runs one bounded iteration (spec §4.12
// execute_iteration): budget check, checkpoint, iteration_started,
// callback, iteration_succeeded/iteration_failed. Returns whether the
// caller should retry (only true on a failed iteration with budget
// still remaining).
func (m *Manager) ExecuteIteration(taskID string, mode eventlog.Mode, stage eventlog.Stage, callback func() error) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || s.state != StateRunning {
		m.mu.Unlock()
		return false, nil
	}

	if dim, exhausted := s.budgetsExceeded(); exhausted {
		s.state = StateBudgetExhausted
		m.mu.Unlock()
		_ = m.emit(taskID, mode, stage, eventlog.TypeBudgetExhausted, map[string]any{"dimension": string(dim)})
		return false, nil
	}

	s.iteration++
	remaining := s.remaining()
	scope := s.scope
	m.mu.Unlock()

	if _, err := m.checkpoints.CreateCheckpoint(taskID, mode, stage, "autonomy iteration checkpoint", scope, checkpoint.MethodSnapshot); err != nil {
		return false, fmt.Errorf("autonomy: mandatory checkpoint failed: %w", err)
	}

	if err := m.emit(taskID, mode, stage, eventlog.TypeIterationStarted, map[string]any{
		"iterations_remaining": remaining.IterationsRemaining,
		"tool_calls_remaining": remaining.ToolCallsRemaining,
	}); err != nil {
		return false, err
	}

	err := callback()
	if err == nil {
		_ = m.emit(taskID, mode, stage, eventlog.TypeIterationSucceeded, nil)
		return false, nil
	}

	_ = m.emit(taskID, mode, stage, eventlog.TypeIterationFailed, map[string]any{"error": err.Error()})

	m.mu.Lock()
	_, stillExhausted := s.budgetsExceeded()
	stillRunning := s.state == StateRunning
	m.mu.Unlock()

	return stillRunning && !stillExhausted, nil
}

// AttemptRepair emits repair_attempted with the failure reason and
// invokes repairFn (spec §4.12 attempt_repair).
func (m *Manager) AttemptRepair(taskID string, mode eventlog.Mode, stage eventlog.Stage, failureReason string, repairFn func() error) error {
	if err := m.emit(taskID, mode, stage, eventlog.TypeRepairAttempted, map[string]any{"reason": failureReason}); err != nil {
		return err
	}
	return repairFn()
}

// IncrementToolCalls adds n to taskID's tool-call counter.
func (m *Manager) IncrementToolCalls(taskID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[taskID]; ok {
		s.toolCalls += n
	}
}

// GetBudgetsRemaining returns the current remaining-budget snapshot.
func (m *Manager) GetBudgetsRemaining(taskID string) BudgetsRemaining {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[taskID]
	if !ok {
		return BudgetsRemaining{}
	}
	return s.remaining()
}

// Pause moves a running session to paused, emitting execution_paused.
func (m *Manager) Pause(taskID string, mode eventlog.Mode, stage eventlog.Stage) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || s.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	s.state = StatePaused
	m.mu.Unlock()
	return m.emit(taskID, mode, stage, eventlog.TypeExecutionPaused, nil)
}

// Resume moves a paused session back to running, emitting
// execution_resumed.
func (m *Manager) Resume(taskID string, mode eventlog.Mode, stage eventlog.Stage) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || s.state != StatePaused {
		m.mu.Unlock()
		return nil
	}
	s.state = StateRunning
	m.mu.Unlock()
	return m.emit(taskID, mode, stage, eventlog.TypeExecutionResumed, nil)
}

// Halt is idempotent: it is a no-op once the session is already in a
// terminal state, and otherwise moves it to halted and emits
// autonomy_halted (spec §4.12; also the automatic action taken by
// modestate on any mode change away from MISSION via
// HaltIfRunning).
func (m *Manager) Halt(taskID string, mode eventlog.Mode, stage eventlog.Stage) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || terminal(s.state) {
		m.mu.Unlock()
		return nil
	}
	s.state = StateHalted
	m.mu.Unlock()
	return m.emit(taskID, mode, stage, eventlog.TypeAutonomyHalted, nil)
}

// HaltIfRunning implements modestate.AutonomyHalter: it halts
// taskID's autonomy run, using whatever mode/stage the session last
// observed is irrelevant here since the event itself records the new
// mode transition elsewhere; this call only needs to stop the loop.
func (m *Manager) HaltIfRunning(taskID string) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || terminal(s.state) {
		m.mu.Unlock()
		return nil
	}
	s.state = StateHalted
	m.mu.Unlock()
	return m.emit(taskID, eventlog.ModeAnswer, eventlog.StageNone, eventlog.TypeAutonomyHalted, nil)
}

// Complete moves a running or paused session to completed, emitting
// autonomy_completed.
func (m *Manager) Complete(taskID string, mode eventlog.Mode, stage eventlog.Stage) error {
	m.mu.Lock()
	s, ok := m.sessions[taskID]
	if !ok || terminal(s.state) {
		m.mu.Unlock()
		return nil
	}
	s.state = StateCompleted
	m.mu.Unlock()
	return m.emit(taskID, mode, stage, eventlog.TypeAutonomyCompleted, nil)
}

func (m *Manager) emit(taskID string, mode eventlog.Mode, stage eventlog.Stage, typ eventlog.Type, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Mode:      mode,
		Stage:     stage,
		Payload:   payload,
	})
	return err
}
