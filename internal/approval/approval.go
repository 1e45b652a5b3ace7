// Package approval implements the approval manager (spec §4.7): a
// request parks a pending record and returns a future that resolves
// only when resolve or deny is called for its id.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

// Status is the lifecycle state of an approval request (spec §3).
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusEditRequested Status = "edit_requested"
)

// Scope controls whether a resolution applies once or to every future
// request of the same kind (spec §3); the manager records it but
// leaves enforcement of "always" to the caller that consults it.
type Scope string

const (
	ScopeOnce   Scope = "once"
	ScopeAlways Scope = "always"
)

// Request is one approval record.
type Request struct {
	ApprovalID      string
	TaskID          string
	Mode            eventlog.Mode
	Stage           eventlog.Stage
	ApprovalType    string
	Description     string
	Details         map[string]any
	Status          Status
	Scope           Scope
	ModifiedDetails map[string]any
}

// Resolution is the outcome delivered through a Future.
type Resolution struct {
	Decision        Status
	Scope           Scope
	ModifiedDetails map[string]any
}

// Future resolves exactly once, when the approval is resolved or
// denied. Wait blocks until resolution and takes no context; Done
// exposes the same signal as a channel for select-based waiting.
type Future struct {
	done chan struct{}
	once sync.Once
	res  Resolution
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the future resolves, returning the resolution.
func (f *Future) Wait() Resolution {
	<-f.done
	return f.res
}

// Done returns a channel closed when the future resolves, for
// select-based waiting.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(res Resolution) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

// Manager tracks pending and resolved approval requests across tasks.
type Manager struct {
	bus *eventbus.Bus

	mu       sync.Mutex
	requests map[string]*Request
	futures  map[string]*Future
}

// New builds an approval Manager.
func New(bus *eventbus.Bus) *Manager {
	return &Manager{
		bus:      bus,
		requests: make(map[string]*Request),
		futures:  make(map[string]*Future),
	}
}

// RequestApproval parks a new pending approval and emits
// approval_requested with a fresh id. The returned Future resolves
// only via Resolve/Deny for that id.
func (m *Manager) RequestApproval(taskID string, mode eventlog.Mode, stage eventlog.Stage, approvalType, description string, details map[string]any) (*Future, string, error) {
	id := uuid.NewString()
	req := &Request{
		ApprovalID:   id,
		TaskID:       taskID,
		Mode:         mode,
		Stage:        stage,
		ApprovalType: approvalType,
		Description:  description,
		Details:      details,
		Status:       StatusPending,
	}
	future := newFuture()

	m.mu.Lock()
	m.requests[id] = req
	m.futures[id] = future
	m.mu.Unlock()

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeApprovalRequested,
		Mode:      mode,
		Stage:     stage,
		Payload: map[string]any{
			"approval_id":   id,
			"approval_type": approvalType,
			"description":   description,
		},
	})
	if err != nil {
		return nil, "", err
	}
	return future, id, nil
}

// Resolve resolves approvalID with decision (approved/denied/edit_requested),
// an optional scope, and optional modifiedDetails; emits
// approval_resolved and fulfills the future. A missing or
// already-resolved id is a no-op (idempotent).
func (m *Manager) Resolve(approvalID string, decision Status, scope Scope, modifiedDetails map[string]any) error {
	m.mu.Lock()
	req, ok := m.requests[approvalID]
	if !ok || req.Status != StatusPending {
		m.mu.Unlock()
		return nil // idempotent no-op
	}
	req.Status = decision
	req.Scope = scope
	req.ModifiedDetails = modifiedDetails
	future := m.futures[approvalID]
	m.mu.Unlock()

	future.resolve(Resolution{Decision: decision, Scope: scope, ModifiedDetails: modifiedDetails})

	_, err := m.bus.Publish(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    req.TaskID,
		Timestamp: time.Now().UTC(),
		Type:      eventlog.TypeApprovalResolved,
		Mode:      req.Mode,
		Stage:     req.Stage,
		Payload: map[string]any{
			"approval_id": approvalID,
			"decision":    string(decision),
			"scope":       string(scope),
		},
	})
	return err
}

// Deny is a convenience wrapper for Resolve(..., StatusDenied, ...).
func (m *Manager) Deny(approvalID string, scope Scope) error {
	return m.Resolve(approvalID, StatusDenied, scope, nil)
}

// Get returns the current state of approvalID, if known.
func (m *Manager) Get(approvalID string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[approvalID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// HasPendingApprovals reports whether taskID has any request still in
// StatusPending (spec scenario S3).
func (m *Manager) HasPendingApprovals(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.TaskID == taskID && req.Status == StatusPending {
			return true
		}
	}
	return false
}
