package approval

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(eventbus.New(store, nil))
}

func TestRequestApprovalEmitsEventAndParksPending(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer store.Close()
	bus := eventbus.New(store, nil)
	m := New(bus)

	_, id, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageEdit, "diff_apply", "apply changes", nil)
	require.NoError(t, err)
	require.Len(t, store.GetByType(eventlog.TypeApprovalRequested), 1)

	req, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusPending, req.Status)
}

func TestResolveFulfillsFutureAndEmitsEvent(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer store.Close()
	bus := eventbus.New(store, nil)
	m := New(bus)

	future, id, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageEdit, "diff_apply", "apply", nil)
	require.NoError(t, err)

	require.NoError(t, m.Resolve(id, StatusApproved, ScopeOnce, nil))

	res := future.Wait()
	require.Equal(t, StatusApproved, res.Decision)
	require.Len(t, store.GetByType(eventlog.TypeApprovalResolved), 1)
}

func TestResolveTwiceIsIdempotent(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer store.Close()
	bus := eventbus.New(store, nil)
	m := New(bus)

	_, id, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageEdit, "diff_apply", "apply", nil)
	require.NoError(t, err)

	require.NoError(t, m.Resolve(id, StatusApproved, ScopeOnce, nil))
	require.NoError(t, m.Resolve(id, StatusDenied, ScopeOnce, nil)) // second call is a no-op

	req, _ := m.Get(id)
	require.Equal(t, StatusApproved, req.Status)
	require.Len(t, store.GetByType(eventlog.TypeApprovalResolved), 1)
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Resolve("does-not-exist", StatusApproved, ScopeOnce, nil))
}

func TestMultipleConcurrentPendingApprovalsTrackedIndependently(t *testing.T) {
	m := newManager(t)

	_, id1, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageEdit, "diff_apply", "a", nil)
	require.NoError(t, err)
	_, id2, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageVerify, "command_exec", "b", nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.NoError(t, m.Resolve(id1, StatusApproved, ScopeOnce, nil))

	req1, _ := m.Get(id1)
	req2, _ := m.Get(id2)
	require.Equal(t, StatusApproved, req1.Status)
	require.Equal(t, StatusPending, req2.Status)
}

// TestApprovalBlocksExecution implements scenario S3: a goroutine
// enters RequestApproval; a second observer checks HasPendingApprovals
// within 50ms and must see true; upon Resolve(approved), the first
// path's completion flag flips to true.
func TestApprovalBlocksExecution(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		m := newManager(t)

		var completed atomic.Bool
		future, id, err := m.RequestApproval("t1", eventlog.ModeMission, eventlog.StageEdit, "diff_apply", "apply", nil)
		require.NoError(t, err)

		go func() {
			future.Wait()
			completed.Store(true)
		}()

		synctest.Wait()
		require.True(t, m.HasPendingApprovals("t1"))
		require.False(t, completed.Load())

		require.NoError(t, m.Resolve(id, StatusApproved, ScopeOnce, nil))
		synctest.Wait()

		require.True(t, completed.Load())
	})
}
