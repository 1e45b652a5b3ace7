package mission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kandev/missioncore/internal/checkpoint"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
)

func appendEvent(t *testing.T, store *eventlog.Store, taskID string, typ eventlog.Type, ts time.Time) {
	t.Helper()
	require.NoError(t, store.Append(eventlog.Event{
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		Timestamp: ts,
		Type:      typ,
		Mode:      eventlog.ModeMission,
		Stage:     eventlog.StageEdit,
	}))
}

func TestClassifyInterruptedTasksAppliesRecommendationPolicy(t *testing.T) {
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()

	appendEvent(t, store, "stale-task", eventlog.TypeIntentReceived, now.Add(-25*time.Hour))
	appendEvent(t, store, "stale-task", eventlog.TypeToolStart, now.Add(-25*time.Hour))

	appendEvent(t, store, "checkpointed-task", eventlog.TypeIntentReceived, now.Add(-1*time.Hour))
	appendEvent(t, store, "checkpointed-task", eventlog.TypeToolStart, now.Add(-1*time.Hour))

	appendEvent(t, store, "plain-task", eventlog.TypeIntentReceived, now.Add(-10*time.Minute))
	appendEvent(t, store, "plain-task", eventlog.TypeToolStart, now.Add(-10*time.Minute))

	appendEvent(t, store, "finished-task", eventlog.TypeIntentReceived, now.Add(-1*time.Hour))
	appendEvent(t, store, "finished-task", eventlog.TypeMissionCompleted, now.Add(-1*time.Hour))

	fs := newFakeFS()
	bus := eventbus.New(store, nil)
	checkpoints, err := checkpoint.New(t.TempDir(), fs, nil, bus)
	require.NoError(t, err)

	_, err = checkpoints.CreateCheckpoint("checkpointed-task", eventlog.ModeMission, eventlog.StageEdit, "pre-apply", nil, checkpoint.MethodSnapshot)
	require.NoError(t, err)

	recs := ClassifyInterruptedTasks(store, checkpoints, now)

	byTask := make(map[string]RecoveryRecommendation, len(recs))
	for _, r := range recs {
		byTask[r.TaskSummary.TaskID] = r
	}

	require.NotContains(t, byTask, "finished-task")

	require.Equal(t, ActionDiscard, byTask["stale-task"].Action)
	require.Equal(t, ActionRestoreCheckpoint, byTask["checkpointed-task"].Action)
	require.True(t, byTask["checkpointed-task"].HasCheckpoint)
	require.Equal(t, ActionResume, byTask["plain-task"].Action)
	require.False(t, byTask["plain-task"].HasCheckpoint)
}
