package mission

import (
	"time"

	"github.com/kandev/missioncore/internal/checkpoint"
	"github.com/kandev/missioncore/internal/eventlog"
)

// Action is the crash-recovery recommendation for one interrupted
// task (spec §4.15).
type Action string

const (
	ActionResume            Action = "resume"
	ActionRestoreCheckpoint Action = "restore_checkpoint"
	ActionDiscard           Action = "discard"
)

// staleAge is the threshold past which an interrupted task is
// recommended for discard regardless of checkpoint state.
const staleAge = 24 * time.Hour

// RecoveryRecommendation is one task's crash-recovery classification.
type RecoveryRecommendation struct {
	TaskSummary   eventlog.TaskSummary
	HasCheckpoint bool
	Action        Action
}

// ClassifyInterruptedTasks scans store for every task that did not
// cleanly exit and recommends resume/restore_checkpoint/discard for
// each, per spec §4.15's recommendation policy:
//
//	age >= 24h                         -> discard
//	unclean exit AND has a checkpoint  -> restore_checkpoint
//	otherwise                          -> resume
//
// now is passed in rather than read from time.Now so recommendations
// are reproducible in tests.
func ClassifyInterruptedTasks(store *eventlog.Store, checkpoints *checkpoint.Manager, now time.Time) []RecoveryRecommendation {
	var out []RecoveryRecommendation
	for _, summary := range store.DistinctTaskSummaries() {
		if summary.CleanlyExited {
			continue
		}
		_, hasCheckpoint := checkpoints.ActiveCheckpoint(summary.TaskID)
		out = append(out, RecoveryRecommendation{
			TaskSummary:   summary,
			HasCheckpoint: hasCheckpoint,
			Action:        recommend(summary, hasCheckpoint, now),
		})
	}
	return out
}

func recommend(summary eventlog.TaskSummary, hasCheckpoint bool, now time.Time) Action {
	if now.Sub(summary.LastEventAt) >= staleAge {
		return ActionDiscard
	}
	if hasCheckpoint {
		return ActionRestoreCheckpoint
	}
	return ActionResume
}
