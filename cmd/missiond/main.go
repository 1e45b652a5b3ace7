// Package main is the demo entry point for the mission core: it wires
// one MissionContext from config, reports any interrupted tasks found
// in the event log at startup, then runs a single mission end to end
// for the given intent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missioncore/internal/approval"
	"github.com/kandev/missioncore/internal/autonomy"
	"github.com/kandev/missioncore/internal/config"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/mission"
	"github.com/kandev/missioncore/internal/missionctx"
	"github.com/kandev/missioncore/internal/obslog"
	"github.com/kandev/missioncore/internal/verify"
	"github.com/kandev/missioncore/pkg/fsadapter"
)

// echoPlanner is a trivial stand-in for the plan-producing
// intelligence layer (spec §1 non-goal): it simply reflects the
// intent back as a one-step plan, enough to exercise the stage
// machine without a real model wired.
type echoPlanner struct{}

func (echoPlanner) RequestPlan(ctx context.Context, taskID, intent string) (string, error) {
	return fmt.Sprintf("Single step: %s", intent), nil
}

func main() {
	configPath := flag.String("config", "", "path to a mission core config file (optional)")
	taskID := flag.String("task", "demo-task", "task id for this mission run")
	intent := flag.String("intent", "say hello", "the mission intent to run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := obslog.New(obslog.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting missiond", zap.String("task_id", *taskID))

	fs := fsadapter.New(cfg.Storage.WorkspaceRoot)
	missionCtx, err := missionctx.New(missionctx.Deps{
		TaskID:           *taskID,
		WorkspaceRoot:    cfg.Storage.WorkspaceRoot,
		EventLogPath:     cfg.Storage.EventLogPath,
		EvidenceDir:      cfg.Storage.EvidenceDir,
		CheckpointDir:    cfg.Storage.CheckpointDir,
		FS:               fs,
		VerifyDiscoverer: verify.DefaultDiscoverer{},
		VerifyRunner:     verify.LocalRunner{},
		Config:           cfg,
	})
	if err != nil {
		log.Error("failed to wire mission context", zap.Error(err))
		os.Exit(1)
	}
	defer missionCtx.Close()

	recs := mission.ClassifyInterruptedTasks(missionCtx.Store, missionCtx.Checkpoints, time.Now().UTC())
	for _, r := range recs {
		log.Info("interrupted task found",
			zap.String("task_id", r.TaskSummary.TaskID),
			zap.Bool("has_checkpoint", r.HasCheckpoint),
			zap.String("recommendation", string(r.Action)),
		)
	}

	// This demo has no interactive approval surface (that is a host
	// concern, spec §1 non-goal), so it auto-approves every request
	// raised during the run in order to exercise the stage machine
	// end to end.
	missionCtx.Bus.Subscribe(eventbus.SubscriberFunc(func(e eventlog.Event) error {
		if e.Type != eventlog.TypeApprovalRequested {
			return nil
		}
		id, _ := e.Payload["approval_id"].(string)
		if id == "" {
			return nil
		}
		log.Info("auto-approving", zap.String("approval_id", id), zap.Any("details", e.Payload))
		return missionCtx.Approvals.Resolve(id, approval.StatusApproved, approval.ScopeOnce, nil)
	}))

	runner := mission.NewRunner(missionCtx)
	outcome, err := runner.RunMission(context.Background(), *taskID, *intent, mission.Options{
		Planner: echoPlanner{},
		VerifyPolicy: verify.Policy{
			Mode:           verify.PolicyMode(cfg.Verify.Mode),
			MaxOutputBytes: cfg.Verify.MaxOutputBytes,
			ChunkThrottle:  cfg.Verify.ChunkThrottle,
			Timeout:        cfg.Verify.CommandTimeout,
			Sandbox:        cfg.Verify.Sandbox,
		},
		RunID:     *taskID,
		MissionID: *taskID,
		AutonomyBudgets: autonomy.Budgets{
			MaxIterations: cfg.Autonomy.MaxIterations,
			MaxWallTime:   cfg.Autonomy.MaxWallTime,
			MaxToolCalls:  cfg.Autonomy.MaxToolCalls,
		},
	})
	if err != nil {
		log.Error("mission run failed", zap.Error(err))
		os.Exit(1)
	}

	log.Info("mission finished", zap.Bool("success", outcome.Success), zap.String("final_stage", string(outcome.FinalStage)))
}
