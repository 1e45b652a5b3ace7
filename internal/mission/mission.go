// Package mission implements the mission runner (spec §4.15): the
// end-to-end stage machine that composes every other manager —
// plan/approve, retrieve, edit (agentic loop + diff apply), verify,
// and the autonomy-bounded repair loop — into one intent-to-completion
// run. Grounded on the teacher's internal/agentctl supervisor, which
// drives a task through the same kind of call-wait-advance stages,
// generalized here to the spec's exact stage machine and event set.
package mission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/missioncore/internal/agenticloop"
	"github.com/kandev/missioncore/internal/approval"
	"github.com/kandev/missioncore/internal/autonomy"
	"github.com/kandev/missioncore/internal/conversation"
	"github.com/kandev/missioncore/internal/ctxsnapshot"
	"github.com/kandev/missioncore/internal/diffmgr"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/missionctx"
	"github.com/kandev/missioncore/internal/repair"
	"github.com/kandev/missioncore/internal/verify"
)

// wholeFile is a line range wide enough to cover any real source file;
// ctxsnapshot clamps it to the file's actual length.
var wholeFile = ctxsnapshot.LineRange{Start: 1, End: 1 << 30}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PlanProvider requests a plan for an intent (spec §1 non-goal: the
// intelligence/context-enrichment layer that produces plan text is an
// external collaborator, consumed here as an opaque-string-returning
// interface).
type PlanProvider interface {
	RequestPlan(ctx context.Context, taskID, intent string) (string, error)
}

// RetrievalScope names the files the retrieve stage should snapshot,
// derived from whatever cited the plan (left to the caller to supply,
// since citation extraction is outside this package's concern).
type RetrievalScope struct {
	CitedFiles []string
}

// Options configures one RunMission call.
type Options struct {
	Planner         PlanProvider
	Retrieval       RetrievalScope
	VerifyPolicy    verify.Policy
	RunID           string
	MissionID       string
	AutonomyBudgets autonomy.Budgets
}

// Outcome is RunMission's result.
type Outcome struct {
	Success    bool
	FinalStage eventlog.Stage
}

// Runner drives one mission's stage machine using the managers wired
// into a missionctx.Context.
type Runner struct {
	ctx *missionctx.Context
}

// NewRunner builds a Runner over ctx.
func NewRunner(ctx *missionctx.Context) *Runner {
	return &Runner{ctx: ctx}
}

// RunMission executes the full stage machine for one user intent
// (spec §4.15): intent -> plan -> retrieve -> edit -> verify ->
// (repair -> edit)* -> done.
func (r *Runner) RunMission(ctx context.Context, taskID, intent string, opts Options) (Outcome, error) {
	c := r.ctx

	if err := r.emit(taskID, eventlog.ModeMission, eventlog.StageIntent, eventlog.TypeIntentReceived, map[string]any{"intent": intent}); err != nil {
		return Outcome{}, err
	}
	if err := c.ModeState.SetMode(taskID, eventlog.ModeMission); err != nil {
		return Outcome{}, fmt.Errorf("mission: set mode: %w", err)
	}
	if err := c.ModeState.SetStage(taskID, eventlog.StageIntent); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter intent stage: %w", err)
	}
	if err := c.ModeState.SetStage(taskID, eventlog.StagePlan); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter plan stage: %w", err)
	}

	approved, planText, err := r.planAndApprove(ctx, taskID, intent, opts.Planner)
	if err != nil {
		return Outcome{}, err
	}
	if !approved {
		return r.finish(taskID, false, "plan rejected")
	}
	c.Conversation.AppendUser(conversation.TextMessage(conversation.RoleUser, intent))
	c.Conversation.AppendAssistant(conversation.TextMessage(conversation.RoleAssistant, planText))

	if err := c.ModeState.SetStage(taskID, eventlog.StageRetrieve); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter retrieve stage: %w", err)
	}
	if err := r.retrieve(taskID, opts.Retrieval); err != nil {
		return Outcome{}, err
	}

	if err := c.ModeState.SetStage(taskID, eventlog.StageEdit); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter edit stage: %w", err)
	}
	if err := r.editOnce(ctx, taskID); err != nil {
		return Outcome{}, err
	}

	if err := c.ModeState.SetStage(taskID, eventlog.StageVerify); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter verify stage: %w", err)
	}
	status, err := r.verifyOnce(taskID, opts)
	if err != nil {
		return Outcome{}, err
	}
	if status == verify.StatusPass || status == verify.StatusSkipped {
		return r.finish(taskID, true, "")
	}

	success, err := r.repairLoop(ctx, taskID, opts)
	if err != nil {
		return Outcome{}, err
	}
	return r.finish(taskID, success, "")
}

// planAndApprove requests a plan, emits plan_proposed, requests
// approval, waits for it, and emits plan_approved on a yes.
func (r *Runner) planAndApprove(ctx context.Context, taskID, intent string, planner PlanProvider) (bool, string, error) {
	c := r.ctx
	planText, err := planner.RequestPlan(ctx, taskID, intent)
	if err != nil {
		return false, "", fmt.Errorf("mission: request plan: %w", err)
	}
	if err := r.emit(taskID, eventlog.ModeMission, eventlog.StagePlan, eventlog.TypePlanProposed, map[string]any{"plan": planText}); err != nil {
		return false, "", err
	}

	future, _, err := c.Approvals.RequestApproval(taskID, eventlog.ModeMission, eventlog.StagePlan, "plan", planText, nil)
	if err != nil {
		return false, "", fmt.Errorf("mission: request plan approval: %w", err)
	}
	res := future.Wait()
	if res.Decision != approval.StatusApproved {
		return false, planText, nil
	}
	if err := r.emit(taskID, eventlog.ModeMission, eventlog.StagePlan, eventlog.TypePlanApproved, nil); err != nil {
		return false, "", err
	}
	return true, planText, nil
}

// retrieve emits retrieve_started and takes a context snapshot for
// every cited file.
func (r *Runner) retrieve(taskID string, scope RetrievalScope) error {
	c := r.ctx
	if err := r.emit(taskID, eventlog.ModeMission, eventlog.StageRetrieve, eventlog.TypeRetrieveStarted, map[string]any{"files": scope.CitedFiles}); err != nil {
		return err
	}
	for _, path := range scope.CitedFiles {
		if _, err := c.Snapshots.CreateSnapshot(taskID, eventlog.ModeMission, eventlog.StageRetrieve, path, wholeFile); err != nil {
			return fmt.Errorf("mission: snapshot %s: %w", path, err)
		}
	}
	return nil
}

// editOnce runs one agentic-loop turn, then proposes and applies any
// write_file tool calls it produced as a diff-manager proposal gated
// by an approval (spec §4.15 edit: "agentic loop for patch proposal,
// approval, application").
func (r *Runner) editOnce(ctx context.Context, taskID string) error {
	c := r.ctx
	if c.ModelClient == nil {
		// No model wired (e.g. exercising the stage machine standalone);
		// nothing to propose.
		return nil
	}

	result, err := agenticloop.Run(ctx, agenticloop.RunInput{
		Client:       c.ModelClient,
		ToolProvider: c.ToolProvider,
		History:      c.Conversation,
		Model:        c.Model,
		MaxTokens:    c.MaxTokens,
		TokenCounter: c.TokenCounter,
		ModelWindows: c.ModelWindows,
		Bus:          c.Bus,
		TaskID:       taskID,
		Mode:         eventlog.ModeMission,
		Stage:        eventlog.StageEdit,
		Config:       agenticloop.Config{Tools: c.AgentTools},
	})
	if err != nil {
		return fmt.Errorf("mission: agentic loop: %w", err)
	}
	c.Autonomy.IncrementToolCalls(taskID, len(result.ToolCalls))

	entries := writeCallsToEntries(result.ToolCalls, c.FS)
	if len(entries) == 0 {
		return nil
	}

	proposalID, err := c.Diffs.ProposeDiff(taskID, eventlog.ModeMission, eventlog.StageEdit, "agentic loop edit", entries, true)
	if err != nil {
		return fmt.Errorf("mission: propose diff: %w", err)
	}

	future, _, err := c.Approvals.RequestApproval(taskID, eventlog.ModeMission, eventlog.StageEdit, "diff", "apply proposed edits", map[string]any{"proposal_id": proposalID})
	if err != nil {
		return fmt.Errorf("mission: request diff approval: %w", err)
	}
	if future.Wait().Decision != approval.StatusApproved {
		return nil
	}

	if err := c.Diffs.ApplyDiff(proposalID); err != nil {
		return fmt.Errorf("mission: apply diff: %w", err)
	}
	return nil
}

// writeCallsToEntries translates successful write_file tool calls
// into diff-manager entries: modify (with a pre-change hash) if the
// file already exists, create otherwise.
func writeCallsToEntries(calls []agenticloop.ToolCallRecord, fs missionctx.FS) []diffmgr.Entry {
	var entries []diffmgr.Entry
	for _, call := range calls {
		if call.ToolName != "write_file" || !call.Success {
			continue
		}
		path, _ := call.Input["path"].(string)
		content, _ := call.Input["content"].(string)
		if path == "" {
			continue
		}
		if fs != nil && fs.Exists(path) {
			existing, err := fs.ReadFile(path)
			if err == nil {
				entries = append(entries, diffmgr.Entry{
					Path: path, Operation: diffmgr.OpModify, NewContent: content, PreHash: hashOf(existing),
				})
				continue
			}
		}
		entries = append(entries, diffmgr.Entry{Path: path, Operation: diffmgr.OpCreate, NewContent: content})
	}
	return entries
}

// verifyOnce runs one verify pass.
func (r *Runner) verifyOnce(taskID string, opts Options) (verify.Status, error) {
	outcome, err := r.ctx.Verify.RunVerify(taskID, eventlog.ModeMission, opts.RunID, opts.MissionID, "verify", opts.VerifyPolicy, "", false)
	if err != nil {
		return "", fmt.Errorf("mission: verify: %w", err)
	}
	return outcome.Status, nil
}

// repairLoop bounds the diagnose/propose-fix/re-verify cycle with the
// autonomy controller (spec §4.15: "on fail enter the repair iteration
// bounded by the autonomy controller").
func (r *Runner) repairLoop(ctx context.Context, taskID string, opts Options) (bool, error) {
	c := r.ctx

	pre := autonomy.Preconditions{
		ModeIsMission:     true,
		PlanApproved:      true,
		ToolsApproved:     true,
		Budgets:           opts.AutonomyBudgets,
		CheckpointCapable: true,
	}
	if err := c.Autonomy.Start(taskID, eventlog.ModeMission, eventlog.StageRepair, pre, opts.Retrieval.CitedFiles); err != nil {
		return false, fmt.Errorf("mission: start autonomy: %w", err)
	}

	var lastFailure repair.FailureRecord
	success := false

	for {
		fixed := false
		retry, err := c.Autonomy.ExecuteIteration(taskID, eventlog.ModeMission, eventlog.StageRepair, func() error {
			if err := c.ModeState.SetStage(taskID, eventlog.StageRepair); err != nil {
				return err
			}

			diagnosis, err := c.Repair.DiagnoseFailure(ctx, taskID, eventlog.ModeMission, eventlog.StageRepair, lastFailure)
			if err != nil {
				return fmt.Errorf("diagnose: %w", err)
			}
			fix, err := c.Repair.ProposeRepairFix(ctx, diagnosis)
			if err != nil {
				return fmt.Errorf("propose fix: %w", err)
			}

			proposalID, err := c.Diffs.ProposeDiff(taskID, eventlog.ModeMission, eventlog.StageRepair, fix.Explanation, fix.Entries, true)
			if err != nil {
				return fmt.Errorf("propose diff: %w", err)
			}
			if err := c.Diffs.ApplyDiff(proposalID); err != nil {
				return fmt.Errorf("apply diff: %w", err)
			}

			if err := c.ModeState.SetStage(taskID, eventlog.StageEdit); err != nil {
				return err
			}
			if err := c.ModeState.SetStage(taskID, eventlog.StageVerify); err != nil {
				return err
			}
			status, err := r.verifyOnce(taskID, opts)
			if err != nil {
				return err
			}
			if status != verify.StatusPass {
				lastFailure = repair.FailureRecord{Summary: fmt.Sprintf("verify status=%s", status)}
				return fmt.Errorf("verify still failing (status=%s)", status)
			}
			fixed = true
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("mission: repair iteration: %w", err)
		}
		if fixed {
			success = true
			break
		}
		if !retry {
			break
		}
	}

	_ = c.Autonomy.Complete(taskID, eventlog.ModeMission, eventlog.StageRepair)
	return success, nil
}

func (r *Runner) finish(taskID string, success bool, reason string) (Outcome, error) {
	c := r.ctx
	payload := map[string]any{"success": success}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := r.emit(taskID, eventlog.ModeMission, eventlog.StageDone, eventlog.TypeMissionCompleted, payload); err != nil {
		return Outcome{}, err
	}
	if err := c.ModeState.SetStage(taskID, eventlog.StageDone); err != nil {
		return Outcome{}, fmt.Errorf("mission: enter done stage: %w", err)
	}
	return Outcome{Success: success, FinalStage: eventlog.StageDone}, nil
}

func (r *Runner) emit(taskID string, mode eventlog.Mode, stage eventlog.Stage, typ eventlog.Type, payload map[string]any) error {
	_, err := r.ctx.Bus.Publish(eventlog.Event{
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
