// Package missionctx wires one instance of every L0-L4 manager for a
// single mission into a MissionContext (SPEC_FULL.md §4.0), replacing
// the teacher's singleton patterns (internal/common/logger.Default(),
// global session registries) with one explicit construction per
// mission/task_id.
package missionctx

import (
	"fmt"

	"github.com/kandev/missioncore/internal/approval"
	"github.com/kandev/missioncore/internal/autonomy"
	"github.com/kandev/missioncore/internal/checkpoint"
	"github.com/kandev/missioncore/internal/config"
	"github.com/kandev/missioncore/internal/conversation"
	"github.com/kandev/missioncore/internal/ctxsnapshot"
	"github.com/kandev/missioncore/internal/diffmgr"
	"github.com/kandev/missioncore/internal/eventbus"
	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/modestate"
	"github.com/kandev/missioncore/internal/repair"
	"github.com/kandev/missioncore/internal/tokencount"
	"github.com/kandev/missioncore/internal/toolcatalog"
	"github.com/kandev/missioncore/internal/verify"
	"github.com/kandev/missioncore/pkg/fsadapter"
	"github.com/kandev/missioncore/pkg/modelclient"
	"github.com/kandev/missioncore/pkg/toolexec"
)

// FS is the union of every narrow file-system interface the wired
// managers need; fsadapter.Local satisfies it, and so would any other
// injected adapter (spec §1: the concrete file system is external).
type FS interface {
	checkpoint.FS
	ctxsnapshot.FS
	diffmgr.FS
	repair.FileReader
}

// Context bundles every manager needed to run one mission end to end.
// No manager here keeps mutable global state of its own; all of it is
// owned by this struct and threaded explicitly (REDESIGN FLAGS: no
// singletons).
type Context struct {
	TaskID string

	Store *eventlog.Store
	Bus   *eventbus.Bus

	ModeState    *modestate.Manager
	Conversation *conversation.Buffer
	Checkpoints  *checkpoint.Manager
	Approvals    *approval.Manager
	Snapshots    *ctxsnapshot.Manager
	Diffs        *diffmgr.Manager
	Verify       *verify.Manager
	Autonomy     *autonomy.Manager
	Repair       *repair.Manager

	FS FS

	ModelClient  modelclient.Client
	ToolProvider toolexec.Provider
	TokenCounter tokencount.Counter
	ModelWindows map[string]tokencount.ModelWindow
	Model        string
	MaxTokens    int
	AgentTools   []string

	cfg config.Config
}

// Deps carries the external adapters the caller must inject (spec §1
// non-goals: model provider SDK, file system, tool execution are all
// out of scope here and consumed as interfaces).
type Deps struct {
	TaskID       string
	WorkspaceRoot string
	EventLogPath string
	EvidenceDir  string
	CheckpointDir string

	FS           FS
	ModelClient  modelclient.Client
	ToolProvider toolexec.Provider
	TokenCounter tokencount.Counter
	Git          checkpoint.GitRunner
	VerifyDiscoverer verify.Discoverer
	VerifyRunner verify.CommandRunner
	RepairReader repair.FileReader

	Config config.Config
}

// New constructs one MissionContext per the given Deps, wiring every
// manager in dependency order (event store/bus first, then L1, L2,
// L3, L4).
func New(deps Deps) (*Context, error) {
	cfg := deps.Config
	if cfg.Models.Windows == nil {
		cfg = config.Default()
	}

	if deps.FS == nil {
		deps.FS = fsadapter.New(deps.WorkspaceRoot)
	}

	store, err := eventlog.Open(deps.EventLogPath)
	if err != nil {
		return nil, fmt.Errorf("missionctx: open event log: %w", err)
	}
	bus := eventbus.New(store, nil)

	checkpoints, err := checkpoint.New(deps.CheckpointDir, deps.FS, deps.Git, bus)
	if err != nil {
		return nil, fmt.Errorf("missionctx: checkpoint manager: %w", err)
	}
	autonomyMgr := autonomy.New(bus, checkpoints)
	modeState := modestate.New(bus, autonomyMgr)

	approvals := approval.New(bus)
	snapshots := ctxsnapshot.New(deps.FS, bus)
	diffs, err := diffmgr.New(deps.WorkspaceRoot, deps.EvidenceDir, deps.FS, checkpoints, snapshots, bus)
	if err != nil {
		return nil, fmt.Errorf("missionctx: diff manager: %w", err)
	}

	verifyDiscoverer := deps.VerifyDiscoverer
	if verifyDiscoverer == nil {
		verifyDiscoverer = verify.DefaultDiscoverer{}
	}
	verifyMgr := verify.New(deps.WorkspaceRoot, deps.EvidenceDir, bus, verifyDiscoverer, deps.VerifyRunner)

	repairReader := deps.RepairReader
	if repairReader == nil {
		repairReader = deps.FS
	}
	repairMgr := repair.New(bus, deps.ModelClient, repairReader, cfg.Models.DefaultModel)

	convo := conversation.New(conversation.DefaultConfig())

	modelWindows := make(map[string]tokencount.ModelWindow, len(cfg.Models.Windows))
	for name, w := range cfg.Models.Windows {
		modelWindows[name] = tokencount.ModelWindow{Window: w.Window, ReservedOutput: w.ReservedOutput}
	}

	return &Context{
		TaskID:       deps.TaskID,
		Store:        store,
		Bus:          bus,
		ModeState:    modeState,
		Conversation: convo,
		Checkpoints:  checkpoints,
		Approvals:    approvals,
		Snapshots:    snapshots,
		Diffs:        diffs,
		Verify:       verifyMgr,
		Autonomy:     autonomyMgr,
		Repair:       repairMgr,
		FS:           deps.FS,
		ModelClient:  deps.ModelClient,
		ToolProvider: deps.ToolProvider,
		TokenCounter: deps.TokenCounter,
		ModelWindows: modelWindows,
		Model:        cfg.Models.DefaultModel,
		MaxTokens:    cfg.Models.DefaultReserve,
		AgentTools:   toolNames(toolcatalog.BuildCatalog(toolcatalog.BuildOptions{})),
		cfg:          cfg,
	}, nil
}

func toolNames(tools []toolcatalog.Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

// Close releases the underlying event store's file handle.
func (c *Context) Close() error {
	return c.Store.Close()
}
