package verify

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kandev/missioncore/internal/agent/docker"
	"github.com/kandev/missioncore/internal/common/config"
	"github.com/kandev/missioncore/internal/common/logger"
)

// DockerRunner runs verify commands inside a short-lived, auto-removed
// container instead of a plain host child process (SPEC_FULL.md
// §4.13 expansion: `VerifyPolicy.Sandbox=true`). It wraps the
// teacher's internal/agent/docker.Client rather than re-implementing
// container lifecycle handling.
type DockerRunner struct {
	client *docker.Client
	image  string
}

// NewDockerRunner builds a DockerRunner that runs every command in a
// fresh container from image.
func NewDockerRunner(cfg config.DockerConfig, image string) (*DockerRunner, error) {
	cli, err := docker.NewClient(cfg, logger.Default())
	if err != nil {
		return nil, fmt.Errorf("verify: docker client: %w", err)
	}
	return &DockerRunner{client: cli, image: image}, nil
}

func (r *DockerRunner) Run(ctx context.Context, command, workspaceRoot string, timeout time.Duration, onChunk OnChunk) (CommandOutcome, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := docker.ContainerConfig{
		Name:       "verify-" + time.Now().UTC().Format("20060102150405.000000000"),
		Image:      r.image,
		Cmd:        []string{"sh", "-lc", command},
		WorkingDir: "/workspace",
		AutoRemove: true,
	}
	if workspaceRoot != "" {
		cfg.Mounts = []docker.MountConfig{{Source: workspaceRoot, Target: "/workspace"}}
	}

	containerID, err := r.client.CreateContainer(runCtx, cfg)
	if err != nil {
		return CommandOutcome{}, fmt.Errorf("verify: create container: %w", err)
	}
	if err := r.client.StartContainer(runCtx, containerID); err != nil {
		return CommandOutcome{}, fmt.Errorf("verify: start container: %w", err)
	}

	exitCode, waitErr := r.client.WaitContainer(runCtx, containerID)
	timedOut := runCtx.Err() == context.DeadlineExceeded

	logs, logErr := r.client.GetContainerLogs(context.Background(), containerID, false, "")
	var stdout string
	if logErr == nil {
		defer logs.Close()
		data, _ := io.ReadAll(logs)
		stdout = string(data)
		if onChunk != nil && len(data) > 0 {
			onChunk("stdout", stdout)
		}
	}

	if waitErr != nil && !timedOut {
		return CommandOutcome{}, fmt.Errorf("verify: wait container: %w", waitErr)
	}

	return CommandOutcome{ExitCode: int(exitCode), TimedOut: timedOut, Stdout: stdout}, nil
}
