package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/docker"
	"github.com/drewdunne/codeloop/internal/prompt"
	"github.com/drewdunne/codeloop/internal/prompt/instructions"
	"github.com/drewdunne/codeloop/internal/workspace"
)

// CommitMessageFile is where the container leaves its commit message,
// relative to the working copy.
const CommitMessageFile = ".codeloop/commit_message"

// ContainerRunner runs a one-shot container.
type ContainerRunner interface {
	Run(ctx context.Context, cfg docker.RunConfig, out io.Writer) (int, error)
}

// ContainerConfig configures a ContainerGenerator.
type ContainerConfig struct {
	Image   string
	AuthDir string
	Timeout time.Duration
	Limits  docker.Limits
}

// ContainerGenerator lets an agent CLI edit the working copy inside a
// sandbox container.
type ContainerGenerator struct {
	runner  ContainerRunner
	prompts *prompt.Builder
	cfg     ContainerConfig
	logger  *zap.Logger
}

// NewContainerGenerator creates a generator that runs cfg.Image.
func NewContainerGenerator(runner ContainerRunner, prompts *prompt.Builder, cfg ContainerConfig, logger *zap.Logger) *ContainerGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerGenerator{
		runner:  runner,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger,
	}
}

// containerCmd runs the agent CLI with the task passed through the
// environment, which avoids nested shell quoting.
func containerCmd() []string {
	return []string{"-c", `claude -p --dangerously-skip-permissions --append-system-prompt "$AGENT_INSTRUCTIONS" "$AGENT_PROMPT"`}
}

// Generate implements Generator.
func (g *ContainerGenerator) Generate(ctx context.Context, tree *workspace.Tree, task Task) (*Generation, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	mounts := []docker.Mount{{Source: tree.Dir(), Target: "/workspace"}}
	if g.cfg.AuthDir != "" {
		mounts = append(mounts, docker.Mount{
			Source:   g.cfg.AuthDir,
			Target:   "/home/agent/.claude",
			ReadOnly: true,
		})
	}

	taskPrompt := g.prompts.Container(prompt.CodeInput{
		Repo:      task.Repo.FullName(),
		Issue:     task.Issue,
		Iteration: task.Iteration,
		Feedback:  task.Feedback,
		Extra:     task.Extra,
	})

	out := task.Transcript
	if out == nil {
		out = io.Discard
	}

	name := fmt.Sprintf("codeloop-%s-%d-%d", strings.ReplaceAll(task.Repo.Name, "/", "-"), task.Issue.Number, task.Iteration)
	if task.RunID != "" {
		name += "-" + task.RunID[:min(8, len(task.RunID))]
	}

	log := g.logger.With(zap.String("repo", task.Repo.FullName()), zap.Int("issue", task.Issue.Number), zap.String("container", name))
	log.Info("starting agent container", zap.String("image", g.cfg.Image))

	code, err := g.runner.Run(ctx, docker.RunConfig{
		Name:       name,
		Image:      g.cfg.Image,
		WorkDir:    "/workspace",
		Mounts:     mounts,
		Env:        []string{"AGENT_PROMPT=" + taskPrompt, "AGENT_INSTRUCTIONS=" + instructions.Container()},
		RunID:      task.RunID,
		Cmd:        containerCmd(),
		Entrypoint: []string{"/bin/sh"},
		Limits:     g.cfg.Limits,
	}, out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent container timed out after %s: %w", g.cfg.Timeout, err)
		}
		return nil, fmt.Errorf("running agent container: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("agent container exited with code %d", code)
	}
	log.Info("agent container finished")

	msg, err := takeCommitMessage(tree.Dir())
	if err != nil {
		return nil, err
	}
	return &Generation{CommitMessage: msg}, nil
}

// takeCommitMessage reads and removes the message file so it is never
// committed.
func takeCommitMessage(dir string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(CommitMessageFile))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading commit message: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing commit message: %w", err)
	}
	// Drop the directory too if the message was all it held.
	os.Remove(filepath.Dir(path))
	return strings.TrimSpace(string(data)), nil
}
