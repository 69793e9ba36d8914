package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/docker"
	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/logging"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/prompt"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/registry"
	"github.com/drewdunne/codeloop/internal/workspace"

	// Model backends register themselves by name.
	_ "github.com/drewdunne/codeloop/internal/llm/anthropic"
	_ "github.com/drewdunne/codeloop/internal/llm/openai"
	_ "github.com/drewdunne/codeloop/internal/llm/yandex"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *registry.Registry
	docker    *docker.Client
	backend   llm.Backend
	generator agent.Generator
	workspace *workspace.Workspace
	prompts   *prompt.Builder
	service   *orchestrator.Service
}

func loadEnv() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Printf("Warning: could not load env file %s: %v\n", envFile, err)
		}
		return
	}
	// Try default locations
	_ = godotenv.Load(".env")
	_ = godotenv.Load("/etc/codeloop/codeloop.env")
}

// loadConfig reads --config. A missing default file falls back to the
// built-in defaults so one-off commands work from an empty directory.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command) (*app, error) {
	loadEnv()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		registry:  registry.New(cfg),
		workspace: workspace.New(cfg.Workspace.Dir, workspace.WithLogger(logger.Named("workspace"))),
		prompts:   prompt.NewBuilder(prompt.WithMaxDiffChars(cfg.Review.MaxDiffChars)),
	}
	if len(a.registry.List()) == 0 {
		return nil, errors.New("no providers configured: set providers.github.token or providers.gitlab.token")
	}

	a.backend, err = llm.FromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building model backend: %w", err)
	}

	switch cfg.CodeAgent.Strategy {
	case "container":
		a.docker, err = docker.NewClient(docker.WithLogger(logger.Named("docker")))
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		a.generator = agent.NewContainerGenerator(a.docker, a.prompts, agent.ContainerConfig{
			Image:   cfg.CodeAgent.Image,
			AuthDir: cfg.CodeAgent.AuthDir,
			Timeout: time.Duration(cfg.CodeAgent.TimeoutMinutes) * time.Minute,
			Limits: docker.Limits{
				MemoryMB: cfg.CodeAgent.MemoryMB,
				CPUs:     cfg.CodeAgent.CPUs,
				Network:  cfg.CodeAgent.Network,
			},
		}, logger.Named("container"))
	default:
		a.generator = agent.NewModelGenerator(a.backend, a.prompts,
			agent.WithSampling(cfg.LLM.MaxTokens, cfg.LLM.Temperature),
			agent.WithModelLogger(logger.Named("generator")),
		)
	}

	a.service = orchestrator.NewService(a.registry, a.wire, logger,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTranscripts(logging.NewWriter(cfg.Logging.Dir)),
	)
	return a, nil
}

// wire builds the per-host collaborators of a run.
func (a *app) wire(host provider.Provider) orchestrator.HostDeps {
	log := a.logger.With(zap.String("provider", host.Name()))
	return orchestrator.HostDeps{
		Code: agent.NewCodeAgent(host, a.workspace, a.generator,
			agent.WithAuthor(workspace.Author{Name: a.cfg.CodeAgent.AuthorName, Email: a.cfg.CodeAgent.AuthorEmail}),
			agent.WithCodeLogger(log.Named("code")),
		),
		Reviewer: agent.NewReviewer(a.backend, host, a.prompts,
			agent.WithMaxAttempts(a.cfg.Review.MaxAttempts),
			agent.WithReviewSampling(a.cfg.LLM.MaxTokens, a.cfg.LLM.Temperature),
			agent.WithReviewerLogger(log.Named("reviewer")),
		),
		Waiter:   ci.NewWaiter(host, ci.WithLogger(log.Named("ci"))),
		Settings: orchestrator.NewRepoSettings(a.cfg, host),
	}
}

// prepareDocker makes sure the agent image is present and removes
// containers left behind by a previous process.
func (a *app) prepareDocker(ctx context.Context) error {
	if a.docker == nil {
		return nil
	}
	if err := a.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	pulled, err := a.docker.EnsureImage(ctx, a.cfg.CodeAgent.Image)
	if err != nil {
		return fmt.Errorf("preparing agent image: %w", err)
	}
	if pulled {
		a.logger.Info("pulled agent image", zap.String("image", a.cfg.CodeAgent.Image))
	}
	if n, err := a.docker.RemoveOrphans(ctx); err != nil {
		a.logger.Warn("removing orphaned containers", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("removed orphaned containers", zap.Int("count", n))
	}
	return nil
}

func (a *app) close() {
	if a.docker != nil {
		a.docker.Close()
	}
	_ = a.logger.Sync()
}
