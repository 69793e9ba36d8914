package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// Label marks containers started by codeloop.
const Label = "codeloop.run"

// Client runs one-shot agent containers on the local daemon.
type Client struct {
	cli    *client.Client
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient connects using DOCKER_HOST and the other standard variables.
func NewClient(opts ...Option) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	c := &Client{cli: cli, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping reports whether the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker: %w", err)
	}
	return nil
}

// HasImage reports whether ref is present locally.
func (c *Client) HasImage(ctx context.Context, ref string) (bool, error) {
	found, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	return len(found) > 0, nil
}

// EnsureImage pulls ref unless it is already present and reports whether
// a pull happened.
func (c *Client) EnsureImage(ctx context.Context, ref string) (bool, error) {
	ok, err := c.HasImage(ctx, ref)
	if err != nil || ok {
		return false, err
	}

	c.logger.Info("pulling image", zap.String("image", ref))
	progress, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return false, fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer progress.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return false, fmt.Errorf("pulling %s: %w", ref, err)
	}
	return true, nil
}

// Mount is a host directory bound into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits caps the resources of a container. Zero fields are unlimited.
type Limits struct {
	MemoryMB int64
	CPUs     float64
	// Network is the network mode, e.g. "none"; empty uses the default.
	Network string
}

func (l Limits) hostConfig(mounts []mount.Mount) *container.HostConfig {
	hc := &container.HostConfig{Mounts: mounts}
	if l.MemoryMB > 0 {
		hc.Resources.Memory = l.MemoryMB << 20
	}
	if l.CPUs > 0 {
		hc.Resources.NanoCPUs = int64(l.CPUs * 1e9)
	}
	if l.Network != "" {
		hc.NetworkMode = container.NetworkMode(l.Network)
	}
	return hc
}

// RunConfig describes a one-shot container.
type RunConfig struct {
	Name       string
	Image      string
	User       string
	WorkDir    string
	Mounts     []Mount
	Env        []string
	RunID      string
	Cmd        []string
	Entrypoint []string
	Limits     Limits
}

// Run creates the container, streams its output to out until it exits and
// removes it. ctx bounds the whole run; when it expires the container is
// stopped and ctx's error is returned.
func (c *Client) Run(ctx context.Context, cfg RunConfig, out io.Writer) (int, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      cfg.Image,
			User:       cfg.User,
			WorkingDir: cfg.WorkDir,
			Env:        cfg.Env,
			Labels:     map[string]string{Label: cfg.RunID},
			Cmd:        cfg.Cmd,
			Entrypoint: cfg.Entrypoint,
		},
		cfg.Limits.hostConfig(mounts),
		nil, nil, cfg.Name,
	)
	if err != nil {
		return -1, fmt.Errorf("creating container: %w", err)
	}
	id := resp.ID

	// Removal must survive ctx expiry.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("removing container", zap.String("id", id), zap.Error(err))
		}
	}()

	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("starting container: %w", err)
	}

	logs, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("attaching to logs: %w", err)
	}
	defer logs.Close()
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		stdcopy.StdCopy(out, out, logs)
	}()

	waitCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		<-copied
		if res.Error != nil {
			return int(res.StatusCode), fmt.Errorf("waiting for container: %s", res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			c.stop(id)
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("waiting for container: %w", err)
	case <-ctx.Done():
		c.stop(id)
		return -1, ctx.Err()
	}
}

func (c *Client) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	grace := 10
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		c.logger.Warn("stopping container", zap.String("id", id), zap.Error(err))
	}
}

// RemoveOrphans force-removes containers left by an earlier process.
func (c *Client) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", Label)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	removed := 0
	for _, ct := range list {
		if err := c.cli.ContainerRemove(ctx, ct.ID, container.RemoveOptions{Force: true}); err != nil {
			return removed, fmt.Errorf("removing container %s: %w", ct.ID, err)
		}
		removed++
	}
	return removed, nil
}
