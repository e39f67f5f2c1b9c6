package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	labelHandle  = "botfleet.handle"
	labelManaged = "botfleet.managed"
)

// ContainerConfig configures the Docker backend.
type ContainerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host        string   `mapstructure:"host" yaml:"host"`
	Image       string   `mapstructure:"image" yaml:"image"`
	Command     []string `mapstructure:"command" yaml:"command"`
	WorkDir     string   `mapstructure:"workdir" yaml:"workdir"`
	Binds       []string `mapstructure:"binds" yaml:"binds"`
	Network     string   `mapstructure:"network" yaml:"network"`
	MaxRestarts int      `mapstructure:"max_restarts" yaml:"max_restarts"`
	// LogDir is bind mounted at the same path inside every container.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
}

// DefaultContainerConfig returns the container backend defaults.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		Image:       "botfleet/worker:latest",
		MaxRestarts: 10,
	}
}

// containerAPI is the slice of the Docker client the backend uses.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Container supervises workers as Docker containers named after their
// handle.
type Container struct {
	cfg ContainerConfig
	api containerAPI
	log *slog.Logger
	now func() time.Time
}

// NewContainer connects to the Docker daemon.
func NewContainer(cfg ContainerConfig, log *slog.Logger) (*Container, error) {
	if cfg.Image == "" {
		return nil, errors.New("supervisor.container.image is required")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newContainer(cfg, cli, log), nil
}

func newContainer(cfg ContainerConfig, api containerAPI, log *slog.Logger) *Container {
	if log == nil {
		log = slog.Default()
	}
	return &Container{
		cfg: cfg,
		api: api,
		log: log.With("component", "supervisor", "backend", "container"),
		now: time.Now,
	}
}

// Name implements Supervisor
func (c *Container) Name() string { return "container" }

// Start implements Supervisor. A container that exists but is not running
// is recreated, since its env was fixed when it was created.
func (c *Container) Start(ctx context.Context, handle string, env map[string]string) error {
	info, err := c.api.ContainerInspect(ctx, handle)
	switch {
	case err == nil:
		if isRunning(info) {
			return nil
		}
		c.log.Info("recreating stale container", "handle", handle)
		if err := c.Stop(ctx, handle); err != nil {
			return err
		}
	case errdefs.IsNotFound(err):
	default:
		return fmt.Errorf("inspect %s: %w", handle, err)
	}

	if err := c.create(ctx, handle, env); err != nil {
		return err
	}

	if err := c.api.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", handle, err)
	}
	c.log.Info("container started", "handle", handle)
	return nil
}

func (c *Container) create(ctx context.Context, handle string, env map[string]string) error {
	cfg := &container.Config{
		Image:      c.cfg.Image,
		Cmd:        c.cfg.Command,
		Env:        envList(env),
		WorkingDir: c.cfg.WorkDir,
		Labels: map[string]string{
			labelHandle:  handle,
			labelManaged: "true",
		},
	}
	binds := append([]string{}, c.cfg.Binds...)
	if c.cfg.LogDir != "" {
		binds = append(binds, c.cfg.LogDir+":"+c.cfg.LogDir)
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: c.cfg.MaxRestarts,
		},
	}
	if c.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.cfg.Network)
	}

	_, err := c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, handle)
	if errdefs.IsNotFound(err) {
		if err := c.pull(ctx); err != nil {
			return err
		}
		_, err = c.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, handle)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", handle, err)
	}
	return nil
}

func (c *Container) pull(ctx context.Context) error {
	c.log.Info("pulling worker image", "image", c.cfg.Image)
	rc, err := c.api.ImagePull(ctx, c.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", c.cfg.Image, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", c.cfg.Image, err)
	}
	return nil
}

// Stop implements Supervisor. The container is removed so the next start
// picks up fresh env.
func (c *Container) Stop(ctx context.Context, handle string) error {
	err := c.api.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", handle, err)
	}
	return nil
}

// Describe implements Supervisor
func (c *Container) Describe(ctx context.Context, handle string) (*Description, error) {
	info, err := c.api.ContainerInspect(ctx, handle)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", handle, err)
	}

	desc := &Description{Status: "unknown"}
	if info.ContainerJSONBase != nil {
		desc.Restarts = info.RestartCount
		if info.State != nil {
			desc.Status = info.State.Status
			if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && info.State.Running {
				desc.Uptime = c.now().Sub(started)
			}
		}
	}
	if !isRunning(info) {
		return desc, nil
	}

	stats, err := c.stats(ctx, handle)
	if err != nil {
		c.log.Debug("container stats unavailable", "handle", handle, "error", err)
		return desc, nil
	}
	desc.CPUPercent = cpuPercent(stats)
	desc.MemoryBytes = memoryUsage(stats)
	return desc, nil
}

func (c *Container) stats(ctx context.Context, handle string) (*container.StatsResponse, error) {
	resp, err := c.api.ContainerStatsOneShot(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// Logs implements Supervisor using the container's own log stream.
func (c *Container) Logs(ctx context.Context, handle string, stream Stream, lines int) ([]string, error) {
	n := clampLines(lines)
	rc, err := c.api.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: stream != StreamStderr,
		ShowStderr: stream == StreamStderr,
		Tail:       strconv.Itoa(n),
	})
	if errdefs.IsNotFound(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logs %s: %w", handle, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("logs %s: %w", handle, err)
	}
	if stream == StreamStderr {
		return tailLines(&stderr, n)
	}
	return tailLines(&stdout, n)
}

// Close implements Supervisor. Containers keep running; the daemon owns
// them.
func (c *Container) Close() error {
	return c.api.Close()
}

func isRunning(info container.InspectResponse) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	return cpuDelta / sysDelta * cpus * 100
}

func memoryUsage(s *container.StatsResponse) uint64 {
	usage := s.MemoryStats.Usage
	if cache, ok := s.MemoryStats.Stats["inactive_file"]; ok && cache < usage {
		return usage - cache
	}
	return usage
}

var _ Supervisor = (*Container)(nil)
