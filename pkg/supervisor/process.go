package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/procfs"

	"github.com/jrepp/botfleet/pkg/procmgr"
)

// ProcessConfig configures the child process backend.
type ProcessConfig struct {
	Command     string        `mapstructure:"command" yaml:"command"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	WorkDir     string        `mapstructure:"workdir" yaml:"workdir"`
	LogDir      string        `mapstructure:"log_dir" yaml:"log_dir"`
	MaxRestarts int           `mapstructure:"max_restarts" yaml:"max_restarts"`
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	MinUptime   time.Duration `mapstructure:"min_uptime" yaml:"min_uptime"`
}

// DefaultProcessConfig returns the process backend defaults.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Command:     "node",
		Args:        []string{"bot.js"},
		LogDir:      "logs",
		MaxRestarts: 10,
		GracePeriod: 10 * time.Second,
		MinUptime:   2 * time.Second,
	}
}

// Process supervises workers as child processes of this daemon.
type Process struct {
	cfg   ProcessConfig
	pm    *procmgr.ProcessManager
	log   *slog.Logger
	stats func(pid int) (cpuSeconds float64, rssBytes uint64, err error)
}

// NewProcess builds the process backend. opts are forwarded to the
// underlying process manager.
func NewProcess(cfg ProcessConfig, log *slog.Logger, opts ...procmgr.Option) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("supervisor.process.command is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "supervisor", "backend", "process")

	opts = append([]procmgr.Option{
		procmgr.WithLogger(log),
		procmgr.WithMinUptime(cfg.MinUptime),
	}, opts...)

	return &Process{
		cfg:   cfg,
		pm:    procmgr.NewProcessManager(opts...),
		log:   log,
		stats: procStats,
	}, nil
}

// Name implements Supervisor
func (p *Process) Name() string { return "process" }

// Start implements Supervisor
func (p *Process) Start(ctx context.Context, handle string, env map[string]string) error {
	return p.pm.Start(ctx, procmgr.Spec{
		ID:          procmgr.ProcessID(handle),
		Command:     p.cfg.Command,
		Args:        p.cfg.Args,
		Env:         env,
		Dir:         p.cfg.WorkDir,
		LogDir:      p.cfg.LogDir,
		MaxRestarts: p.cfg.MaxRestarts,
		GracePeriod: p.cfg.GracePeriod,
	})
}

// Stop implements Supervisor
func (p *Process) Stop(ctx context.Context, handle string) error {
	return p.pm.Stop(ctx, procmgr.ProcessID(handle))
}

// Describe implements Supervisor
func (p *Process) Describe(_ context.Context, handle string) (*Description, error) {
	st, ok := p.pm.Describe(procmgr.ProcessID(handle))
	if !ok {
		return nil, nil
	}

	desc := &Description{
		Status:   processStatus(st.State),
		Restarts: st.RestartCount,
		Uptime:   st.Uptime(),
	}
	if st.PID > 0 {
		cpu, rss, err := p.stats(st.PID)
		if err != nil {
			p.log.Debug("process stats unavailable", "handle", handle, "pid", st.PID, "error", err)
			return desc, nil
		}
		if secs := desc.Uptime.Seconds(); secs > 0 {
			desc.CPUPercent = cpu / secs * 100
		}
		desc.MemoryBytes = rss
	}
	return desc, nil
}

// Logs implements Supervisor
func (p *Process) Logs(_ context.Context, handle string, stream Stream, lines int) ([]string, error) {
	return TailLog(p.cfg.LogDir, handle, stream, lines)
}

// Forget drops bookkeeping for a deleted worker.
func (p *Process) Forget(handle string) {
	p.pm.Forget(procmgr.ProcessID(handle))
}

// Close stops every child.
func (p *Process) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.GracePeriod+5*time.Second)
	defer cancel()
	return p.pm.Shutdown(ctx)
}

func processStatus(s procmgr.ProcessState) string {
	switch s {
	case procmgr.ProcessStateRunning:
		return "running"
	case procmgr.ProcessStateBackoff:
		return "restarting"
	case procmgr.ProcessStateStopping:
		return "stopping"
	case procmgr.ProcessStateErrored:
		return "errored"
	default:
		return "stopped"
	}
}

func procStats(pid int) (float64, uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, err
	}
	return stat.CPUTime(), uint64(stat.ResidentMemory()), nil
}

var _ Supervisor = (*Process)(nil)
