package procmgr

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ProcessState represents the lifecycle state of a managed child process
type ProcessState int

const (
	// ProcessStateStopped - no child is running and none is wanted
	ProcessStateStopped ProcessState = iota
	// ProcessStateRunning - child is alive
	ProcessStateRunning
	// ProcessStateBackoff - child crashed and a restart is queued
	ProcessStateBackoff
	// ProcessStateStopping - termination signal sent, waiting for exit
	ProcessStateStopping
	// ProcessStateErrored - restart budget exhausted or startup failed
	ProcessStateErrored
)

// String returns the string representation of a ProcessState
func (ps ProcessState) String() string {
	switch ps {
	case ProcessStateStopped:
		return "Stopped"
	case ProcessStateRunning:
		return "Running"
	case ProcessStateBackoff:
		return "Backoff"
	case ProcessStateStopping:
		return "Stopping"
	case ProcessStateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Active reports whether the manager is keeping a child alive in this state.
func (ps ProcessState) Active() bool {
	return ps == ProcessStateRunning || ps == ProcessStateBackoff
}

// ProcessID uniquely identifies a managed process
type ProcessID string

// Spec describes a child process to keep running.
type Spec struct {
	ID      ProcessID
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// LogDir receives <id>.out.log and <id>.err.log. Empty discards output.
	LogDir string

	// MaxRestarts bounds automatic restarts after crashes. Negative means
	// never restart.
	MaxRestarts int

	// GracePeriod is the time between SIGTERM and SIGKILL on stop.
	GracePeriod time.Duration
}

// Child is a launched OS process.
type Child interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// ProcessStatus is a snapshot of a managed process
type ProcessStatus struct {
	ID           ProcessID
	State        ProcessState
	PID          int
	RestartCount int
	StartedAt    time.Time
	LastExit     time.Time
	LastError    error
}

// Uptime returns how long the current child has been running.
func (s *ProcessStatus) Uptime() time.Duration {
	if s.State != ProcessStateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// ProcessManager keeps 0 or more named child processes alive
type ProcessManager struct {
	mu        sync.Mutex
	processes map[ProcessID]*process

	// Configuration
	runner      Runner
	backOffBase time.Duration
	backOffMax  time.Duration
	minUptime   time.Duration
	workQueue   WorkQueue
	metrics     MetricsCollector
	log         *slog.Logger

	// Lifecycle
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// Internal state tracking per process
type process struct {
	// mu serializes launch, stop and exit handling for one process
	mu sync.Mutex

	spec  Spec
	state ProcessState
	child Child

	// generation increments on every launch so stale exits are ignored
	generation uint64
	exited     chan struct{}

	// confirmed is false until the child survived the startup window
	confirmed bool
	stopping  bool

	startedAt    time.Time
	lastExit     time.Time
	lastError    error
	restartCount int
}

func (p *process) snapshot() ProcessStatus {
	st := ProcessStatus{
		ID:           p.spec.ID,
		State:        p.state,
		RestartCount: p.restartCount,
		StartedAt:    p.startedAt,
		LastExit:     p.lastExit,
		LastError:    p.lastError,
	}
	if p.child != nil && p.state == ProcessStateRunning {
		st.PID = p.child.PID()
	}
	return st
}
