package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrExitedDuringStartup is reported when a child dies inside the
	// minimum uptime window.
	ErrExitedDuringStartup = errors.New("process exited during startup")

	// ErrShutdown is returned by Start after Shutdown was called.
	ErrShutdown = errors.New("process manager is shut down")
)

const queuePollInterval = 50 * time.Millisecond

// NewProcessManager creates a process manager and starts its restart loop.
func NewProcessManager(opts ...Option) *ProcessManager {
	ctx, cancel := context.WithCancel(context.Background())
	pm := &ProcessManager{
		processes:      make(map[ProcessID]*process),
		runner:         ExecRunner{},
		backOffBase:    time.Second,
		backOffMax:     time.Minute,
		workQueue:      NewWorkQueue(),
		metrics:        NewNoopMetricsCollector(),
		log:            slog.Default(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	for _, opt := range opts {
		opt(pm)
	}
	pm.log = pm.log.With("component", "procmgr")

	pm.wg.Add(1)
	go pm.workQueueConsumer()
	return pm
}

// Start launches spec.ID if it is not already running. A process in backoff
// or errored state is relaunched with a fresh restart budget.
func (pm *ProcessManager) Start(ctx context.Context, spec Spec) error {
	if spec.ID == "" || spec.Command == "" {
		return errors.New("process spec requires an id and a command")
	}
	if pm.shutdownCtx.Err() != nil {
		return ErrShutdown
	}

	p := pm.entry(spec.ID)

	p.mu.Lock()
	for p.state == ProcessStateStopping {
		exited := p.exited
		p.mu.Unlock()
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}

	if p.state == ProcessStateRunning {
		p.mu.Unlock()
		return nil
	}
	if p.state == ProcessStateBackoff {
		pm.workQueue.Remove(spec.ID)
	}

	p.spec = spec
	p.restartCount = 0
	gen, exited, err := pm.launchLocked(p, pm.minUptime <= 0)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	return pm.confirm(ctx, p, gen, exited)
}

// Stop terminates id with SIGTERM, escalating to SIGKILL after the spec's
// grace period. Stopping an unknown or stopped process is a no-op.
func (pm *ProcessManager) Stop(ctx context.Context, id ProcessID) error {
	p, ok := pm.lookup(id)
	if !ok {
		return nil
	}

	p.mu.Lock()
	switch p.state {
	case ProcessStateStopped:
		p.mu.Unlock()
		return nil
	case ProcessStateErrored:
		pm.transition(p, ProcessStateStopped)
		p.mu.Unlock()
		return nil
	case ProcessStateBackoff:
		pm.workQueue.Remove(id)
		pm.transition(p, ProcessStateStopped)
		p.mu.Unlock()
		return nil
	case ProcessStateStopping:
		exited := p.exited
		p.mu.Unlock()
		select {
		case <-exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	child := p.child
	exited := p.exited
	grace := p.spec.GracePeriod
	p.stopping = true
	pm.transition(p, ProcessStateStopping)
	p.mu.Unlock()

	start := time.Now()
	defer func() { pm.metrics.ProcessStopDuration(id, time.Since(start)) }()

	var graceC <-chan time.Time
	if err := child.Signal(syscall.SIGTERM); err != nil || grace <= 0 {
		_ = child.Kill()
	} else {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		graceC = timer.C
	}

	for {
		select {
		case <-exited:
			return nil
		case <-graceC:
			pm.log.Warn("process ignored SIGTERM, killing", "process_id", id, "grace", grace)
			_ = child.Kill()
			graceC = nil
		case <-ctx.Done():
			_ = child.Kill()
			return ctx.Err()
		}
	}
}

// Describe returns a snapshot of id, or false when the manager never saw it.
func (pm *ProcessManager) Describe(id ProcessID) (ProcessStatus, bool) {
	p, ok := pm.lookup(id)
	if !ok {
		return ProcessStatus{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), true
}

// List returns snapshots of every known process ordered by id.
func (pm *ProcessManager) List() []ProcessStatus {
	pm.mu.Lock()
	procs := make([]*process, 0, len(pm.processes))
	for _, p := range pm.processes {
		procs = append(procs, p)
	}
	pm.mu.Unlock()

	out := make([]ProcessStatus, 0, len(procs))
	for _, p := range procs {
		p.mu.Lock()
		out = append(out, p.snapshot())
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops the bookkeeping for a process that is not running.
func (pm *ProcessManager) Forget(id ProcessID) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.processes[id]
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessStateStopped && p.state != ProcessStateErrored {
		return false
	}
	delete(pm.processes, id)
	return true
}

// Shutdown stops every process and waits for background goroutines.
func (pm *ProcessManager) Shutdown(ctx context.Context) error {
	pm.shutdownCancel()

	pm.mu.Lock()
	ids := make([]ProcessID, 0, len(pm.processes))
	for id := range pm.processes {
		ids = append(ids, id)
	}
	pm.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return pm.Stop(gctx, id)
		})
	}
	stopErr := g.Wait()

	done := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	pm.log.Info("process manager shut down", "processes", len(ids))
	return stopErr
}

func (pm *ProcessManager) entry(id ProcessID) *process {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.processes[id]
	if !ok {
		p = &process{spec: Spec{ID: id}, state: ProcessStateStopped}
		pm.processes[id] = p
	}
	return p
}

func (pm *ProcessManager) lookup(id ProcessID) (*process, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.processes[id]
	return p, ok
}

// launchLocked starts a child for p. Caller holds p.mu.
func (pm *ProcessManager) launchLocked(p *process, confirmed bool) (uint64, chan struct{}, error) {
	id := p.spec.ID
	start := time.Now()
	child, err := pm.runner.Start(p.spec)
	pm.metrics.ProcessLaunchDuration(id, time.Since(start), err)
	if err != nil {
		p.lastError = err
		pm.metrics.ProcessError(id, "launch")
		pm.transition(p, ProcessStateErrored)
		return 0, nil, fmt.Errorf("launch %s: %w", id, err)
	}

	p.generation++
	p.child = child
	p.exited = make(chan struct{})
	p.confirmed = confirmed
	p.stopping = false
	p.startedAt = time.Now()
	p.lastError = nil
	pm.transition(p, ProcessStateRunning)

	pm.log.Info("process launched", "process_id", id, "pid", child.PID(), "restarts", p.restartCount)

	pm.wg.Add(1)
	go pm.watch(p, child, p.generation, p.exited)
	return p.generation, p.exited, nil
}

// confirm waits out the minimum uptime window for a fresh launch.
func (pm *ProcessManager) confirm(ctx context.Context, p *process, gen uint64, exited chan struct{}) error {
	if pm.minUptime <= 0 {
		return nil
	}

	timer := time.NewTimer(pm.minUptime)
	defer timer.Stop()

	select {
	case <-exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.lastError != nil && !errors.Is(p.lastError, ErrExitedDuringStartup) {
			return fmt.Errorf("%w: %v", ErrExitedDuringStartup, p.lastError)
		}
		return ErrExitedDuringStartup
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation == gen && p.state == ProcessStateRunning {
		p.confirmed = true
	}
	return ctx.Err()
}

func (pm *ProcessManager) watch(p *process, child Child, gen uint64, exited chan struct{}) {
	defer pm.wg.Done()

	waitErr := child.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(exited)

	if gen != p.generation {
		return
	}

	id := p.spec.ID
	p.child = nil
	p.lastExit = time.Now()
	if waitErr != nil {
		p.lastError = waitErr
	}

	switch {
	case p.stopping:
		p.stopping = false
		pm.transition(p, ProcessStateStopped)
		pm.log.Info("process stopped", "process_id", id)

	case !p.confirmed:
		if waitErr == nil {
			p.lastError = ErrExitedDuringStartup
		}
		pm.metrics.ProcessError(id, "startup")
		pm.transition(p, ProcessStateErrored)
		pm.log.Warn("process exited during startup", "process_id", id, "error", p.lastError)

	case pm.shutdownCtx.Err() != nil:
		pm.transition(p, ProcessStateStopped)

	case p.spec.MaxRestarts < 0 || p.restartCount >= p.spec.MaxRestarts:
		pm.metrics.ProcessError(id, "restart_limit")
		pm.transition(p, ProcessStateErrored)
		pm.log.Error("process exceeded restart limit",
			"process_id", id,
			"restarts", p.restartCount,
			"error", waitErr)

	default:
		delay := ExponentialBackoff(p.restartCount, pm.backOffBase, pm.backOffMax)
		p.restartCount++
		pm.transition(p, ProcessStateBackoff)
		pm.workQueue.Enqueue(id, delay)
		pm.metrics.WorkQueueBackoffDuration(id, delay)
		pm.metrics.WorkQueueDepth(pm.workQueue.Len())
		pm.log.Warn("process crashed, restarting",
			"process_id", id,
			"attempt", p.restartCount,
			"delay", delay,
			"error", waitErr)
	}
}

func (pm *ProcessManager) workQueueConsumer() {
	defer pm.wg.Done()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.shutdownCtx.Done():
			return
		case <-pm.workQueue.Wait():
		case <-ticker.C:
		}

		for {
			id, ok := pm.workQueue.Dequeue()
			if !ok {
				break
			}
			pm.restart(id)
		}
		pm.metrics.WorkQueueDepth(pm.workQueue.Len())
	}
}

func (pm *ProcessManager) restart(id ProcessID) {
	p, ok := pm.lookup(id)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ProcessStateBackoff || pm.shutdownCtx.Err() != nil {
		return
	}
	pm.metrics.ProcessRestart(id)
	if _, _, err := pm.launchLocked(p, true); err != nil {
		pm.log.Error("restart failed", "process_id", id, "error", err)
	}
}

// transition records a state change. Caller holds p.mu.
func (pm *ProcessManager) transition(p *process, to ProcessState) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	pm.metrics.ProcessStateTransition(p.spec.ID, from, to)
	pm.log.Debug("process state transition",
		"process_id", p.spec.ID,
		"from", from.String(),
		"to", to.String())
}
