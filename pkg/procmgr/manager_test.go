package procmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	pid        int
	ignoreTerm bool

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	exit   error
	killed bool
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, done: make(chan struct{})}
}

func (c *fakeChild) PID() int { return c.pid }

func (c *fakeChild) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

func (c *fakeChild) Signal(os.Signal) error {
	if !c.ignoreTerm {
		c.finish(nil)
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.finish(errors.New("signal: killed"))
	return nil
}

// crash makes the child exit on its own.
func (c *fakeChild) crash(err error) { c.finish(err) }

func (c *fakeChild) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.exit = err
		c.mu.Unlock()
		close(c.done)
	})
}

type fakeRunner struct {
	mu         sync.Mutex
	children   []*fakeChild
	failWith   error
	ignoreTerm bool
	onStart    func(*fakeChild)
}

func (r *fakeRunner) Start(spec Spec) (Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	c := newFakeChild(1000 + len(r.children))
	c.ignoreTerm = r.ignoreTerm
	r.children = append(r.children, c)
	if r.onStart != nil {
		r.onStart(c)
	}
	return c, nil
}

func (r *fakeRunner) launches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.children)
}

func (r *fakeRunner) last() *fakeChild {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children[len(r.children)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, runner Runner, opts ...Option) *ProcessManager {
	t.Helper()
	opts = append([]Option{
		WithRunner(runner),
		WithBackOff(5*time.Millisecond, 20*time.Millisecond),
		WithLogger(quietLogger()),
	}, opts...)
	pm := NewProcessManager(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pm.Shutdown(ctx)
	})
	return pm
}

func testSpec(id string) Spec {
	return Spec{ID: ProcessID(id), Command: "bot", MaxRestarts: 3, GracePeriod: time.Second}
}

func requireState(t *testing.T, pm *ProcessManager, id ProcessID, want ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := pm.Describe(id)
		return ok && st.State == want
	}, 2*time.Second, 5*time.Millisecond, "process %s never reached %s", id, want)
}

func TestProcessManager_StartIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))

	assert.Equal(t, 1, runner.launches())
	st, ok := pm.Describe("bot_a")
	require.True(t, ok)
	assert.Equal(t, ProcessStateRunning, st.State)
	assert.Equal(t, 1000, st.PID)
	assert.Greater(t, st.Uptime(), time.Duration(-1))
}

func TestProcessManager_StartValidatesSpec(t *testing.T) {
	pm := newTestManager(t, &fakeRunner{})
	assert.Error(t, pm.Start(context.Background(), Spec{ID: "bot_a"}))
	assert.Error(t, pm.Start(context.Background(), Spec{Command: "bot"}))
}

func TestProcessManager_LaunchFailure(t *testing.T) {
	runner := &fakeRunner{failWith: errors.New("exec: not found")}
	pm := newTestManager(t, runner)

	err := pm.Start(context.Background(), testSpec("bot_a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec: not found")

	st, ok := pm.Describe("bot_a")
	require.True(t, ok)
	assert.Equal(t, ProcessStateErrored, st.State)
	assert.Error(t, st.LastError)
}

func TestProcessManager_RestartsAfterCrash(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)

	require.NoError(t, pm.Start(context.Background(), testSpec("bot_a")))
	runner.last().crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool { return runner.launches() == 2 }, 2*time.Second, 5*time.Millisecond)
	requireState(t, pm, "bot_a", ProcessStateRunning)

	st, _ := pm.Describe("bot_a")
	assert.Equal(t, 1, st.RestartCount)
}

func TestProcessManager_RestartLimit(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)

	spec := testSpec("bot_a")
	spec.MaxRestarts = 2
	require.NoError(t, pm.Start(context.Background(), spec))

	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return runner.launches() == i }, 2*time.Second, 5*time.Millisecond)
		requireState(t, pm, "bot_a", ProcessStateRunning)
		runner.last().crash(errors.New("exit status 1"))
	}

	requireState(t, pm, "bot_a", ProcessStateErrored)
	assert.Equal(t, 3, runner.launches())

	// An explicit start resets the budget.
	require.NoError(t, pm.Start(context.Background(), spec))
	st, _ := pm.Describe("bot_a")
	assert.Equal(t, ProcessStateRunning, st.State)
	assert.Zero(t, st.RestartCount)
}

func TestProcessManager_NegativeMaxRestartsNeverRestarts(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)

	spec := testSpec("bot_a")
	spec.MaxRestarts = -1
	require.NoError(t, pm.Start(context.Background(), spec))
	runner.last().crash(nil)

	requireState(t, pm, "bot_a", ProcessStateErrored)
	assert.Equal(t, 1, runner.launches())
}

func TestProcessManager_Stop(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	child := runner.last()

	require.NoError(t, pm.Stop(ctx, "bot_a"))
	requireState(t, pm, "bot_a", ProcessStateStopped)
	assert.False(t, child.killed)

	// Stopping again, or stopping something never started, is a no-op.
	require.NoError(t, pm.Stop(ctx, "bot_a"))
	require.NoError(t, pm.Stop(ctx, "bot_missing"))

	// No restart is scheduled after an intentional stop.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.launches())
}

func TestProcessManager_StopEscalatesToKill(t *testing.T) {
	runner := &fakeRunner{ignoreTerm: true}
	pm := newTestManager(t, runner)
	ctx := context.Background()

	spec := testSpec("bot_a")
	spec.GracePeriod = 20 * time.Millisecond
	require.NoError(t, pm.Start(ctx, spec))
	child := runner.last()

	require.NoError(t, pm.Stop(ctx, "bot_a"))
	requireState(t, pm, "bot_a", ProcessStateStopped)
	assert.True(t, child.killed)
}

func TestProcessManager_StopDuringBackoff(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner, WithBackOff(time.Hour, time.Hour))
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	runner.last().crash(errors.New("exit status 2"))
	requireState(t, pm, "bot_a", ProcessStateBackoff)

	require.NoError(t, pm.Stop(ctx, "bot_a"))
	st, _ := pm.Describe("bot_a")
	assert.Equal(t, ProcessStateStopped, st.State)
	assert.Zero(t, pm.workQueue.Len())
}

func TestProcessManager_MinUptime(t *testing.T) {
	t.Run("survives window", func(t *testing.T) {
		runner := &fakeRunner{}
		pm := newTestManager(t, runner, WithMinUptime(20*time.Millisecond))
		require.NoError(t, pm.Start(context.Background(), testSpec("bot_a")))
	})

	t.Run("exits inside window", func(t *testing.T) {
		runner := &fakeRunner{onStart: func(c *fakeChild) {
			go func() {
				time.Sleep(5 * time.Millisecond)
				c.crash(errors.New("exit status 1"))
			}()
		}}
		pm := newTestManager(t, runner, WithMinUptime(time.Second))

		err := pm.Start(context.Background(), testSpec("bot_a"))
		require.ErrorIs(t, err, ErrExitedDuringStartup)

		st, _ := pm.Describe("bot_a")
		assert.Equal(t, ProcessStateErrored, st.State)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, runner.launches(), "startup failures are not restarted")
	})
}

func TestProcessManager_Forget(t *testing.T) {
	runner := &fakeRunner{}
	pm := newTestManager(t, runner)
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	assert.False(t, pm.Forget("bot_a"), "running processes are kept")

	require.NoError(t, pm.Stop(ctx, "bot_a"))
	requireState(t, pm, "bot_a", ProcessStateStopped)
	assert.True(t, pm.Forget("bot_a"))

	_, ok := pm.Describe("bot_a")
	assert.False(t, ok)
}

func TestProcessManager_ShutdownStopsEverything(t *testing.T) {
	runner := &fakeRunner{}
	pm := NewProcessManager(WithRunner(runner), WithLogger(quietLogger()))
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	require.NoError(t, pm.Start(ctx, testSpec("bot_b")))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pm.Shutdown(shutdownCtx))

	for _, st := range pm.List() {
		assert.Equal(t, ProcessStateStopped, st.State, st.ID)
	}
	assert.ErrorIs(t, pm.Start(ctx, testSpec("bot_c")), ErrShutdown)
}

func TestProcessManager_MetricsRecorded(t *testing.T) {
	runner := &fakeRunner{}
	metrics := NewPrometheusMetricsCollector("")
	pm := newTestManager(t, runner, WithMetricsCollector(metrics))
	ctx := context.Background()

	require.NoError(t, pm.Start(ctx, testSpec("bot_a")))
	runner.last().crash(errors.New("exit status 1"))
	require.Eventually(t, func() bool { return runner.launches() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pm.Stop(ctx, "bot_a"))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["procmgr_process_restarts_total"])
	assert.True(t, names["procmgr_process_state_transitions_total"])
	assert.True(t, names["procmgr_process_launch_duration_seconds"])
}

func TestExecRunner_WritesLogs(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	child, err := ExecRunner{}.Start(Spec{
		ID:      "bot_exec",
		Command: sh,
		Args:    []string{"-c", `echo "hello $GREETING"; echo oops >&2`},
		Env:     map[string]string{"GREETING": "world"},
		LogDir:  dir,
	})
	require.NoError(t, err)
	assert.Positive(t, child.PID())
	require.NoError(t, child.Wait())

	outPath, errPath := LogPaths(dir, "bot_exec")
	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))

	errOut, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
	assert.Equal(t, filepath.Join(dir, "bot_exec.err.log"), errPath)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "BOT_TOKEN=old"}, map[string]string{"BOT_TOKEN": "new", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "A=1", "BOT_TOKEN=new"}, env)
}
