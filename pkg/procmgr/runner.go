package procmgr

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// Runner launches child processes. Implementations must not tie the child to
// the lifetime of any request context.
type Runner interface {
	Start(spec Spec) (Child, error)
}

// ExecRunner launches children with os/exec. The child inherits the parent
// environment overlaid with Spec.Env.
type ExecRunner struct{}

// Start implements Runner
func (ExecRunner) Start(spec Spec) (Child, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	var files []*os.File
	if spec.LogDir != "" {
		stdout, stderr, err := OpenLogFiles(spec.LogDir, spec.ID)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		files = append(files, stdout, stderr)
	}

	if err := cmd.Start(); err != nil {
		closeAll(files)
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &execChild{cmd: cmd, files: files}, nil
}

// LogPaths returns the stdout and stderr log file paths for id under dir.
func LogPaths(dir string, id ProcessID) (stdout, stderr string) {
	return filepath.Join(dir, string(id)+".out.log"), filepath.Join(dir, string(id)+".err.log")
}

// OpenLogFiles opens the append-only stdout and stderr logs for id.
func OpenLogFiles(dir string, id ProcessID) (*os.File, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	outPath, errPath := LogPaths(dir, id)
	stdout, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, ok := overlay[name]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type execChild struct {
	cmd   *exec.Cmd
	files []*os.File
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Wait() error {
	err := c.cmd.Wait()
	closeAll(c.files)
	return err
}

func (c *execChild) Signal(sig os.Signal) error { return c.cmd.Process.Signal(sig) }

func (c *execChild) Kill() error { return c.cmd.Process.Kill() }
