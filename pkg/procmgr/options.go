package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the ProcessManager
type Option func(*ProcessManager)

// WithRunner sets how child processes are launched
func WithRunner(runner Runner) Option {
	return func(pm *ProcessManager) {
		pm.runner = runner
	}
}

// WithBackOff sets the restart backoff base and cap
func WithBackOff(base, max time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.backOffBase = base
		pm.backOffMax = max
	}
}

// WithMinUptime sets how long a freshly started child must stay up before
// Start reports success. Zero disables the check.
func WithMinUptime(d time.Duration) Option {
	return func(pm *ProcessManager) {
		pm.minUptime = d
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(pm *ProcessManager) {
		pm.metrics = mc
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(pm *ProcessManager) {
		pm.log = log
	}
}
