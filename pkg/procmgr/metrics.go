package procmgr

import (
	"time"
)

// MetricsCollector defines the interface for collecting process manager metrics
type MetricsCollector interface {
	// ProcessStateTransition records a state transition for a process
	ProcessStateTransition(id ProcessID, fromState, toState ProcessState)

	// ProcessLaunchDuration records how long a launch took
	ProcessLaunchDuration(id ProcessID, duration time.Duration, err error)

	// ProcessStopDuration records the duration of a stop
	ProcessStopDuration(id ProcessID, duration time.Duration)

	// ProcessError records an error for a process
	ProcessError(id ProcessID, errorType string)

	// ProcessRestart records an automatic restart
	ProcessRestart(id ProcessID)

	// WorkQueueDepth records the current restart queue depth
	WorkQueueDepth(depth int)

	// WorkQueueBackoffDuration records the delay before a restart
	WorkQueueBackoffDuration(id ProcessID, duration time.Duration)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) ProcessStateTransition(id ProcessID, fromState, toState ProcessState) {
}
func (n *noopMetricsCollector) ProcessLaunchDuration(id ProcessID, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) ProcessStopDuration(id ProcessID, duration time.Duration)      {}
func (n *noopMetricsCollector) ProcessError(id ProcessID, errorType string)                   {}
func (n *noopMetricsCollector) ProcessRestart(id ProcessID)                                   {}
func (n *noopMetricsCollector) WorkQueueDepth(depth int)                                      {}
func (n *noopMetricsCollector) WorkQueueBackoffDuration(id ProcessID, duration time.Duration) {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
