// Package supervisor starts, stops and inspects bot worker processes on a
// concrete backend. Two backends exist: an in-process child process manager
// and a Docker container runtime. The backend is chosen once at startup.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// DefaultTimeout bounds every supervisor call made through Bounded.
const DefaultTimeout = 20 * time.Second

// Stream selects which worker log to read.
type Stream string

const (
	StreamStdout Stream = "out"
	StreamStderr Stream = "err"
)

// ParseStream maps user input to a Stream. Empty means stdout.
func ParseStream(s string) (Stream, error) {
	switch s {
	case "", "out", "stdout":
		return StreamStdout, nil
	case "err", "stderr":
		return StreamStderr, nil
	default:
		return "", fleet.InvalidArgument("stream", "must be out or err")
	}
}

// Description is the metrics view of a supervised worker.
type Description struct {
	Status      string        `json:"status"`
	Restarts    int           `json:"restarts"`
	Uptime      time.Duration `json:"uptime_ns"`
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes uint64        `json:"memory_bytes"`
}

// Supervisor runs one worker per handle. Start and Stop are idempotent.
// Describe returns nil, nil when the backend has no record of handle.
type Supervisor interface {
	Name() string
	Start(ctx context.Context, handle string, env map[string]string) error
	Stop(ctx context.Context, handle string) error
	Describe(ctx context.Context, handle string) (*Description, error)
	Logs(ctx context.Context, handle string, stream Stream, lines int) ([]string, error)
	Close() error
}

// Bounded wraps s so that no call outlives timeout. The caller is released
// at the deadline even when the backend ignores its context; the error is
// then fleet.ErrAdapterTimeout.
func Bounded(s Supervisor, timeout time.Duration) Supervisor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &bounded{next: s, timeout: timeout}
}

type bounded struct {
	next    Supervisor
	timeout time.Duration
}

func (b *bounded) Name() string { return b.next.Name() }

func (b *bounded) Start(ctx context.Context, handle string, env map[string]string) error {
	_, err := callBounded(ctx, b.timeout, "start", handle, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.next.Start(ctx, handle, env)
	})
	return err
}

func (b *bounded) Stop(ctx context.Context, handle string) error {
	_, err := callBounded(ctx, b.timeout, "stop", handle, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.next.Stop(ctx, handle)
	})
	return err
}

func (b *bounded) Describe(ctx context.Context, handle string) (*Description, error) {
	return callBounded(ctx, b.timeout, "describe", handle, func(ctx context.Context) (*Description, error) {
		return b.next.Describe(ctx, handle)
	})
}

func (b *bounded) Logs(ctx context.Context, handle string, stream Stream, lines int) ([]string, error) {
	return callBounded(ctx, b.timeout, "logs", handle, func(ctx context.Context) ([]string, error) {
		return b.next.Logs(ctx, handle, stream, lines)
	})
}

func (b *bounded) Close() error { return b.next.Close() }

func callBounded[T any](ctx context.Context, timeout time.Duration, op, handle string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return zero, fleet.AdapterTimeout(op, handle, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fleet.AdapterTimeout(op, handle, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// Forgetter is implemented by backends that keep per-handle bookkeeping
// which should be dropped when a worker is deleted.
type Forgetter interface {
	Forget(handle string)
}

// Forget forwards to the wrapped backend when it keeps bookkeeping.
func (b *bounded) Forget(handle string) {
	if f, ok := b.next.(Forgetter); ok {
		f.Forget(handle)
	}
}
