// Package lifecycle drives workers between Stopped and Running. It owns the
// admission checks (credential, quota), serializes operations per worker and
// keeps the registry's observed state in step with the supervisor.
package lifecycle

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/keylock"
	"github.com/jrepp/botfleet/pkg/registry"
	"github.com/jrepp/botfleet/pkg/supervisor"
)

const tracerName = "github.com/jrepp/botfleet/pkg/lifecycle"

// Worker environment passed to the supervisor.
const (
	EnvToken         = "BOT_TOKEN"
	EnvOwnerID       = "OWNER_ID"
	EnvWorkerID      = "WORKER_ID"
	EnvWorkerHandle  = "WORKER_HANDLE"
	EnvDefaultPrefix = "DEFAULT_PREFIX"
	EnvFeatures      = "FEATURES"
	EnvLogDir        = "LOG_DIR"
)

// Config tunes the controller.
type Config struct {
	// DefaultPrefix applies when a worker's settings carry no prefix.
	DefaultPrefix string `mapstructure:"default_prefix" yaml:"default_prefix"`

	// LogDir is handed to workers as LOG_DIR.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`

	// ResyncInterval is the period of Run's reconcile loop.
	ResyncInterval time.Duration `mapstructure:"resync_interval" yaml:"resync_interval"`

	// BulkStartRate limits starts per second issued by
	// OnEntitlementChanged. Zero means unlimited.
	BulkStartRate  float64 `mapstructure:"bulk_start_rate" yaml:"bulk_start_rate"`
	BulkStartBurst int     `mapstructure:"bulk_start_burst" yaml:"bulk_start_burst"`
}

// DefaultConfig returns controller defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPrefix:  "+",
		ResyncInterval: 5 * time.Minute,
		BulkStartRate:  2,
		BulkStartBurst: 1,
	}
}

// Controller is the orchestration core. All methods are safe for concurrent
// use.
type Controller struct {
	reg  *registry.Registry
	ents *entitlement.Store
	sup  supervisor.Supervisor
	cfg  Config

	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	limiter *rate.Limiter

	workerLocks *keylock.Locker[int64]
	tenantLocks *keylock.Locker[string]
	starts      singleflight.Group

	// pending holds admitted starts not yet confirmed, per tenant, so that
	// two different workers of one tenant cannot both pass the quota check.
	pendingMu sync.Mutex
	pending   map[string]map[int64]struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// New wires a controller over the registry, entitlement store and
// supervisor backend.
func New(reg *registry.Registry, ents *entitlement.Store, sup supervisor.Supervisor, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		reg:         reg,
		ents:        ents,
		sup:         sup,
		cfg:         cfg,
		log:         slog.Default(),
		tracer:      otel.Tracer(tracerName),
		workerLocks: keylock.New[int64](),
		tenantLocks: keylock.New[string](),
		pending:     make(map[string]map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "lifecycle")

	limit := rate.Inf
	if cfg.BulkStartRate > 0 {
		limit = rate.Limit(cfg.BulkStartRate)
	}
	burst := cfg.BulkStartBurst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c
}

// span starts a traced, measured operation. The returned func must be
// called with the operation's final error.
func (c *Controller) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(fleet.CodeOf(err)))
		}
		span.End()
		c.metrics.observe(op, start, err)
	}
}

// RequestStart admits and launches a worker. Concurrent calls for the same
// worker share a single supervisor start. A caller whose ctx ends stops
// waiting without cancelling the start for the others.
func (c *Controller) RequestStart(ctx context.Context, id int64) (w *fleet.Worker, err error) {
	ctx, end := c.span(ctx, "start", attribute.Int64("worker.id", id))
	defer func() { end(err) }()

	// The shared start outlives any single caller; supervisor timeouts bound it.
	flight := context.WithoutCancel(ctx)
	ch := c.starts.DoChan(strconv.FormatInt(id, 10), func() (interface{}, error) {
		unlock, err := c.workerLocks.Lock(flight, id)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return c.startLocked(flight, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fleet.Worker), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) startLocked(ctx context.Context, id int64) (*fleet.Worker, error) {
	w, err := c.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.HasCredential() {
		return nil, fleet.CredentialMissing(id)
	}

	release, err := c.admit(ctx, w)
	if err != nil {
		return nil, err
	}
	defer release()

	env, err := c.env(ctx, w)
	if err != nil {
		return nil, err
	}

	log := c.log.With("worker_id", w.ID, "tenant_id", w.TenantID, "handle", w.Handle)
	if err := c.sup.Start(ctx, w.Handle, env); err != nil {
		log.Error("supervisor start failed", "backend", c.sup.Name(), "error", err)
		if fleet.IsCode(err, fleet.ErrorCodeAdapterTimeout) {
			return nil, err
		}
		return nil, fleet.StartFailed(id, w.Handle, err)
	}

	if err := c.reg.UpdateState(ctx, id, fleet.StateRunning, fleet.StateRunning); err != nil {
		return nil, err
	}
	log.Info("worker started")
	return c.reg.Get(ctx, id)
}

// admit checks the tenant's running quota and reserves a slot until the
// returned release func is called.
func (c *Controller) admit(ctx context.Context, w *fleet.Worker) (func(), error) {
	unlock, err := c.tenantLocks.Lock(ctx, w.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	running, err := c.reg.CountRunning(ctx, w.TenantID, w.ID)
	if err != nil {
		return nil, err
	}
	quota, err := c.ents.Quota(ctx, w.TenantID)
	if err != nil {
		return nil, err
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	inflight := 0
	for other := range c.pending[w.TenantID] {
		if other != w.ID {
			inflight++
		}
	}
	if current := running + inflight; current >= quota {
		return nil, fleet.QuotaExceeded(w.TenantID, current, quota).WithContext("worker_id", w.ID)
	}

	slots, ok := c.pending[w.TenantID]
	if !ok {
		slots = make(map[int64]struct{})
		c.pending[w.TenantID] = slots
	}
	slots[w.ID] = struct{}{}

	return func() {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		delete(c.pending[w.TenantID], w.ID)
		if len(c.pending[w.TenantID]) == 0 {
			delete(c.pending, w.TenantID)
		}
	}, nil
}

// env builds the worker's process environment.
func (c *Controller) env(ctx context.Context, w *fleet.Worker) (map[string]string, error) {
	settings, err := c.reg.GetSettings(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	prefix := c.cfg.DefaultPrefix
	if settings.Prefix != nil && *settings.Prefix != "" {
		prefix = *settings.Prefix
	}

	env := map[string]string{
		EnvToken:         w.Credential,
		EnvOwnerID:       w.TenantID,
		EnvWorkerID:      strconv.FormatInt(w.ID, 10),
		EnvWorkerHandle:  w.Handle,
		EnvDefaultPrefix: prefix,
		EnvFeatures:      strings.Join(settings.EnabledFeatures(), ","),
	}
	if c.cfg.LogDir != "" {
		env[EnvLogDir] = c.cfg.LogDir
	}
	return env, nil
}

// RequestStop stops a worker. The registry always ends Stopped; supervisor
// errors are logged and not returned.
func (c *Controller) RequestStop(ctx context.Context, id int64) (w *fleet.Worker, err error) {
	ctx, end := c.span(ctx, "stop", attribute.Int64("worker.id", id))
	defer func() { end(err) }()

	unlock, err := c.workerLocks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.stopLocked(ctx, id)
}

func (c *Controller) stopLocked(ctx context.Context, id int64) (*fleet.Worker, error) {
	w, err := c.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.sup.Stop(ctx, w.Handle); err != nil {
		c.log.Warn("supervisor stop failed, marking stopped anyway",
			"worker_id", w.ID,
			"tenant_id", w.TenantID,
			"handle", w.Handle,
			"error", err)
	}

	if err := c.reg.UpdateState(ctx, id, fleet.StateStopped, fleet.StateStopped); err != nil {
		return nil, err
	}
	c.log.Info("worker stopped", "worker_id", w.ID, "tenant_id", w.TenantID)
	return c.reg.Get(ctx, id)
}

// CreateWorker registers a new worker for tenantID.
func (c *Controller) CreateWorker(ctx context.Context, tenantID, name string) (w *fleet.Worker, err error) {
	ctx, end := c.span(ctx, "create", attribute.String("tenant.id", tenantID))
	defer func() { end(err) }()

	if strings.TrimSpace(tenantID) == "" {
		return nil, fleet.InvalidArgument("tenant_id", "must not be empty")
	}
	return c.reg.Create(ctx, tenantID, name)
}

// SetCredential stores a worker's bot token. A running worker picks it up on
// its next start.
func (c *Controller) SetCredential(ctx context.Context, id int64, token string) (err error) {
	ctx, end := c.span(ctx, "set_credential", attribute.Int64("worker.id", id))
	defer func() { end(err) }()

	unlock, err := c.workerLocks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return c.reg.SetCredential(ctx, id, token)
}

// UpsertSettings merges patch into a worker's settings.
func (c *Controller) UpsertSettings(ctx context.Context, id int64, patch fleet.SettingsPatch) (s *fleet.Settings, err error) {
	ctx, end := c.span(ctx, "upsert_settings", attribute.Int64("worker.id", id))
	defer func() { end(err) }()

	unlock, err := c.workerLocks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.reg.UpsertSettings(ctx, id, patch)
}

// GetSettings returns a worker's effective settings.
func (c *Controller) GetSettings(ctx context.Context, id int64) (*fleet.Settings, error) {
	return c.reg.GetSettings(ctx, id)
}

// GetWorker returns one worker.
func (c *Controller) GetWorker(ctx context.Context, id int64) (*fleet.Worker, error) {
	return c.reg.Get(ctx, id)
}

// ListWorkers returns a tenant's workers, newest first. An empty tenantID
// lists every worker.
func (c *Controller) ListWorkers(ctx context.Context, tenantID string) ([]*fleet.Worker, error) {
	return c.reg.List(ctx, tenantID)
}

// GetEntitlement returns the tenant's authoritative entitlement. Tenants
// without history get a synthesized free-tier record.
func (c *Controller) GetEntitlement(ctx context.Context, tenantID string) (*fleet.Entitlement, error) {
	e, err := c.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		e = &fleet.Entitlement{
			TenantID: tenantID,
			Plan:     fleet.PlanFree,
			Status:   fleet.StatusNone,
			Quota:    c.ents.Plans().FreeMaxWorkers,
		}
	}
	return e, nil
}

// Describe returns the supervisor's live metrics for a worker. It is read
// only; no control decision depends on it.
func (c *Controller) Describe(ctx context.Context, id int64) (*supervisor.Description, error) {
	w, err := c.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	desc, err := c.sup.Describe(ctx, w.Handle)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		desc = &supervisor.Description{Status: string(fleet.StateStopped)}
	}
	return desc, nil
}

// Logs tails a worker's output.
func (c *Controller) Logs(ctx context.Context, id int64, stream supervisor.Stream, lines int) ([]string, error) {
	w, err := c.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.sup.Logs(ctx, w.Handle, stream, lines)
}

// DeleteWorker stops a worker and removes it with its settings.
func (c *Controller) DeleteWorker(ctx context.Context, id int64) (err error) {
	ctx, end := c.span(ctx, "delete", attribute.Int64("worker.id", id))
	defer func() { end(err) }()

	unlock, err := c.workerLocks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	w, err := c.stopLocked(ctx, id)
	if err != nil {
		return err
	}
	if err := c.reg.Delete(ctx, id); err != nil {
		return err
	}
	if f, ok := c.sup.(supervisor.Forgetter); ok {
		f.Forget(w.Handle)
	}
	c.log.Info("worker deleted", "worker_id", id, "tenant_id", w.TenantID)
	return nil
}
