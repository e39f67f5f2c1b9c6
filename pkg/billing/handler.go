package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/lifecycle"
)

// Result is the outcome of handling one event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultFailed    Result = "failed"
)

// DefaultApplyTimeout bounds how long applying one entitlement change to a
// tenant's workers may run once the event is recorded.
const DefaultApplyTimeout = 2 * time.Minute

// Applier reacts to a tenant's entitlement status change.
type Applier interface {
	OnEntitlementChanged(ctx context.Context, tenantID string, status fleet.EntitlementStatus) (*lifecycle.BulkResult, error)
}

// Handler deduplicates events, records the entitlement and applies it.
type Handler struct {
	store   *entitlement.Store
	seen    entitlement.SeenEvents
	applier Applier
	log     *slog.Logger

	applyTimeout time.Duration

	events   *prometheus.CounterVec
	registry *prometheus.Registry
}

// NewHandler creates a Handler.
func NewHandler(store *entitlement.Store, seen entitlement.SeenEvents, applier Applier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		store:    store,
		seen:     seen,
		applier:  applier,
		log:      log.With("component", "billing"),
		registry: prometheus.NewRegistry(),

		applyTimeout: DefaultApplyTimeout,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botfleet",
				Subsystem: "billing",
				Name:      "events_total",
				Help:      "Billing events by type and result",
			},
			[]string{"type", "result"},
		),
	}
	h.registry.MustRegister(h.events)
	return h
}

// Registry returns the registry holding the handler's metrics.
func (h *Handler) Registry() *prometheus.Registry {
	return h.registry
}

// Handle processes ev once. Redeliveries of a handled event return
// ResultDuplicate without side effects. If the entitlement cannot be
// recorded the event is forgotten so a redelivery is processed again.
func (h *Handler) Handle(ctx context.Context, ev *Event) (res Result, err error) {
	defer func() { h.events.WithLabelValues(ev.Type, string(res)).Inc() }()

	status, known := StatusFor(ev)
	if known && ev.TenantID == "" {
		return ResultFailed, fleet.InvalidArgument("tenant_id", "event carries no tenant metadata").
			WithContext("event_id", ev.ID)
	}

	log := h.log.With("event_id", ev.ID, "event_type", ev.Type, "tenant_id", ev.TenantID)

	first, err := h.seen.MarkSeen(ctx, ev.ID, ev.Type, ev.Payload)
	if err != nil {
		return ResultFailed, err
	}
	if !first {
		log.Debug("duplicate billing event")
		return ResultDuplicate, nil
	}
	if !known {
		log.Debug("ignoring billing event type")
		return ResultIgnored, nil
	}

	if _, err := h.store.Upsert(ctx, entitlement.Update{
		TenantID: ev.TenantID,
		Status:   status,
		Refs:     ev.Refs,
	}); err != nil {
		if ferr := h.seen.Forget(ctx, ev.ID); ferr != nil {
			log.Error("failed to forget event after store failure", "error", ferr)
		}
		return ResultFailed, err
	}
	log.Info("entitlement updated", "status", status)

	// The event is already recorded as seen, so a redelivery will not retry
	// the apply. Finish it even if the caller goes away.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.applyTimeout)
	defer cancel()

	bulk, err := h.applier.OnEntitlementChanged(applyCtx, ev.TenantID, status)
	if err != nil {
		// The entitlement is recorded; reconcile and later requests enforce it.
		log.Error("applying entitlement to workers failed", "error", err)
		return ResultApplied, nil
	}
	log.Info("entitlement applied",
		"started", len(bulk.Started),
		"stopped", len(bulk.Stopped),
		"failed", len(bulk.Failed),
		"skipped", len(bulk.Skipped))
	return ResultApplied, nil
}
