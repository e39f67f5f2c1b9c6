package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Checked   int
	Restarted int
	Stopped   int
	Unknown   int
}

// Reconcile re-asserts every worker's desired state through the supervisor.
// Workers wanted Running are started again (a no-op for live ones), oldest
// first up to the tenant's quota; the rest are stopped. A failed re-assert
// marks the worker Unknown. Workers wanted Stopped but not observed Stopped
// are stopped.
func (c *Controller) Reconcile(ctx context.Context) (rep ReconcileReport, err error) {
	ctx, end := c.span(ctx, "reconcile")
	defer func() { end(err) }()

	workers, err := c.reg.List(ctx, "")
	if err != nil {
		return rep, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	slots := make(quotaSlots)
	counts := map[fleet.WorkerState]int{}
	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		observed := c.reconcileWorker(ctx, w, slots, &rep)
		counts[observed]++
	}
	c.metrics.setWorkers(counts)

	c.log.Info("reconcile complete",
		"checked", rep.Checked,
		"restarted", rep.Restarted,
		"stopped", rep.Stopped,
		"unknown", rep.Unknown)
	return rep, nil
}

// quotaSlots tracks how many more desired-Running workers each tenant may
// keep during one reconcile pass.
type quotaSlots map[string]int

func (c *Controller) take(ctx context.Context, slots quotaSlots, tenantID string) (bool, error) {
	left, ok := slots[tenantID]
	if !ok {
		quota, err := c.ents.Quota(ctx, tenantID)
		if err != nil {
			return false, err
		}
		left = quota
	}
	if left <= 0 {
		slots[tenantID] = 0
		return false, nil
	}
	slots[tenantID] = left - 1
	return true, nil
}

func (c *Controller) reconcileWorker(ctx context.Context, snapshot *fleet.Worker, slots quotaSlots, rep *ReconcileReport) fleet.WorkerState {
	unlock, err := c.workerLocks.Lock(ctx, snapshot.ID)
	if err != nil {
		return snapshot.ObservedState
	}
	defer unlock()

	// Re-read under the lock; an operation may have finished meanwhile.
	w, err := c.reg.Get(ctx, snapshot.ID)
	if err != nil {
		return snapshot.ObservedState
	}
	log := c.log.With("worker_id", w.ID, "tenant_id", w.TenantID, "handle", w.Handle)

	switch {
	case w.DesiredState == fleet.StateRunning:
		allowed, err := c.take(ctx, slots, w.TenantID)
		if err != nil {
			log.Error("quota lookup failed during reconcile", "error", err)
			return w.ObservedState
		}
		if !allowed {
			log.Warn("worker exceeds tenant quota, stopping")
			if _, err := c.stopLocked(ctx, w.ID); err != nil {
				log.Error("failed to stop worker over quota", "error", err)
				return w.ObservedState
			}
			rep.Stopped++
			return fleet.StateStopped
		}
		if err := c.reassert(ctx, w); err != nil {
			log.Error("worker could not be re-asserted", "error", err)
			if err := c.reg.UpdateObservedState(ctx, w.ID, fleet.StateUnknown); err != nil {
				log.Error("failed to record unknown state", "error", err)
			}
			rep.Unknown++
			return fleet.StateUnknown
		}
		if w.ObservedState != fleet.StateRunning {
			if err := c.reg.UpdateObservedState(ctx, w.ID, fleet.StateRunning); err != nil {
				log.Error("failed to record running state", "error", err)
				return w.ObservedState
			}
			rep.Restarted++
		}
		return fleet.StateRunning

	case w.ObservedState != fleet.StateStopped:
		if err := c.sup.Stop(ctx, w.Handle); err != nil {
			log.Warn("supervisor stop failed during reconcile", "error", err)
		}
		if err := c.reg.UpdateObservedState(ctx, w.ID, fleet.StateStopped); err != nil {
			log.Error("failed to record stopped state", "error", err)
			return w.ObservedState
		}
		rep.Stopped++
		return fleet.StateStopped
	}
	return w.ObservedState
}

func (c *Controller) reassert(ctx context.Context, w *fleet.Worker) error {
	if !w.HasCredential() {
		return fleet.CredentialMissing(w.ID)
	}
	env, err := c.env(ctx, w)
	if err != nil {
		return err
	}
	return c.sup.Start(ctx, w.Handle, env)
}

// Run reconciles once and then every ResyncInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("initial reconcile failed", "error", err)
	}

	interval := c.cfg.ResyncInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("reconcile failed", "error", err)
			}
		}
	}
}
