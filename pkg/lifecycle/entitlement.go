package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// BulkResult reports what OnEntitlementChanged did per worker.
type BulkResult struct {
	Started []int64
	Stopped []int64
	Failed  map[int64]error
	// Skipped lists workers left alone because the quota filled up.
	Skipped []int64
}

func newBulkResult() *BulkResult {
	return &BulkResult{Failed: map[int64]error{}}
}

// OnEntitlementChanged applies a tenant's new entitlement status to its
// workers. Becoming active starts stopped workers oldest first until the
// quota is reached. Any other status stops every running worker. Failures on
// one worker do not abort the rest.
func (c *Controller) OnEntitlementChanged(ctx context.Context, tenantID string, status fleet.EntitlementStatus) (res *BulkResult, err error) {
	ctx, end := c.span(ctx, "entitlement_changed",
		attribute.String("tenant.id", tenantID),
		attribute.String("entitlement.status", string(status)))
	defer func() { end(err) }()

	if status == fleet.StatusActive {
		return c.startAll(ctx, tenantID)
	}
	return c.stopAll(ctx, tenantID)
}

func (c *Controller) startAll(ctx context.Context, tenantID string) (*BulkResult, error) {
	workers, err := c.reg.ListByObservedState(ctx, tenantID, fleet.StateStopped, fleet.StateUnknown)
	if err != nil {
		return nil, err
	}

	res := newBulkResult()
	for i, w := range workers {
		if err := c.limiter.Wait(ctx); err != nil {
			return res, err
		}
		_, err := c.RequestStart(ctx, w.ID)
		switch {
		case err == nil:
			res.Started = append(res.Started, w.ID)
		case fleet.IsCode(err, fleet.ErrorCodeQuotaExceeded):
			for _, rest := range workers[i:] {
				res.Skipped = append(res.Skipped, rest.ID)
			}
			c.log.Info("quota reached during bulk start",
				"tenant_id", tenantID,
				"started", len(res.Started),
				"skipped", len(res.Skipped))
			return res, nil
		default:
			res.Failed[w.ID] = err
			c.log.Warn("bulk start failed for worker",
				"tenant_id", tenantID,
				"worker_id", w.ID,
				"error", err)
		}
	}
	return res, nil
}

func (c *Controller) stopAll(ctx context.Context, tenantID string) (*BulkResult, error) {
	workers, err := c.reg.ListByObservedState(ctx, tenantID, fleet.StateRunning, fleet.StateUnknown)
	if err != nil {
		return nil, err
	}

	res := newBulkResult()
	for _, w := range workers {
		if _, err := c.RequestStop(ctx, w.ID); err != nil {
			res.Failed[w.ID] = err
			c.log.Warn("bulk stop failed for worker",
				"tenant_id", tenantID,
				"worker_id", w.ID,
				"error", err)
			continue
		}
		res.Stopped = append(res.Stopped, w.ID)
	}
	return res, nil
}
