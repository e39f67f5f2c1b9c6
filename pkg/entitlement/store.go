// Package entitlement persists each tenant's billing-derived plan status and
// quota, plus the set of billing events that have already been applied.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/storage"
)

// Plans holds the worker quotas for each tier.
type Plans struct {
	FreeMaxWorkers int `mapstructure:"free_max_workers" yaml:"free_max_workers"`
	PaidMaxWorkers int `mapstructure:"paid_max_workers" yaml:"paid_max_workers"`
}

// DefaultPlans returns the stock quotas: one free worker, five paid.
func DefaultPlans() Plans {
	return Plans{FreeMaxWorkers: 1, PaidMaxWorkers: 5}
}

// Validate checks that quotas are usable.
func (p Plans) Validate() error {
	if p.FreeMaxWorkers < 0 {
		return fmt.Errorf("free_max_workers must be >= 0, got %d", p.FreeMaxWorkers)
	}
	if p.PaidMaxWorkers < p.FreeMaxWorkers {
		return fmt.Errorf("paid_max_workers (%d) must be >= free_max_workers (%d)", p.PaidMaxWorkers, p.FreeMaxWorkers)
	}
	return nil
}

// Update is one entitlement change to record.
type Update struct {
	TenantID string
	Status   fleet.EntitlementStatus
	// QuotaOverride replaces the paid quota while the status is active.
	// Nil keeps the previous override; a negative value clears it.
	QuotaOverride *int
	Refs          fleet.ExternalRefs
}

// Store is the SQLite-backed entitlement history.
type Store struct {
	db    *storage.DB
	plans Plans
	now   func() time.Time
}

// NewStore creates an entitlement store over db.
func NewStore(db *storage.DB, plans Plans) *Store {
	return &Store{db: db, plans: plans, now: time.Now}
}

// Plans returns the configured quotas.
func (s *Store) Plans() Plans {
	return s.plans
}

const entitlementColumns = `id, tenant_id, plan, status, quota, quota_override, customer_ref, subscription_ref, event_id, period_end, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// record is one stored entitlement row. The quota column keeps the value in
// force when the row was written; the effective quota is recomputed from the
// current plans on read.
type record struct {
	*fleet.Entitlement
	override *int
}

func scanEntitlement(row rowScanner) (*record, error) {
	var (
		e                           fleet.Entitlement
		override                    sql.NullInt64
		customer, subscription, evt sql.NullString
		periodEnd                   sql.NullInt64
		createdAt                   int64
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Plan, &e.Status, &e.Quota, &override,
		&customer, &subscription, &evt, &periodEnd, &createdAt); err != nil {
		return nil, err
	}
	rec := &record{Entitlement: &e}
	if override.Valid {
		n := int(override.Int64)
		rec.override = &n
	}
	e.CustomerRef = customer.String
	e.SubscriptionRef = subscription.String
	e.EventID = evt.String
	if periodEnd.Valid {
		t := storage.FromMillis(periodEnd.Int64)
		e.PeriodEnd = &t
	}
	e.CreatedAt = storage.FromMillis(createdAt)
	return rec, nil
}

func latest(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, tenantID string) (*record, error) {
	rec, err := scanEntitlement(q.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements WHERE tenant_id = ?
		ORDER BY id DESC LIMIT 1
	`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// effective fills in the quota the current plans grant the row.
func (s *Store) effective(rec *record) *fleet.Entitlement {
	rec.Quota = s.quotaFor(rec.Status, rec.override)
	return rec.Entitlement
}

// Get returns the authoritative entitlement for tenantID, or nil when the
// tenant has never had one.
func (s *Store) Get(ctx context.Context, tenantID string) (*fleet.Entitlement, error) {
	rec, err := latest(ctx, s.db, tenantID)
	if err != nil {
		return nil, fleet.StoreError("get_entitlement", err).WithContext("tenant_id", tenantID)
	}
	if rec == nil {
		return nil, nil
	}
	return s.effective(rec), nil
}

// History returns up to limit entitlement rows for tenantID, newest first.
// Quotas are those recorded when each row was written.
func (s *Store) History(ctx context.Context, tenantID string, limit int) ([]*fleet.Entitlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements WHERE tenant_id = ?
		ORDER BY id DESC LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fleet.StoreError("entitlement_history", err).WithContext("tenant_id", tenantID)
	}
	defer rows.Close()

	var out []*fleet.Entitlement
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fleet.StoreError("entitlement_history", err)
		}
		out = append(out, rec.Entitlement)
	}
	if err := rows.Err(); err != nil {
		return nil, fleet.StoreError("entitlement_history", err)
	}
	return out, nil
}

// Upsert appends a new entitlement row for the tenant. References missing
// from the update are carried over from the previous row, so replaying the
// same update leaves the authoritative state unchanged.
func (s *Store) Upsert(ctx context.Context, u Update) (*fleet.Entitlement, error) {
	if u.TenantID == "" {
		return nil, fleet.InvalidArgument("tenant_id", "must not be empty")
	}
	if u.Status == "" {
		u.Status = fleet.StatusNone
	}

	var out *fleet.Entitlement
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		prev, err := latest(ctx, tx, u.TenantID)
		if err != nil {
			return err
		}

		override := u.QuotaOverride
		if override == nil && prev != nil {
			override = prev.override
		}
		if override != nil && *override < 0 {
			override = nil
		}

		refs := u.Refs
		if prev != nil {
			if refs.CustomerRef == "" {
				refs.CustomerRef = prev.CustomerRef
			}
			if refs.SubscriptionRef == "" {
				refs.SubscriptionRef = prev.SubscriptionRef
			}
			if refs.PeriodEnd == nil {
				refs.PeriodEnd = prev.PeriodEnd
			}
		}

		e := &fleet.Entitlement{
			TenantID:     u.TenantID,
			Plan:         fleet.PlanFor(u.Status),
			Status:       u.Status,
			Quota:        s.quotaFor(u.Status, override),
			ExternalRefs: refs,
			CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
		}

		var overrideCol interface{}
		if override != nil {
			overrideCol = *override
		}
		var periodEnd interface{}
		if refs.PeriodEnd != nil {
			periodEnd = storage.Millis(*refs.PeriodEnd)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO entitlements (tenant_id, plan, status, quota, quota_override, customer_ref, subscription_ref, event_id, period_end, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.TenantID, e.Plan, e.Status, e.Quota, overrideCol,
			nullString(refs.CustomerRef), nullString(refs.SubscriptionRef), nullString(refs.EventID),
			periodEnd, storage.Millis(e.CreatedAt))
		if err != nil {
			return err
		}
		e.ID, _ = res.LastInsertId()
		out = e
		return nil
	})
	if err != nil {
		return nil, fleet.StoreError("upsert_entitlement", err).WithContext("tenant_id", u.TenantID)
	}
	return out, nil
}

func (s *Store) quotaFor(status fleet.EntitlementStatus, override *int) int {
	if status != fleet.StatusActive {
		return s.plans.FreeMaxWorkers
	}
	if override != nil {
		return *override
	}
	return s.plans.PaidMaxWorkers
}

// IsPaid reports whether the tenant's latest entitlement is active.
func (s *Store) IsPaid(ctx context.Context, tenantID string) (bool, error) {
	e, err := s.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return e != nil && e.Status == fleet.StatusActive, nil
}

// Quota returns the number of workers tenantID may own and run under the
// current plans.
func (s *Store) Quota(ctx context.Context, tenantID string) (int, error) {
	e, err := s.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return s.plans.FreeMaxWorkers, nil
	}
	return e.Quota, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
