// Package registry is the persisted catalog of workers and their settings.
// It is the source of truth for which workers exist, their credentials and
// the last state confirmed by the supervisor.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/keylock"
	"github.com/jrepp/botfleet/pkg/storage"
)

const (
	defaultWorkerName = "Bot"
	maxHandleAttempts = 5
)

var errHandleExhausted = errors.New("could not allocate a unique handle")

// QuotaSource resolves the worker quota of a tenant.
type QuotaSource interface {
	Quota(ctx context.Context, tenantID string) (int, error)
}

// Registry stores workers and settings in SQLite.
type Registry struct {
	db     *storage.DB
	quotas QuotaSource
	log    *slog.Logger
	now    func() time.Time

	tenantLocks *keylock.Locker[string]

	// handleMu guards the handle allocation retry loop.
	handleMu     sync.Mutex
	lastHandleMs int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithClock overrides the time source used for handles and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry. quotas is consulted by Create.
func New(db *storage.DB, quotas QuotaSource, opts ...Option) *Registry {
	r := &Registry{
		db:          db,
		quotas:      quotas,
		log:         slog.Default(),
		now:         time.Now,
		tenantLocks: keylock.New[string](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFor derives the supervisor handle of a worker created by tenantID at t.
func HandleFor(tenantID string, t time.Time) string {
	return fmt.Sprintf("bot_%s_%d", sanitizeTenant(tenantID), t.UnixMilli())
}

// sanitizeTenant keeps handles valid as container names.
func sanitizeTenant(tenantID string) string {
	var b strings.Builder
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Create adds a worker for tenantID unless the tenant already owns as many
// workers as its quota allows. Stopped workers count toward the limit.
func (r *Registry) Create(ctx context.Context, tenantID, name string) (*fleet.Worker, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fleet.InvalidArgument("tenant_id", "must not be empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultWorkerName
	}

	unlock, err := r.tenantLocks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	max, err := r.quotas.Quota(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM workers WHERE tenant_id = ?`, tenantID).Scan(&count); err != nil {
		return nil, fleet.StoreError("count_workers", err).WithContext("tenant_id", tenantID)
	}
	if count >= max {
		return nil, fleet.QuotaExceeded(tenantID, count, max)
	}

	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	for attempt := 0; attempt < maxHandleAttempts; attempt++ {
		created := r.nextHandleTime()
		handle := HandleFor(tenantID, created)

		w, err := r.insert(ctx, tenantID, name, handle, created)
		if err == nil {
			r.log.Info("worker created",
				"worker_id", w.ID,
				"tenant_id", tenantID,
				"handle", handle)
			return w, nil
		}
		if !storage.IsUniqueViolation(err) {
			return nil, fleet.StoreError("create_worker", err).WithContext("tenant_id", tenantID)
		}
		r.log.Warn("handle collision, retrying",
			"tenant_id", tenantID,
			"handle", handle,
			"attempt", attempt+1)
	}

	return nil, fleet.StoreError("create_worker", errHandleExhausted).WithContext("tenant_id", tenantID)
}

// nextHandleTime returns a millisecond timestamp strictly greater than the
// previous one, even if the wall clock moved backwards. Caller holds handleMu.
func (r *Registry) nextHandleTime() time.Time {
	ms := r.now().UnixMilli()
	if ms <= r.lastHandleMs {
		ms = r.lastHandleMs + 1
	}
	r.lastHandleMs = ms
	return time.UnixMilli(ms).UTC()
}

func (r *Registry) insert(ctx context.Context, tenantID, name, handle string, created time.Time) (*fleet.Worker, error) {
	w := &fleet.Worker{
		TenantID:      tenantID,
		Name:          name,
		DesiredState:  fleet.StateStopped,
		ObservedState: fleet.StateStopped,
		Handle:        handle,
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO workers (tenant_id, name, desired_state, observed_state, handle, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, w.TenantID, w.Name, w.DesiredState, w.ObservedState, w.Handle,
			storage.Millis(created), storage.Millis(created))
		if err != nil {
			return err
		}
		if w.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		defaults, err := encodeFeatures(fleet.DefaultSettings(w.ID).Features)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO worker_settings (worker_id, prefix, features, updated_at)
			VALUES (?, NULL, ?, ?)
		`, w.ID, defaults, storage.Millis(created))
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

const workerColumns = `id, tenant_id, name, credential, desired_state, observed_state, handle, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*fleet.Worker, error) {
	var (
		w                  fleet.Worker
		credential         sql.NullString
		created, updatedAt int64
	)
	if err := row.Scan(&w.ID, &w.TenantID, &w.Name, &credential,
		&w.DesiredState, &w.ObservedState, &w.Handle, &created, &updatedAt); err != nil {
		return nil, err
	}
	w.Credential = credential.String
	w.CreatedAt = storage.FromMillis(created)
	w.UpdatedAt = storage.FromMillis(updatedAt)
	return &w, nil
}

// Get returns a worker by id.
func (r *Registry) Get(ctx context.Context, id int64) (*fleet.Worker, error) {
	w, err := scanWorker(r.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fleet.WorkerNotFound(id)
	}
	if err != nil {
		return nil, fleet.StoreError("get_worker", err).WithContext("worker_id", id)
	}
	return w, nil
}

// List returns the workers of tenantID, or of every tenant when tenantID is
// empty, newest first.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*fleet.Worker, error) {
	if tenantID == "" {
		return r.query(ctx, "list_workers",
			`SELECT `+workerColumns+` FROM workers ORDER BY id DESC`)
	}
	return r.query(ctx, "list_workers",
		`SELECT `+workerColumns+` FROM workers WHERE tenant_id = ? ORDER BY id DESC`, tenantID)
}

// ListByObservedState returns tenantID's workers in any of states, oldest first.
func (r *Registry) ListByObservedState(ctx context.Context, tenantID string, states ...fleet.WorkerState) ([]*fleet.Worker, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := []interface{}{tenantID}
	marks := make([]string, 0, len(states))
	for _, s := range states {
		marks = append(marks, "?")
		args = append(args, s)
	}
	return r.query(ctx, "list_workers_by_state", `
		SELECT `+workerColumns+` FROM workers
		WHERE tenant_id = ? AND observed_state IN (`+strings.Join(marks, ", ")+`)
		ORDER BY id ASC`, args...)
}

func (r *Registry) query(ctx context.Context, op, query string, args ...interface{}) ([]*fleet.Worker, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fleet.StoreError(op, err)
	}
	defer rows.Close()

	out := []*fleet.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fleet.StoreError(op, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fleet.StoreError(op, err)
	}
	return out, nil
}

// CountRunning counts tenantID's workers observed Running, ignoring excludeID.
func (r *Registry) CountRunning(ctx context.Context, tenantID string, excludeID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM workers
		WHERE tenant_id = ? AND observed_state = ? AND id != ?
	`, tenantID, fleet.StateRunning, excludeID).Scan(&n)
	if err != nil {
		return 0, fleet.StoreError("count_running", err).WithContext("tenant_id", tenantID)
	}
	return n, nil
}

// SetCredential replaces the worker's bot token. The token is not checked.
func (r *Registry) SetCredential(ctx context.Context, id int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fleet.InvalidArgument("token", "must not be empty")
	}
	return r.exec(ctx, "set_credential", id,
		`UPDATE workers SET credential = ?, updated_at = ? WHERE id = ?`,
		token, storage.Millis(r.now()), id)
}

// UpdateObservedState records the state last confirmed by the supervisor.
func (r *Registry) UpdateObservedState(ctx context.Context, id int64, observed fleet.WorkerState) error {
	if !observed.Valid() {
		return fleet.InvalidArgument("observed_state", string(observed))
	}
	return r.exec(ctx, "update_observed_state", id,
		`UPDATE workers SET observed_state = ?, updated_at = ? WHERE id = ?`,
		observed, storage.Millis(r.now()), id)
}

// UpdateState records both the desired and the observed state.
func (r *Registry) UpdateState(ctx context.Context, id int64, desired, observed fleet.WorkerState) error {
	if desired != fleet.StateStopped && desired != fleet.StateRunning {
		return fleet.InvalidArgument("desired_state", string(desired))
	}
	if !observed.Valid() {
		return fleet.InvalidArgument("observed_state", string(observed))
	}
	return r.exec(ctx, "update_state", id,
		`UPDATE workers SET desired_state = ?, observed_state = ?, updated_at = ? WHERE id = ?`,
		desired, observed, storage.Millis(r.now()), id)
}

// Delete removes a worker. Its settings go with it.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete_worker", id, `DELETE FROM workers WHERE id = ?`, id)
}

func (r *Registry) exec(ctx context.Context, op string, id int64, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fleet.StoreError(op, err).WithContext("worker_id", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleet.StoreError(op, err).WithContext("worker_id", id)
	}
	if n == 0 {
		return fleet.WorkerNotFound(id)
	}
	return nil
}
