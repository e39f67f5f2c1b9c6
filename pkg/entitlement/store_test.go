package entitlement

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), &storage.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "entitlements.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())
	ctx := context.Background()

	e, err := s.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, e)

	paid, err := s.IsPaid(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, paid)

	quota, err := s.Quota(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 1, quota)
}

func TestStore_UpsertActive(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())
	ctx := context.Background()

	e, err := s.Upsert(ctx, Update{
		TenantID: "u1",
		Status:   fleet.StatusActive,
		Refs:     fleet.ExternalRefs{CustomerRef: "cus_1", SubscriptionRef: "sub_1", EventID: "evt_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, fleet.PlanPaid, e.Plan)
	assert.Equal(t, 5, e.Quota)
	assert.NotZero(t, e.ID)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fleet.StatusActive, got.Status)
	assert.Equal(t, "cus_1", got.CustomerRef)
	assert.Equal(t, "evt_1", got.EventID)

	paid, err := s.IsPaid(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, paid)

	quota, err := s.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, quota)
}

func TestStore_LatestRowIsAuthoritative(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())
	ctx := context.Background()
	periodEnd := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.Upsert(ctx, Update{
		TenantID: "u1",
		Status:   fleet.StatusActive,
		Refs:     fleet.ExternalRefs{CustomerRef: "cus_1", SubscriptionRef: "sub_1", PeriodEnd: &periodEnd},
	})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, Update{TenantID: "u1", Status: fleet.StatusPastDue})
	require.NoError(t, err)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusPastDue, got.Status)
	assert.Equal(t, fleet.PlanFree, got.Plan)
	assert.Equal(t, 1, got.Quota)
	// refs carried over from the previous row
	assert.Equal(t, "cus_1", got.CustomerRef)
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	require.NotNil(t, got.PeriodEnd)
	assert.True(t, periodEnd.Equal(*got.PeriodEnd))

	history, err := s.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fleet.StatusPastDue, history[0].Status)
	assert.Equal(t, fleet.StatusActive, history[1].Status)

	quota, err := s.Quota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, quota)
}

func TestStore_QuotaOverride(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())
	ctx := context.Background()
	override := 12

	e, err := s.Upsert(ctx, Update{TenantID: "u1", Status: fleet.StatusActive, QuotaOverride: &override})
	require.NoError(t, err)
	assert.Equal(t, 12, e.Quota)

	// Overrides never apply to non-active statuses.
	e, err = s.Upsert(ctx, Update{TenantID: "u1", Status: fleet.StatusCancelled, QuotaOverride: &override})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Quota)
}

func TestStore_QuotaFollowsPlanChanges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	before := NewStore(db, Plans{FreeMaxWorkers: 1, PaidMaxWorkers: 5})
	_, err := before.Upsert(ctx, Update{TenantID: "plain", Status: fleet.StatusActive})
	require.NoError(t, err)
	fixed := 3
	_, err = before.Upsert(ctx, Update{TenantID: "custom", Status: fleet.StatusActive, QuotaOverride: &fixed})
	require.NoError(t, err)

	// Restart with a bigger paid tier over the same database.
	after := NewStore(db, Plans{FreeMaxWorkers: 2, PaidMaxWorkers: 8})

	quota, err := after.Quota(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, 8, quota)
	got, err := after.Get(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Quota)

	quota, err = after.Quota(ctx, "custom")
	require.NoError(t, err)
	assert.Equal(t, 3, quota, "explicit override is not replaced by the plan")

	// History keeps what was in force at the time.
	history, err := after.History(ctx, "plain", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 5, history[0].Quota)

	// A renewal without an override keeps it; a negative one clears it.
	_, err = after.Upsert(ctx, Update{TenantID: "custom", Status: fleet.StatusActive})
	require.NoError(t, err)
	quota, err = after.Quota(ctx, "custom")
	require.NoError(t, err)
	assert.Equal(t, 3, quota)

	reset := -1
	_, err = after.Upsert(ctx, Update{TenantID: "custom", Status: fleet.StatusActive, QuotaOverride: &reset})
	require.NoError(t, err)
	quota, err = after.Quota(ctx, "custom")
	require.NoError(t, err)
	assert.Equal(t, 8, quota)

	_, err = after.Upsert(ctx, Update{TenantID: "plain", Status: fleet.StatusPastDue})
	require.NoError(t, err)
	quota, err = after.Quota(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, 2, quota)
}

func TestStore_TenantsAreIndependent(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())
	ctx := context.Background()

	_, err := s.Upsert(ctx, Update{TenantID: "u1", Status: fleet.StatusActive})
	require.NoError(t, err)

	paid, err := s.IsPaid(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestStore_UpsertValidation(t *testing.T) {
	s := NewStore(newTestDB(t), DefaultPlans())

	_, err := s.Upsert(context.Background(), Update{Status: fleet.StatusActive})
	assert.True(t, fleet.IsCode(err, fleet.ErrorCodeInvalidArgument))
}

func TestStore_ClosedDBIsStoreError(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db, DefaultPlans())
	require.NoError(t, db.Close())

	_, err := s.Get(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, fleet.ErrStore)
}

func TestPlansValidate(t *testing.T) {
	assert.NoError(t, DefaultPlans().Validate())
	assert.Error(t, Plans{FreeMaxWorkers: -1, PaidMaxWorkers: 5}.Validate())
	assert.Error(t, Plans{FreeMaxWorkers: 3, PaidMaxWorkers: 2}.Validate())
}

func TestSQLiteSeenEvents(t *testing.T) {
	seen := NewSQLiteSeenEvents(newTestDB(t))
	ctx := context.Background()

	first, err := seen.MarkSeen(ctx, "evt_1", "checkout.session.completed", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, first)

	first, err = seen.MarkSeen(ctx, "evt_1", "checkout.session.completed", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, seen.Forget(ctx, "evt_1"))
	first, err = seen.MarkSeen(ctx, "evt_1", "checkout.session.completed", nil)
	require.NoError(t, err)
	assert.True(t, first)

	_, err = seen.MarkSeen(ctx, "", "x", nil)
	assert.Error(t, err)
}

func TestSQLiteSeenEvents_ConcurrentMark(t *testing.T) {
	seen := NewSQLiteSeenEvents(newTestDB(t))
	ctx := context.Background()

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := seen.MarkSeen(ctx, "evt_dup", "invoice.payment_failed", nil)
			assert.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, firsts)
}

func TestRedisSeenEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	seen := NewRedisSeenEventsFromClient(client, time.Hour, "")
	defer seen.Close()
	ctx := context.Background()

	first, err := seen.MarkSeen(ctx, "evt_1", "customer.subscription.updated", nil)
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("botfleet:seen:evt_1"))
	assert.Equal(t, time.Hour, mr.TTL("botfleet:seen:evt_1"))

	first, err = seen.MarkSeen(ctx, "evt_1", "customer.subscription.updated", nil)
	require.NoError(t, err)
	assert.False(t, first)

	require.NoError(t, seen.Forget(ctx, "evt_1"))
	assert.False(t, mr.Exists("botfleet:seen:evt_1"))

	mr.FastForward(2 * time.Hour)
	first, err = seen.MarkSeen(ctx, "evt_1", "customer.subscription.updated", nil)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestNewRedisSeenEvents_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisSeenEvents(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, fleet.ErrStore)
}
