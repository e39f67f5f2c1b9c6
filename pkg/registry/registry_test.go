package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedQuota returns the same quota for every tenant
type fixedQuota int

func (q fixedQuota) Quota(ctx context.Context, tenantID string) (int, error) {
	return int(q), nil
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), &storage.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHandleFor(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, "bot_123456789_1700000000123", HandleFor("123456789", ts))
	assert.Equal(t, "bot_team-a-b_1700000000123", HandleFor("team/a b", ts))
}

func TestRegistry_Create(t *testing.T) {
	clock := time.UnixMilli(1700000000000)
	r := New(newTestDB(t), fixedQuota(5), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	w, err := r.Create(ctx, "u1", "")
	require.NoError(t, err)
	assert.NotZero(t, w.ID)
	assert.Equal(t, "u1", w.TenantID)
	assert.Equal(t, "Bot", w.Name)
	assert.Equal(t, "bot_u1_1700000000000", w.Handle)
	assert.Equal(t, fleet.StateStopped, w.DesiredState)
	assert.Equal(t, fleet.StateStopped, w.ObservedState)
	assert.False(t, w.HasCredential())

	got, err := r.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Handle, got.Handle)
	assert.True(t, w.CreatedAt.Equal(got.CreatedAt))

	settings, err := r.GetSettings(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, settings.Prefix)
	for _, f := range fleet.DefaultFeatures {
		assert.True(t, settings.Features[f], f)
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(5))

	_, err := r.Create(context.Background(), "  ", "Bot")
	assert.True(t, fleet.IsCode(err, fleet.ErrorCodeInvalidArgument))
}

func TestRegistry_HandlesUniqueUnderFrozenClock(t *testing.T) {
	clock := time.UnixMilli(1700000000000)
	r := New(newTestDB(t), fixedQuota(10), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		w, err := r.Create(ctx, "u1", "Bot")
		require.NoError(t, err)
		assert.False(t, seen[w.Handle], "duplicate handle %s", w.Handle)
		seen[w.Handle] = true
	}
}

func TestRegistry_HandleCollisionRetries(t *testing.T) {
	db := newTestDB(t)
	clock := time.UnixMilli(1700000000000)
	r := New(db, fixedQuota(10), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	// A row left behind by an earlier process whose clock ran ahead.
	now := storage.Millis(clock)
	_, err := db.ExecContext(ctx, `
		INSERT INTO workers (tenant_id, name, handle, created_at, updated_at)
		VALUES ('other', 'Bot', 'bot_u1_1700000000000', ?, ?)`, now, now)
	require.NoError(t, err)

	w, err := r.Create(ctx, "u1", "Bot")
	require.NoError(t, err)
	assert.Equal(t, "bot_u1_1700000000001", w.Handle)
}

func TestRegistry_QuotaCountsStoppedWorkers(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(1))
	ctx := context.Background()

	_, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)

	_, err = r.Create(ctx, "u1", "B")
	require.Error(t, err)
	current, max, ok := fleet.QuotaDetails(err)
	require.True(t, ok)
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, max)

	// Other tenants are unaffected.
	_, err = r.Create(ctx, "u2", "A")
	assert.NoError(t, err)
}

func TestRegistry_UpgradeLiftsQuota(t *testing.T) {
	db := newTestDB(t)
	ents := entitlement.NewStore(db, entitlement.DefaultPlans())
	r := New(db, ents)
	ctx := context.Background()

	_, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)

	_, err = r.Create(ctx, "u1", "B")
	require.ErrorIs(t, err, fleet.ErrQuotaExceeded)

	_, err = ents.Upsert(ctx, entitlement.Update{TenantID: "u1", Status: fleet.StatusActive})
	require.NoError(t, err)

	_, err = r.Create(ctx, "u1", "B")
	require.NoError(t, err)

	workers, err := r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestRegistry_ConcurrentCreateRespectsQuota(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(3))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		denied  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(ctx, "u1", "Bot")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if fleet.IsCode(err, fleet.ErrorCodeQuotaExceeded) {
				denied++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, created)
	assert.Equal(t, 7, denied)
}

func TestRegistry_ListOrdering(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(10))
	ctx := context.Background()

	a, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)
	b, err := r.Create(ctx, "u1", "B")
	require.NoError(t, err)
	c, err := r.Create(ctx, "u2", "C")
	require.NoError(t, err)

	workers, err := r.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, b.ID, workers[0].ID)
	assert.Equal(t, a.ID, workers[1].ID)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)

	none, err := r.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, r.UpdateObservedState(ctx, b.ID, fleet.StateRunning))

	stopped, err := r.ListByObservedState(ctx, "u1", fleet.StateStopped, fleet.StateUnknown)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, a.ID, stopped[0].ID)

	require.NoError(t, r.UpdateObservedState(ctx, b.ID, fleet.StateStopped))
	stopped, err = r.ListByObservedState(ctx, "u1", fleet.StateStopped)
	require.NoError(t, err)
	require.Len(t, stopped, 2)
	assert.Equal(t, a.ID, stopped[0].ID, "oldest first")
}

func TestRegistry_CredentialAndState(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(10))
	ctx := context.Background()

	w, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)

	require.NoError(t, r.SetCredential(ctx, w.ID, "tok-1"))
	require.NoError(t, r.SetCredential(ctx, w.ID, "tok-2"))

	got, err := r.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Credential)

	assert.True(t, fleet.IsCode(r.SetCredential(ctx, w.ID, ""), fleet.ErrorCodeInvalidArgument))
	assert.ErrorIs(t, r.SetCredential(ctx, 999, "tok"), fleet.ErrNotFound)

	require.NoError(t, r.UpdateState(ctx, w.ID, fleet.StateRunning, fleet.StateRunning))
	got, err = r.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StateRunning, got.DesiredState)
	assert.Equal(t, fleet.StateRunning, got.ObservedState)

	assert.Error(t, r.UpdateState(ctx, w.ID, fleet.StateUnknown, fleet.StateRunning))
	assert.Error(t, r.UpdateObservedState(ctx, w.ID, "bogus"))
	assert.ErrorIs(t, r.UpdateObservedState(ctx, 999, fleet.StateStopped), fleet.ErrNotFound)
}

func TestRegistry_CountRunning(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(10))
	ctx := context.Background()

	a, _ := r.Create(ctx, "u1", "A")
	b, _ := r.Create(ctx, "u1", "B")
	c, _ := r.Create(ctx, "u2", "C")
	require.NoError(t, r.UpdateObservedState(ctx, a.ID, fleet.StateRunning))
	require.NoError(t, r.UpdateObservedState(ctx, b.ID, fleet.StateRunning))
	require.NoError(t, r.UpdateObservedState(ctx, c.ID, fleet.StateRunning))

	n, err := r.CountRunning(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.CountRunning(ctx, "u1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistry_GetMissing(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(1))

	_, err := r.Get(context.Background(), 42)
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestRegistry_Settings(t *testing.T) {
	r := New(newTestDB(t), fixedQuota(10))
	ctx := context.Background()

	w, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)

	prefix := "!"
	s, err := r.UpsertSettings(ctx, w.ID, fleet.SettingsPatch{Prefix: &prefix})
	require.NoError(t, err)
	require.NotNil(t, s.Prefix)
	assert.Equal(t, "!", *s.Prefix)
	assert.True(t, s.Features["moderation"])

	// Features only: prefix untouched, other toggles untouched.
	s, err = r.UpsertSettings(ctx, w.ID, fleet.SettingsPatch{Features: map[string]bool{"antiraid": false, "music": true}})
	require.NoError(t, err)
	require.NotNil(t, s.Prefix)
	assert.Equal(t, "!", *s.Prefix)
	assert.False(t, s.Features["antiraid"])
	assert.True(t, s.Features["music"])
	assert.True(t, s.Features["backup"])

	// Empty patch changes nothing.
	s, err = r.UpsertSettings(ctx, w.ID, fleet.SettingsPatch{})
	require.NoError(t, err)
	assert.Equal(t, "!", *s.Prefix)
	assert.False(t, s.Features["antiraid"])

	// Empty prefix resets to default.
	empty := ""
	s, err = r.UpsertSettings(ctx, w.ID, fleet.SettingsPatch{Prefix: &empty})
	require.NoError(t, err)
	assert.Nil(t, s.Prefix)

	bad := "a b"
	_, err = r.UpsertSettings(ctx, w.ID, fleet.SettingsPatch{Prefix: &bad})
	assert.True(t, fleet.IsCode(err, fleet.ErrorCodeInvalidArgument))

	_, err = r.UpsertSettings(ctx, 999, fleet.SettingsPatch{Prefix: &prefix})
	assert.ErrorIs(t, err, fleet.ErrNotFound)

	_, err = r.GetSettings(ctx, 999)
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestRegistry_DeleteCascadesSettings(t *testing.T) {
	db := newTestDB(t)
	r := New(db, fixedQuota(1))
	ctx := context.Background()

	w, err := r.Create(ctx, "u1", "A")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, w.ID))
	assert.ErrorIs(t, r.Delete(ctx, w.ID), fleet.ErrNotFound)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(1) FROM worker_settings WHERE worker_id = ?`, w.ID).Scan(&n))
	assert.Equal(t, 0, n)

	// The freed slot can be used again.
	_, err = r.Create(ctx, "u1", "B")
	assert.NoError(t, err)
}
