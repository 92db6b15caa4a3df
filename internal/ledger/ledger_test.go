package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
	"github.com/roach88/habitcore/internal/testutil"
)

var testNow = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)

const day = calendar.DayKey("2024-05-10")

type fixture struct {
	svc   *Service
	store *store.Store
	clock *testutil.FakeClock
}

// newFixture stores ds and returns a ledger over it.
func newFixture(t *testing.T, ds *model.Dataset) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(testNow)
	st, err := store.Open(store.Config{Dir: t.TempDir(), Clock: clk})
	require.NoError(t, err)
	if ds != nil {
		require.NoError(t, st.Save(context.Background(), ds))
	}
	svc, err := New(Config{Store: st, Calendar: calendar.New("UTC"), Clock: clk})
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, clock: clk}
}

func completeDay() *model.Dataset {
	return testutil.NewDataset("u1", testNow).
		Daily("h1", "2024-05-01").
		Daily("h2", "2024-05-01").
		Done("h1", day).
		Done("h2", day).
		Migrated(model.ProgressInvariantLevel).
		Build()
}

func (f *fixture) load(t *testing.T) *model.Dataset {
	t.Helper()
	ds, _, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	return ds
}

func (f *fixture) clearCompletion(t *testing.T, habitID string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), "u1", func(ds *model.Dataset) (bool, error) {
		i := ds.CompletionIndex(habitID, day)
		require.GreaterOrEqual(t, i, 0)
		ds.Completions = append(ds.Completions[:i], ds.Completions[i+1:]...)
		return true, nil
	})
	require.NoError(t, err)
}

func TestGrant_ConcurrentCallersGrantOnce(t *testing.T) {
	f := newFixture(t, completeDay())
	const callers = 20

	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			ok, err := f.svc.GrantIfAllComplete(context.Background(), "u1", day)
			if ok {
				granted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), granted.Load())
	ds := f.load(t)
	require.Len(t, ds.Awards, 1)
	assert.Equal(t, model.AwardID("u1", day), ds.Awards[0].ID)
	assert.Equal(t, 100, ds.Progress.TotalXP, "+100, not +2000")
	assert.Eventually(t, func() bool { return f.svc.locks.size() == 0 }, time.Second, time.Millisecond,
		"no keys left in flight")
}

func TestGrantRevokeGrant_NetsOneAward(t *testing.T) {
	f := newFixture(t, completeDay())
	ctx := context.Background()

	ok, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
	require.NoError(t, err)
	require.True(t, ok)

	f.clearCompletion(t, "h2")
	ok, err = f.svc.RevokeIfAnyIncomplete(ctx, "u1", day)
	require.NoError(t, err)
	require.True(t, ok)
	ds := f.load(t)
	assert.Empty(t, ds.Awards)
	assert.Zero(t, ds.Progress.TotalXP)

	_, err = f.store.Update(ctx, "u1", func(ds *model.Dataset) (bool, error) {
		ds.Completions = append(ds.Completions, model.CompletionRecord{
			UserID: "u1", HabitID: "h2", Day: day, Completed: true, Count: 1, UpdatedAt: testNow,
		})
		return true, nil
	})
	require.NoError(t, err)

	ok, err = f.svc.GrantIfAllComplete(ctx, "u1", day)
	require.NoError(t, err)
	require.True(t, ok)

	ds = f.load(t)
	assert.Len(t, ds.Awards, 1)
	assert.Equal(t, 100, ds.Progress.TotalXP)
}

func TestGrant_NoOpCases(t *testing.T) {
	ctx := context.Background()

	t.Run("incomplete day", func(t *testing.T) {
		ds := testutil.NewDataset("u1", testNow).
			Daily("h1", "2024-05-01").
			Daily("h2", "2024-05-01").
			Done("h1", day).
			Build()
		f := newFixture(t, ds)
		ok, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, f.load(t).Awards)
	})

	t.Run("nothing scheduled", func(t *testing.T) {
		f := newFixture(t, testutil.NewDataset("u1", testNow).Build())
		ok, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("deleted habit no longer counts", func(t *testing.T) {
		ds := testutil.NewDataset("u1", testNow).
			Daily("h1", "2024-05-01").
			Daily("h2", "2024-05-01").
			Done("h1", day).
			Deleted("h2", testNow.Add(-48*time.Hour), model.DeletionByUser).
			Build()
		f := newFixture(t, ds)
		ok, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalid day key", func(t *testing.T) {
		f := newFixture(t, completeDay())
		_, err := f.svc.GrantIfAllComplete(ctx, "u1", "10/05/2024")
		assert.True(t, model.IsValidation(err))
	})
}

func TestRevoke_NoOpWhenStillComplete(t *testing.T) {
	f := newFixture(t, completeDay())
	ctx := context.Background()
	_, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
	require.NoError(t, err)

	ok, err := f.svc.RevokeIfAnyIncomplete(ctx, "u1", day)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.load(t).Awards, 1)

	ok, err = f.svc.RevokeIfAnyIncomplete(ctx, "u1", day.Add(-1))
	require.NoError(t, err)
	assert.False(t, ok, "no award to revoke")
}

func TestConcurrentGrantsAcrossDays(t *testing.T) {
	b := testutil.NewDataset("u1", testNow).Daily("h1", "2024-05-01").Migrated(model.ProgressInvariantLevel)
	const days = 5
	for i := 0; i < days; i++ {
		b.Done("h1", day.Add(-i))
	}
	f := newFixture(t, b.Build())

	var g errgroup.Group
	for i := 0; i < days; i++ {
		for c := 0; c < 4; c++ {
			d := day.Add(-i)
			g.Go(func() error {
				_, err := f.svc.GrantIfAllComplete(context.Background(), "u1", d)
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	ds := f.load(t)
	assert.Len(t, ds.Awards, days)
	assert.Equal(t, days*100, ds.Progress.TotalXP)
	assert.Equal(t, 2, ds.Progress.Level)
	assert.NoError(t, model.Validate(ds, testNow))
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, completeDay())
	ctx := context.Background()

	o, err := f.svc.Reconcile(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, Granted, o)

	o, err = f.svc.Reconcile(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, o)

	f.clearCompletion(t, "h1")
	o, err = f.svc.Reconcile(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, Revoked, o)
}

func TestReconcileToday_UsesUserZone(t *testing.T) {
	ds := completeDay()
	ds.TimeZone = "America/Los_Angeles"
	f := newFixture(t, ds)
	// 20:00 UTC on the 10th is 13:00 in Los Angeles.
	got, o, err := f.svc.ReconcileToday(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, day, got)
	assert.Equal(t, Granted, o)
}

func TestAbandonedCallerStillCompletes(t *testing.T) {
	f := newFixture(t, completeDay())

	// Hold the key so the grant queues behind it.
	unlock := f.svc.locks.lock(lockKey("u1", day))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
		errc <- err
	}()

	key := lockKey("u1", day)
	require.Eventually(t, func() bool { return f.svc.locks.holders(key) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	unlock()
	require.Eventually(t, func() bool {
		ds, _, err := f.store.Load(context.Background(), "u1")
		return err == nil && len(ds.Awards) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100, f.load(t).Progress.TotalXP)
}

func TestProgressAndAwards(t *testing.T) {
	f := newFixture(t, completeDay())
	ctx := context.Background()
	_, err := f.svc.GrantIfAllComplete(ctx, "u1", day)
	require.NoError(t, err)

	p, err := f.svc.Progress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, p.TotalXP)
	assert.Equal(t, 1, p.Level)
	assert.InDelta(t, 0.2, p.LevelProgress, 1e-9)

	awards, err := f.svc.Awards(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, day, awards[0].Day)
}

func TestKeyLock_ReleasesEntries(t *testing.T) {
	k := newKeyLock()
	u1 := k.lock("a")
	u2 := k.lock("b")
	assert.Equal(t, 2, k.size())
	u1()
	u2()
	assert.Zero(t, k.size())
}

func TestGrant_DeletionDayUsesDefaultZone(t *testing.T) {
	// 16:00 UTC on the 10th is already the 11th in Tokyo, so h2 was still
	// due on the 10th for a user without a zone of their own.
	deleted := time.Date(2024, 5, 10, 16, 0, 0, 0, time.UTC)
	ds := testutil.NewDataset("u1", testNow).
		Daily("h1", "2024-05-01").
		Daily("h2", "2024-05-01").
		Done("h1", day).
		Deleted("h2", deleted, model.DeletionByUser).
		Migrated(model.ProgressInvariantLevel).
		Build()
	require.Empty(t, ds.TimeZone)

	f := newFixture(t, ds)
	svc, err := New(Config{Store: f.store, Calendar: calendar.New("Asia/Tokyo"), Clock: f.clock})
	require.NoError(t, err)

	ok, err := svc.GrantIfAllComplete(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.False(t, ok, "h2 is incomplete on its last scheduled day")

	ok, err = f.svc.GrantIfAllComplete(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.True(t, ok, "in UTC h2 was gone by the 10th")
}
