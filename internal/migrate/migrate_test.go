package migrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
	"github.com/roach88/habitcore/internal/testutil"
)

var testNow = time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC)

// legacyPayload is a headerless level-0 snapshot: unnormalized names,
// completions embedded in habits, a soft delete without a source and
// progress that disagrees with the award ledger.
const legacyPayload = `{
  "user_id": "u1",
  "habits": [
    {"id": "h1", "user_id": "u1", "name": "  Cafe\u0301  run ", "schedule": {"kind": "daily"},
     "target_count": 2, "start_day": "2024-04-01", "created_at": "2024-04-01T08:00:00Z", "updated_at": "2024-04-01T08:00:00Z",
     "completion_history": {"2024-05-01": 1, "2024-05-02": 2, "not-a-day": 1}},
    {"id": "h2", "user_id": "u1", "name": "Stretch", "schedule": {"kind": "daily"},
     "start_day": "2024-04-01", "created_at": "2024-04-01T08:00:00Z", "updated_at": "2024-04-01T08:00:00Z",
     "deleted_at": "2024-04-20T08:00:00Z"},
    {"id": "h3", "user_id": "u1", "name": "Water", "schedule": {"kind": "daily"},
     "start_day": "2024-04-01", "created_at": "2024-04-01T08:00:00Z", "updated_at": "2024-04-01T08:00:00Z",
     "completion_history": {"2024-05-01": 1}},
    {"id": "h4", "user_id": "u1", "name": "Walk", "schedule": {"kind": "daily"},
     "start_day": "2024-04-01", "created_at": "2024-04-01T08:00:00Z", "updated_at": "2024-04-01T08:00:00Z",
     "completion_history": {"2024-05-03": 1}}
  ],
  "completions": [
    {"user_id": "u1", "habit_id": "h3", "day": "2024-05-01", "completed": true, "count": 3, "updated_at": "2024-05-01T09:00:00Z"}
  ],
  "awards": [
    {"id": "a1", "user_id": "u1", "day": "2024-05-02", "xp": 100, "all_complete": true, "granted_at": "2024-05-02T21:00:00Z"}
  ],
  "progress": {"user_id": "u1", "total_xp": 0, "level": 1, "level_progress": 0}
}`

type recorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *recorder) Record(_ context.Context, e journal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == journal.KindMigrationStep {
			out = append(out, e.Payload["step"].(string))
		}
	}
	return out
}

type fixture struct {
	dir    string
	store  *store.Store
	runner *Runner
	events *recorder
}

func newFixture(t *testing.T, sw Switch) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Dir: dir, Clock: testutil.NewFakeClock(testNow)})
	require.NoError(t, err)
	events := &recorder{}
	r, err := New(Config{Store: st, Switch: sw, Clock: testutil.NewFakeClock(testNow), Journal: events})
	require.NoError(t, err)
	return &fixture{dir: dir, store: st, runner: r, events: events}
}

func (f *fixture) seedLegacy(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.store.PrimaryPath("u1"), []byte(legacyPayload), 0o600))
}

func (f *fixture) load(t *testing.T) *model.Dataset {
	t.Helper()
	ds, _, err := f.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	return ds
}

func allSteps() []string {
	return []string{StepNormalizeNames, StepExtractCompletions, StepBackfillDeletionSource, StepRebuildProgress}
}

// migrateClean runs the legacy payload to completion in a fresh store.
func migrateClean(t *testing.T) *model.Dataset {
	t.Helper()
	f := newFixture(t, nil)
	f.seedLegacy(t)
	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	return f.load(t)
}

func TestRunIfNeeded_MigratesLegacyPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLegacy(t)

	res, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, allSteps(), res.Applied)
	assert.Empty(t, res.Resumed)
	assert.Equal(t, 0, res.From)
	assert.Equal(t, 4, res.To)
	assert.Equal(t, 8, res.Writes, "two commits per step")
	assert.Equal(t, allSteps(), f.events.steps())

	ds := f.load(t)
	assert.Equal(t, model.MigrationState{UserID: "u1", Version: 4, Completed: allSteps()}, ds.Migration)

	h1, _ := ds.Habit("h1")
	assert.Equal(t, "Café run", h1.Name)
	for _, h := range ds.Habits {
		assert.Nil(t, h.LegacyHistory, h.ID)
	}

	require.Len(t, ds.Completions, 4)
	c, ok := ds.Completion("h1", "2024-05-01")
	require.True(t, ok)
	assert.False(t, c.Completed, "1 of 2")
	c, ok = ds.Completion("h1", "2024-05-02")
	require.True(t, ok)
	assert.True(t, c.Completed)
	assert.Equal(t, 2, c.Count)
	c, ok = ds.Completion("h3", "2024-05-01")
	require.True(t, ok)
	assert.Equal(t, 3, c.Count, "existing record wins")
	_, ok = ds.Completion("h4", "2024-05-03")
	assert.True(t, ok)

	h2, _ := ds.Habit("h2")
	assert.Equal(t, model.DeletionByMigration, h2.DeletionSource)
	require.Len(t, ds.DeletionLog, 1)
	assert.Equal(t, "h2", ds.DeletionLog[0].HabitID)

	assert.Equal(t, 100, ds.Progress.TotalXP)
	assert.NoError(t, model.Validate(ds, testNow))
}

func TestRunIfNeeded_FullyMigratedWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLegacy(t)
	ctx := context.Background()
	_, err := f.runner.RunIfNeeded(ctx, "u1")
	require.NoError(t, err)

	before, err := os.ReadFile(f.store.PrimaryPath("u1"))
	require.NoError(t, err)
	first := f.load(t)

	for i := 0; i < 3; i++ {
		res, err := f.runner.RunIfNeeded(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, res.Writes)
		assert.Empty(t, res.Applied)
	}

	after, err := os.ReadFile(f.store.PrimaryPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, first.RecordCount(), f.load(t).RecordCount())
	assert.Len(t, f.events.steps(), 4)
}

func TestRunIfNeeded_NoStoredData(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.runner.RunIfNeeded(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, res.Writes)
	assert.NoFileExists(t, f.store.PrimaryPath("nobody"))
}

func TestRunIfNeeded_BuilderDatasetAtLatest(t *testing.T) {
	f := newFixture(t, nil)
	ds := testutil.NewDataset("u1", testNow).
		Daily("h1", "2024-05-01").
		Migrated(4, allSteps()...).
		Build()
	require.NoError(t, f.store.Save(context.Background(), ds))

	res, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Writes)
}

func TestBaseline_NewUsersNeedNoMigration(t *testing.T) {
	steps := BuiltinSteps(500)
	base := Baseline(steps)
	assert.Equal(t, 4, base.Version)
	assert.Equal(t, allSteps(), base.Completed)

	dir := t.TempDir()
	st, err := store.Open(store.Config{Dir: dir, Clock: testutil.NewFakeClock(testNow), Baseline: base})
	require.NoError(t, err)
	r, err := New(Config{Store: st, Steps: steps, Clock: testutil.NewFakeClock(testNow)})
	require.NoError(t, err)

	_, err = st.Update(context.Background(), "u1", func(ds *model.Dataset) (bool, error) {
		ds.Habits = append(ds.Habits, model.Habit{
			ID: "h1", UserID: "u1", Name: "Read", Schedule: model.Daily(),
			StartDay: "2024-05-01", CreatedAt: testNow, UpdatedAt: testNow,
		})
		return true, nil
	})
	require.NoError(t, err)

	res, err := r.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Writes)
	assert.Equal(t, 4, res.To)
}

func TestRunIfNeeded_CrashBetweenCommits(t *testing.T) {
	want := migrateClean(t)

	f := newFixture(t, nil)
	f.seedLegacy(t)
	crash := errors.New("power loss")
	f.runner.afterTransform = func(stepID string) error {
		if stepID == StepExtractCompletions {
			return crash
		}
		return nil
	}

	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.ErrorIs(t, err, crash)

	mid := f.load(t)
	assert.Equal(t, []string{StepNormalizeNames}, mid.Migration.Completed)
	assert.Equal(t, StepExtractCompletions, mid.Migration.AppliedStep)
	assert.Len(t, mid.Completions, 4, "transform is committed")

	f.runner.afterTransform = nil
	res, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, allSteps()[1:], res.Applied)
	assert.Equal(t, []string{StepExtractCompletions}, res.Resumed)

	got := f.load(t)
	assert.Equal(t, want.Migration, got.Migration)
	assert.Equal(t, want.RecordCount(), got.RecordCount())
	assert.Equal(t, want.Completions, got.Completions)
	assert.Equal(t, want.Progress, got.Progress)
}

func TestRunIfNeeded_ResumesFromCheckpoint(t *testing.T) {
	prev := extractBatchSize
	extractBatchSize = 1
	t.Cleanup(func() { extractBatchSize = prev })

	want := migrateClean(t)

	f := newFixture(t, nil)
	f.seedLegacy(t)
	crash := errors.New("killed")
	var cursors []string
	f.runner.afterCheckpoint = func(stepID, cursor string) error {
		cursors = append(cursors, cursor)
		return crash
	}

	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.ErrorIs(t, err, crash)
	assert.Equal(t, []string{"h1"}, cursors)

	mid := f.load(t)
	require.NotNil(t, mid.Migration.Resume)
	assert.Equal(t, model.ResumeToken{StepID: StepExtractCompletions, Cursor: "h1"}, *mid.Migration.Resume)
	h1, _ := mid.Habit("h1")
	assert.Nil(t, h1.LegacyHistory)
	h4, _ := mid.Habit("h4")
	assert.NotNil(t, h4.LegacyHistory, "not reached before the crash")

	f.runner.afterCheckpoint = nil
	res, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Contains(t, res.Resumed, StepExtractCompletions)

	got := f.load(t)
	assert.Equal(t, want.Migration, got.Migration)
	assert.Equal(t, want.Completions, got.Completions)
	assert.Nil(t, got.Migration.Resume)
}

// addSkip commits a skip marker the way another process would while a run
// is in progress.
func (f *fixture) addSkip(t *testing.T, habitID string, day calendar.DayKey) {
	t.Helper()
	_, err := f.store.Update(context.Background(), "u1", func(ds *model.Dataset) (bool, error) {
		ds.Skips = append(ds.Skips, model.SkipMarker{UserID: "u1", HabitID: habitID, Day: day, CreatedAt: testNow})
		return true, nil
	})
	require.NoError(t, err)
}

func TestRunIfNeeded_KeepsWritesBetweenCommits(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLegacy(t)
	f.runner.afterTransform = func(stepID string) error {
		if stepID == StepNormalizeNames {
			f.addSkip(t, "h1", "2024-05-05")
		}
		return nil
	}

	res, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, allSteps(), res.Applied)

	ds := f.load(t)
	assert.Equal(t, allSteps(), ds.Migration.Completed)
	assert.GreaterOrEqual(t, ds.SkipIndex("h1", "2024-05-05"), 0, "skip written mid-run survives")
	assert.Len(t, ds.Completions, 4)
}

func TestRunIfNeeded_KeepsWritesBetweenCheckpoints(t *testing.T) {
	prev := extractBatchSize
	extractBatchSize = 1
	t.Cleanup(func() { extractBatchSize = prev })

	f := newFixture(t, nil)
	f.seedLegacy(t)
	var cursors []string
	f.runner.afterCheckpoint = func(stepID, cursor string) error {
		cursors = append(cursors, cursor)
		f.addSkip(t, "h2", calendar.DayKey("2024-04-10").Add(len(cursors)))
		return nil
	}

	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h3"}, cursors)

	ds := f.load(t)
	assert.Equal(t, allSteps(), ds.Migration.Completed)
	assert.Nil(t, ds.Migration.Resume)
	assert.GreaterOrEqual(t, ds.SkipIndex("h2", "2024-04-11"), 0)
	assert.GreaterOrEqual(t, ds.SkipIndex("h2", "2024-04-12"), 0)
	assert.Len(t, ds.Completions, 4, "every batch ran")
}

func TestRunIfNeeded_TwiceFromAnyState(t *testing.T) {
	want := migrateClean(t)

	for _, stop := range allSteps() {
		t.Run(stop, func(t *testing.T) {
			f := newFixture(t, nil)
			f.seedLegacy(t)
			f.runner.afterTransform = func(stepID string) error {
				if stepID == stop {
					return errors.New("stop")
				}
				return nil
			}
			_, err := f.runner.RunIfNeeded(context.Background(), "u1")
			require.Error(t, err)
			f.runner.afterTransform = nil

			for i := 0; i < 2; i++ {
				_, err = f.runner.RunIfNeeded(context.Background(), "u1")
				require.NoError(t, err)
			}
			got := f.load(t)
			assert.Equal(t, want.Migration, got.Migration)
			assert.Equal(t, want.RecordCount(), got.RecordCount())
			assert.NoError(t, model.Validate(got, testNow))
		})
	}
}

func TestRunIfNeeded_ConcurrentCallers(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLegacy(t)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := f.runner.RunIfNeeded(context.Background(), "u1")
			return err
		})
	}
	require.NoError(t, g.Wait())

	ds := f.load(t)
	assert.Equal(t, allSteps(), ds.Migration.Completed)
	assert.Equal(t, allSteps(), f.events.steps(), "each step journaled once")
}

func TestRunIfNeeded_Disabled(t *testing.T) {
	f := newFixture(t, StaticSwitch(false))
	f.seedLegacy(t)

	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, model.IsMigrationDisabled(err))
	assert.ErrorIs(t, err, model.ErrMigrationDisabled)

	raw, err := os.ReadFile(f.store.PrimaryPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, legacyPayload, string(raw), "nothing written")
}

func TestRunIfNeeded_SwitchError(t *testing.T) {
	boom := errors.New("unreachable")
	f := newFixture(t, SwitchFunc(func(context.Context) (bool, error) { return false, boom }))
	_, err := f.runner.RunIfNeeded(context.Background(), "u1")
	assert.ErrorIs(t, err, boom)
	assert.False(t, model.IsMigrationDisabled(err))
}

func TestPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.seedLegacy(t)
	ctx := context.Background()

	ids, err := f.runner.Plan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, allSteps(), ids)

	_, err = f.runner.RunIfNeeded(ctx, "u1")
	require.NoError(t, err)
	ids, err = f.runner.Plan(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 4, f.runner.Latest())
}

func TestNew_RejectsBadSteps(t *testing.T) {
	st, err := store.Open(store.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	noop := func(context.Context, *StepContext) error { return nil }

	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty id", []Step{{Version: 1, Apply: noop}}},
		{"duplicate id", []Step{{ID: "a", Version: 1, Apply: noop}, {ID: "a", Version: 2, Apply: noop}}},
		{"version not increasing", []Step{{ID: "a", Version: 2, Apply: noop}, {ID: "b", Version: 2, Apply: noop}}},
		{"no apply", []Step{{ID: "a", Version: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Store: st, Steps: tt.steps})
			assert.Error(t, err)
		})
	}
}

func TestCustomStepFailureKeepsState(t *testing.T) {
	st, err := store.Open(store.Config{Dir: t.TempDir(), Clock: testutil.NewFakeClock(testNow)})
	require.NoError(t, err)
	ds := testutil.NewDataset("u1", testNow).Daily("h1", "2024-05-01").Build()
	require.NoError(t, st.Save(context.Background(), ds))

	boom := errors.New("boom")
	r, err := New(Config{Store: st, Steps: []Step{
		{ID: "a", Version: 1, Apply: func(_ context.Context, sc *StepContext) error {
			sc.Dataset.Habits[0].Name = "changed"
			return boom
		}},
	}})
	require.NoError(t, err)

	_, err = r.RunIfNeeded(context.Background(), "u1")
	require.ErrorIs(t, err, boom)

	got, _, err := st.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.Habits[0].Name)
	assert.Empty(t, got.Migration.Completed)
}

func TestSwitches(t *testing.T) {
	ctx := context.Background()

	t.Run("fallback uses remote", func(t *testing.T) {
		on, err := FallbackSwitch{Remote: StaticSwitch(false), Default: true}.MigrationsEnabled(ctx)
		require.NoError(t, err)
		assert.False(t, on)
	})

	t.Run("fallback default on remote error", func(t *testing.T) {
		remote := SwitchFunc(func(context.Context) (bool, error) { return true, errors.New("offline") })
		on, err := FallbackSwitch{Remote: remote, Default: false}.MigrationsEnabled(ctx)
		require.NoError(t, err)
		assert.False(t, on)
	})

	t.Run("file switch", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "switch.yaml")

		_, err := FileSwitch(path).MigrationsEnabled(ctx)
		assert.Error(t, err, "missing file")

		require.NoError(t, os.WriteFile(path, []byte("migrations_enabled: false\n"), 0o600))
		on, err := FileSwitch(path).MigrationsEnabled(ctx)
		require.NoError(t, err)
		assert.False(t, on)

		require.NoError(t, os.WriteFile(path, []byte("other: 1\n"), 0o600))
		_, err = FileSwitch(path).MigrationsEnabled(ctx)
		assert.Error(t, err)

		on, err = FallbackSwitch{Remote: FileSwitch(path), Default: true}.MigrationsEnabled(ctx)
		require.NoError(t, err)
		assert.True(t, on)
	})
}

func TestExtractCompletions_DropsInvalidDays(t *testing.T) {
	ds := model.NewDataset("u1")
	ds.Habits = []model.Habit{{
		ID: "h1", UserID: "u1", Name: "x", Schedule: model.Daily(),
		LegacyHistory: map[string]int{"2024-02-30": 1, "2024-02-28": 0, "2024-02-27": 1},
	}}
	sc := &StepContext{UserID: "u1", Dataset: ds, Now: testNow, Logger: testLogger()}
	require.NoError(t, extractCompletions(context.Background(), sc))

	require.Len(t, ds.Completions, 1)
	assert.Equal(t, calendar.DayKey("2024-02-27"), ds.Completions[0].Day)
	assert.Nil(t, ds.Habits[0].LegacyHistory)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
