package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/testutil"
)

var testNow = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

// createTestStore creates a store in a fresh temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, t.TempDir())
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{
		Dir:         dir,
		LockTimeout: 2 * time.Second,
		Clock:       testutil.NewFakeClock(testNow),
	})
	require.NoError(t, err)
	return s
}

// datasetWithHabits returns a valid dataset for u1 with n daily habits.
func datasetWithHabits(n int) *model.Dataset {
	b := testutil.NewDataset("u1", testNow)
	for i := 1; i <= n; i++ {
		b.Daily(fmt.Sprintf("h%d", i), "2024-05-01")
	}
	return b.Build()
}

func habitCount(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ds, _, err := Decode(data)
	require.NoError(t, err)
	return len(ds.Habits)
}

func TestEncode_GoldenPayload(t *testing.T) {
	at := testNow
	ds := &model.Dataset{
		UserID:   "u1",
		TimeZone: "Europe/Amsterdam",
		Habits: []model.Habit{{
			ID: "h1", UserID: "u1", Name: "Read", Schedule: model.Daily(),
			StartDay: "2024-05-01", CreatedAt: testNow, UpdatedAt: testNow,
		}},
		Completions: []model.CompletionRecord{{
			UserID: "u1", HabitID: "h1", Day: "2024-05-10",
			Completed: true, Count: 1, CompletedAt: &at, UpdatedAt: testNow,
		}},
		Awards: []model.DailyAward{{
			ID: model.AwardID("u1", "2024-05-10"), UserID: "u1", Day: "2024-05-10",
			XP: 100, AllComplete: true, GrantedAt: testNow,
		}},
		Progress: model.ComputeProgress("u1", 100, 500),
		Migration: model.MigrationState{
			Version: 4,
			Completed: []string{
				"v1-normalize-habit-names",
				"v2-extract-embedded-completions",
				"v3-backfill-deletion-source",
				"v4-rebuild-user-progress",
			},
		},
	}

	data, header, err := Encode(ds, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, header.RecordCount)
	assert.Equal(t, 4, header.SchemaLevel)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "snapshot_v4", data)

	decoded, _, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ds.Habits, decoded.Habits)
	assert.Equal(t, ds.Awards, decoded.Awards)
}

func TestDecode_RejectsTamperedPayload(t *testing.T) {
	data, _, err := Encode(datasetWithHabits(1), testNow)
	require.NoError(t, err)

	tampered := bytes.Replace(data, []byte(`"name": "h1"`), []byte(`"name": "zz"`), 1)
	require.NotEqual(t, data, tampered)
	_, _, err = Decode(tampered)
	assert.Error(t, err)

	_, _, err = Decode(data[:len(data)/2])
	assert.Error(t, err, "truncated payload")
}

func TestDecode_AcceptsLegacyPayload(t *testing.T) {
	legacy := []byte(`{"user_id":"u1","habits":[{"id":"h1","user_id":"u1","name":"Read",` +
		`"start_day":"2024-05-01","completion_history":{"2024-05-02":1}}]}`)

	ds, header, err := Decode(legacy)
	require.NoError(t, err)
	assert.Equal(t, 0, header.SchemaLevel)
	require.Len(t, ds.Habits, 1)
	assert.Equal(t, 1, ds.Habits[0].LegacyHistory["2024-05-02"])
	assert.NotNil(t, ds.Completions)
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))

	ds, info, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, info.Source)
	assert.Equal(t, s.PrimaryPath("u1"), info.Path)
	assert.False(t, info.Recovered())
	assert.Len(t, ds.Habits, 2)
	assert.Equal(t, 2, info.Header.RecordCount)
}

func TestStore_LoadMissingUserIsEmpty(t *testing.T) {
	s := createTestStore(t)

	ds, info, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, info.Source)
	assert.False(t, info.Recovered())
	assert.Equal(t, "nobody", ds.UserID)
	assert.Empty(t, ds.Habits)
}

func TestStore_EmptyDatasetCarriesBaseline(t *testing.T) {
	s, err := Open(Config{
		Dir:      t.TempDir(),
		Clock:    testutil.NewFakeClock(testNow),
		Baseline: model.MigrationState{Version: 2, Completed: []string{"a", "b"}},
	})
	require.NoError(t, err)

	ds, _, err := s.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.MigrationState{UserID: "u1", Version: 2, Completed: []string{"a", "b"}}, ds.Migration)

	ds.Migration.Completed[0] = "changed"
	again, _, err := s.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Migration.Completed[0], "baseline is not shared")
}

func TestStore_RejectsUnsafeUserID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc", ".hidden", "a/b", "a.json"} {
		_, _, err := s.Load(ctx, id)
		assert.True(t, model.IsValidation(err), "user id %q", id)
	}
}

func TestStore_RotatesBackups(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for n := 1; n <= 4; n++ {
		require.NoError(t, s.Save(ctx, datasetWithHabits(n)))
	}

	assert.Equal(t, 4, habitCount(t, s.PrimaryPath("u1")))
	assert.Equal(t, 3, habitCount(t, s.BackupPath("u1", 1)))
	assert.Equal(t, 2, habitCount(t, s.BackupPath("u1", 2)))
	assert.NoFileExists(t, s.BackupPath("u1", 3))
	assert.NoFileExists(t, s.stagedPath("u1"))
}

func TestStore_FirstWriteCreatesNoBackup(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Save(context.Background(), datasetWithHabits(1)))

	assert.FileExists(t, s.PrimaryPath("u1"))
	assert.NoFileExists(t, s.BackupPath("u1", 1))
}

func TestStore_LoadFallsBackThroughBackups(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	for n := 1; n <= 3; n++ {
		require.NoError(t, s.Save(ctx, datasetWithHabits(n)))
	}

	// Corrupt the primary: backup-1 serves.
	require.NoError(t, os.WriteFile(s.PrimaryPath("u1"), []byte(`{"header":`), 0o600))
	fresh := openTestStore(t, dir)
	ds, info, err := fresh.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceBackup, info.Source)
	assert.Equal(t, 1, info.Backup)
	assert.True(t, info.Recovered())
	assert.Len(t, ds.Habits, 2)
	assert.Equal(t, []string{s.PrimaryPath("u1")}, info.Skipped)

	// Corrupt backup-1 too: backup-2 serves.
	require.NoError(t, os.WriteFile(s.BackupPath("u1", 1), []byte("garbage"), 0o600))
	fresh = openTestStore(t, dir)
	ds, info, err = fresh.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Backup)
	assert.Len(t, ds.Habits, 1)

	// Everything corrupt, fresh process: empty.
	require.NoError(t, os.WriteFile(s.BackupPath("u1", 2), nil, 0o600))
	fresh = openTestStore(t, dir)
	ds, info, err = fresh.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceEmpty, info.Source)
	assert.True(t, info.Recovered())
	assert.Empty(t, ds.Habits)
}

func TestStore_LoadFallsBackToLastKnownGood(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))

	require.NoError(t, os.WriteFile(s.PrimaryPath("u1"), []byte("{"), 0o600))

	ds, info, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, info.Source)
	assert.Len(t, ds.Habits, 2)
}

func TestStore_LoadSurfacesIOErrors(t *testing.T) {
	s := createTestStore(t)
	// A directory where the primary should be cannot be read as a file.
	require.NoError(t, os.Mkdir(s.PrimaryPath("u1"), 0o700))

	_, _, err := s.Load(context.Background(), "u1")
	require.Error(t, err)
	assert.True(t, model.IsIOError(err))
}

func TestStore_ValidationFailureKeepsPreviousState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	before, err := os.ReadFile(s.PrimaryPath("u1"))
	require.NoError(t, err)

	bad := datasetWithHabits(2)
	bad.Completions = append(bad.Completions, model.CompletionRecord{
		UserID: "u1", HabitID: "h1", Day: "2024-05-02", Count: -3,
	})
	err = s.Save(ctx, bad)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	after, err := os.ReadFile(s.PrimaryPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, s.BackupPath("u1", 1))
}

func TestStore_DuplicateAwardIsConcurrencyViolation(t *testing.T) {
	s := createTestStore(t)
	ds := testutil.NewDataset("u1", testNow).
		Daily("h1", "2024-05-01").
		Award("2024-05-02", 100).
		Award("2024-05-02", 100).
		Build()

	err := s.Save(context.Background(), ds)
	assert.True(t, model.IsConcurrencyViolation(err))
	assert.NoFileExists(t, s.PrimaryPath("u1"))
}

func TestStore_VerificationFailureRestoresPrimary(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))
	primaryBefore, err := os.ReadFile(s.PrimaryPath("u1"))
	require.NoError(t, err)
	backupBefore, err := os.ReadFile(s.BackupPath("u1", 1))
	require.NoError(t, err)

	// Simulate a write that lands but reads back torn.
	s.afterRename = func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data[:len(data)-40], 0o600)
	}

	err = s.Save(ctx, datasetWithHabits(3))
	require.Error(t, err)
	assert.True(t, model.IsCorruption(err))

	primaryAfter, err := os.ReadFile(s.PrimaryPath("u1"))
	require.NoError(t, err)
	backupAfter, err := os.ReadFile(s.BackupPath("u1", 1))
	require.NoError(t, err)
	assert.Equal(t, primaryBefore, primaryAfter, "previous primary restored")
	assert.Equal(t, backupBefore, backupAfter, "backups not rotated")
	assert.NoFileExists(t, s.BackupPath("u1", 2))
	assert.NoFileExists(t, s.stagedPath("u1"))
}

func TestStore_VerificationFailureOnFirstWriteLeavesNothing(t *testing.T) {
	s := createTestStore(t)
	s.afterRename = func(path string) error {
		return os.WriteFile(path, []byte("{}"), 0o600)
	}

	err := s.Save(context.Background(), datasetWithHabits(1))
	require.Error(t, err)
	assert.NoFileExists(t, s.PrimaryPath("u1"))
}

func TestStore_CrashLeftoversDoNotBreakRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))

	// Crash after temp write, before rename: a half-written temp file.
	tmp := filepath.Join(dir, ".u1.json.tmp-12345")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"header":{"form`), 0o600))
	// Crash after staging, before rename: the staged link is still the primary.
	require.NoError(t, os.Link(s.PrimaryPath("u1"), s.stagedPath("u1")))

	fresh := openTestStore(t, dir)
	ds, info, err := fresh.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, info.Source)
	assert.Len(t, ds.Habits, 2)

	users, err := fresh.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	require.NoError(t, fresh.Save(ctx, datasetWithHabits(3)))
	assert.Equal(t, 3, habitCount(t, fresh.PrimaryPath("u1")))
	assert.Equal(t, 2, habitCount(t, fresh.BackupPath("u1", 1)))

	removed, err := fresh.CleanTemp(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, tmp)
}

// crashBeforeRotation leaves dir the way a write of ds does when it dies
// after the rename: ds is the primary and the previous primary is only
// reachable through the staged path.
func crashBeforeRotation(t *testing.T, s *Store, primary []byte) {
	t.Helper()
	require.NoError(t, os.Link(s.PrimaryPath("u1"), s.stagedPath("u1")))
	tmp := s.PrimaryPath("u1") + ".next"
	require.NoError(t, os.WriteFile(tmp, primary, 0o600))
	require.NoError(t, os.Rename(tmp, s.PrimaryPath("u1")))
}

func TestStore_InterruptedRotationKeepsGeneration(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))

	gen3, _, err := Encode(datasetWithHabits(3), testNow)
	require.NoError(t, err)
	crashBeforeRotation(t, s, gen3)

	fresh := openTestStore(t, dir)
	require.NoError(t, fresh.Save(ctx, datasetWithHabits(4)))
	assert.Equal(t, 4, habitCount(t, fresh.PrimaryPath("u1")))
	assert.Equal(t, 3, habitCount(t, fresh.BackupPath("u1", 1)))
	assert.Equal(t, 2, habitCount(t, fresh.BackupPath("u1", 2)))
	assert.NoFileExists(t, fresh.stagedPath("u1"))
}

func TestStore_LoadFallsBackToStagedPrimary(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	require.NoError(t, s.Save(ctx, datasetWithHabits(2)))

	crashBeforeRotation(t, s, []byte(`{"header":{"form`))

	ds, info, err := openTestStore(t, dir).Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ds.Habits, 2)
	assert.Equal(t, SourceBackup, info.Source)
	assert.Equal(t, s.stagedPath("u1"), info.Path)
	assert.Zero(t, info.Backup)
	assert.Equal(t, []string{s.PrimaryPath("u1")}, info.Skipped)
}

func TestStore_UpdateUnchangedWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ds, err := s.Update(ctx, "u1", func(*model.Dataset) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, "u1", ds.UserID)
	assert.NoFileExists(t, s.PrimaryPath("u1"))

	require.NoError(t, s.Save(ctx, datasetWithHabits(1)))
	info, err := os.Stat(s.PrimaryPath("u1"))
	require.NoError(t, err)

	_, err = s.Update(ctx, "u1", func(*model.Dataset) (bool, error) { return false, nil })
	require.NoError(t, err)
	after, err := os.Stat(s.PrimaryPath("u1"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
	assert.NoFileExists(t, s.BackupPath("u1", 1))
}

func TestStore_UpdateErrorAbortsWrite(t *testing.T) {
	s := createTestStore(t)
	boom := errors.New("boom")

	_, err := s.Update(context.Background(), "u1", func(ds *model.Dataset) (bool, error) {
		ds.Habits = append(ds.Habits, model.Habit{ID: "h1"})
		return true, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, s.PrimaryPath("u1"))
}

func TestStore_ConcurrentUpdatesSerialize(t *testing.T) {
	s := createTestStore(t)
	const writers = 20

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		id := fmt.Sprintf("h%02d", i)
		g.Go(func() error {
			_, err := s.Update(context.Background(), "u1", func(ds *model.Dataset) (bool, error) {
				ds.Habits = append(ds.Habits, model.Habit{
					ID: id, UserID: "u1", Name: id, StartDay: "2024-05-01",
					CreatedAt: testNow, UpdatedAt: testNow,
				})
				return true, nil
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	ds, _, err := s.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, ds.Habits, writers, "no update lost")
}

func TestStore_TwoStoresShareTheFileLock(t *testing.T) {
	dir := t.TempDir()
	a := openTestStore(t, dir)
	b := openTestStore(t, dir)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		day := calendar.DayKey("2024-05-01").Add(i)
		g.Go(func() error {
			_, err := s.Update(ctx, "u1", func(ds *model.Dataset) (bool, error) {
				ds.Skips = append(ds.Skips, model.SkipMarker{UserID: "u1", HabitID: "h1", Day: day})
				return true, nil
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	ds, _, err := openTestStore(t, dir).Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ds.Skips, 10)
}

func TestStore_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, LockTimeout: 100 * time.Millisecond, Clock: testutil.NewFakeClock(testNow)})
	require.NoError(t, err)

	// Another process holds the writer lock.
	f, err := os.OpenFile(s.lockPath("u1"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_EX))

	err = s.Save(context.Background(), datasetWithHabits(1))
	require.Error(t, err)
	assert.Equal(t, model.CodeLockTimeout, model.CodeOf(err))

	require.NoError(t, unix.Flock(int(f.Fd()), unix.LOCK_UN))
	assert.NoError(t, s.Save(context.Background(), datasetWithHabits(1)))
}

func TestStore_CancelledContextIsNotLockTimeout(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, datasetWithHabits(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_Users(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"bob", "alice"} {
		ds := model.NewDataset(u)
		require.NoError(t, s.Save(ctx, ds))
	}
	// A user whose primary is gone but whose backup survives is still listed.
	require.NoError(t, os.WriteFile(s.BackupPath("carol", 1), []byte("{}"), 0o600))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
}

func TestOpen_RejectsBadConfig(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	_, err = Open(Config{Dir: t.TempDir(), BackupDepth: MaxBackupDepth + 1})
	assert.Error(t, err)

	s, err := Open(Config{Dir: t.TempDir(), BackupDepth: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, s.BackupDepth())
	assert.Equal(t, s.PrimaryPath("u")+".backup3", s.BackupPath("u", 3))
}
