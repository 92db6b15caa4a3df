package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/model"
)

const (
	// DefaultBackupDepth is the number of rotated backups kept per user.
	DefaultBackupDepth = 2

	// MaxBackupDepth bounds Config.BackupDepth.
	MaxBackupDepth = 5

	// DefaultLockTimeout bounds the wait for a user's writer lock.
	DefaultLockTimeout = 5 * time.Second

	primarySuffix = ".json"
	stagedSuffix  = ".prev"
	lockSuffix    = ".lock"
	tempInfix     = ".tmp-"
)

// Config configures a Store.
type Config struct {
	// Dir holds every snapshot, backup and lock file. Created if missing.
	Dir string

	// BackupDepth is the number of rotated backups (1..MaxBackupDepth).
	// Zero means DefaultBackupDepth.
	BackupDepth int

	// LockTimeout bounds the wait for the writer lock. Zero means DefaultLockTimeout.
	LockTimeout time.Duration

	// Clock stamps headers and drives validation. Nil means the system clock.
	Clock clock.Clock

	// Logger receives recovery warnings. Nil means slog.Default().
	Logger *slog.Logger

	// Baseline is the migration state of datasets created for users with
	// no snapshot, so new users start at the latest schema level.
	Baseline model.MigrationState
}

// Store is the durable record store. Safe for concurrent use.
type Store struct {
	dir         string
	depth       int
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	baseline    model.MigrationState

	loads singleflight.Group

	semMu sync.Mutex
	sems  map[string]chan struct{}

	goodMu   sync.RWMutex
	lastGood map[string]*model.Dataset

	// afterRename runs between the rename and read-back verification.
	// Tests use it to simulate a torn or misdirected write.
	afterRename func(path string) error
}

// Open prepares a store rooted at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("open store: data directory is required")
	}
	depth := cfg.BackupDepth
	if depth == 0 {
		depth = DefaultBackupDepth
	}
	if depth < 1 || depth > MaxBackupDepth {
		return nil, fmt.Errorf("open store: backup depth %d out of range 1..%d", depth, MaxBackupDepth)
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, model.NewIOError("store.open", cfg.Dir, err)
	}

	return &Store{
		dir:         cfg.Dir,
		depth:       depth,
		lockTimeout: timeout,
		clock:       clock.OrSystem(cfg.Clock),
		logger:      logger.With("component", "store"),
		baseline:    cfg.Baseline,
		sems:        make(map[string]chan struct{}),
		lastGood:    make(map[string]*model.Dataset),
	}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// BackupDepth returns the configured number of rotated backups.
func (s *Store) BackupDepth() int {
	return s.depth
}

// PrimaryPath returns the path of userID's primary snapshot.
func (s *Store) PrimaryPath(userID string) string {
	return filepath.Join(s.dir, userID+primarySuffix)
}

// BackupPath returns the path of backup n (1-based) for userID.
// Backup 1 is "<user>.json.backup"; deeper ones carry their index.
func (s *Store) BackupPath(userID string, n int) string {
	if n <= 1 {
		return s.PrimaryPath(userID) + ".backup"
	}
	return fmt.Sprintf("%s.backup%d", s.PrimaryPath(userID), n)
}

func (s *Store) stagedPath(userID string) string {
	return s.PrimaryPath(userID) + stagedSuffix
}

func (s *Store) lockPath(userID string) string {
	return s.PrimaryPath(userID) + lockSuffix
}

// Users lists user ids that have a primary or backup snapshot on disk.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, model.NewIOError("store.users", s.dir, err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		i := strings.Index(name, primarySuffix)
		if i <= 0 {
			continue
		}
		rest := name[i+len(primarySuffix):]
		if rest == "" || strings.HasPrefix(rest, ".backup") {
			seen[name[:i]] = true
		}
	}

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	slices.Sort(users)
	return users, nil
}

// validUserID rejects ids that would escape the data directory or collide
// with the store's own file naming.
func validUserID(userID string) error {
	if userID == "" {
		return model.NewValidationError("store", userID, []string{"user id is empty"})
	}
	if strings.HasPrefix(userID, ".") {
		return model.NewValidationError("store", userID, []string{"user id must not start with '.'"})
	}
	for _, r := range userID {
		ok := r == '-' || r == '_' || r == '@' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return model.NewValidationError("store", userID, []string{fmt.Sprintf("user id contains %q", r)})
		}
	}
	return nil
}

func (s *Store) rememberGood(ds *model.Dataset) {
	s.goodMu.Lock()
	s.lastGood[ds.UserID] = ds.Clone()
	s.goodMu.Unlock()
}

func (s *Store) lastKnownGood(userID string) (*model.Dataset, bool) {
	s.goodMu.RLock()
	defer s.goodMu.RUnlock()
	ds, ok := s.lastGood[userID]
	if !ok {
		return nil, false
	}
	return ds.Clone(), true
}
