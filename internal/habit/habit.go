// Package habit manages habit definitions and their per-day records.
//
// Deletion is soft: a deleted habit keeps its id, records and history, gains
// a SoftDeleted state and a deletion log entry, and leaves a TTL-bounded
// tombstone that stops stale replicas from recreating it. Only the retention
// job (PurgeDeleted) removes habits physically.
package habit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
)

// DefaultTombstoneTTL is how long a deletion blocks remote recreation.
const DefaultTombstoneTTL = 30 * 24 * time.Hour

// IDGenerator produces habit ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7 generates time-ordered UUIDv7 ids.
type UUIDv7 struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Config configures a Service.
type Config struct {
	Store        *store.Store
	Calendar     *calendar.Service
	Clock        clock.Clock
	IDs          IDGenerator
	TombstoneTTL time.Duration
	Journal      journal.Recorder
	Logger       *slog.Logger
}

// Service implements habit CRUD, completions, skips and deletion.
type Service struct {
	store   *store.Store
	cal     *calendar.Service
	clock   clock.Clock
	ids     IDGenerator
	ttl     time.Duration
	journal journal.Recorder
	logger  *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("habit service: store is required")
	}
	cal := cfg.Calendar
	if cal == nil {
		cal = calendar.New("")
	}
	ids := cfg.IDs
	if ids == nil {
		ids = UUIDv7{}
	}
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		cal:     cal,
		clock:   clock.OrSystem(cfg.Clock),
		ids:     ids,
		ttl:     ttl,
		journal: journal.OrNop(cfg.Journal),
		logger:  logger.With("component", "habit"),
	}, nil
}

// CreateInput describes a new habit.
type CreateInput struct {
	Name        string
	Schedule    model.Schedule
	TargetCount int

	// StartDay defaults to today in the user's zone.
	StartDay calendar.DayKey
}

// UpdateInput lists the fields to change; nil fields are left alone.
type UpdateInput struct {
	Name        *string
	Schedule    *model.Schedule
	TargetCount *int
}

// ListOptions controls List.
type ListOptions struct {
	// IncludeDeleted returns soft-deleted habits too.
	IncludeDeleted bool
}

func notFound(op, userID, habitID string) error {
	return &model.Error{
		Code:    model.CodeNotFound,
		Op:      op,
		UserID:  userID,
		Message: fmt.Sprintf("habit %s not found", habitID),
	}
}

func deletedError(op, userID, habitID string) error {
	return &model.Error{
		Code:    model.CodeValidation,
		Op:      op,
		UserID:  userID,
		Message: fmt.Sprintf("habit %s is deleted", habitID),
	}
}

// zoneOf returns the dataset's zone name, or the calendar default.
func (s *Service) zoneOf(ds *model.Dataset) string {
	if ds.TimeZone != "" {
		return ds.TimeZone
	}
	return s.cal.Default().String()
}

// Today returns the current day key for userID.
func (s *Service) Today(ctx context.Context, userID string) (calendar.DayKey, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.cal.Today(s.clock, s.zoneOf(ds)), nil
}

// SetTimeZone sets the zone used for userID's day keys.
// Unknown zones are rejected.
func (s *Service) SetTimeZone(ctx context.Context, userID, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return model.NewValidationError("habit.set_time_zone", userID, []string{fmt.Sprintf("unknown time zone %q", tz)})
	}
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		if ds.TimeZone == tz {
			return false, nil
		}
		ds.TimeZone = tz
		return true, nil
	})
	return err
}

// Create adds a habit and returns it.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (model.Habit, error) {
	name := model.NormalizeName(in.Name)
	if name == "" {
		return model.Habit{}, model.NewValidationError("habit.create", userID, []string{"name is empty"})
	}
	if err := in.Schedule.Validate(); err != nil {
		return model.Habit{}, model.NewValidationError("habit.create", userID, []string{err.Error()})
	}
	if in.Schedule.Kind == "" {
		in.Schedule = model.Daily()
	}

	var created model.Habit
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		now := s.clock.Now()
		if ds.TimeZone == "" {
			ds.TimeZone = s.cal.Default().String()
		}
		start := in.StartDay
		if start == "" {
			start = s.cal.DayKey(now, ds.TimeZone)
		}
		created = model.Habit{
			ID:          s.ids.NewID(),
			UserID:      userID,
			Name:        name,
			Schedule:    in.Schedule,
			TargetCount: in.TargetCount,
			StartDay:    start,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ds.Habits = append(ds.Habits, created)
		return true, nil
	})
	if err != nil {
		return model.Habit{}, err
	}

	journal.RecordBestEffort(ctx, s.journal, s.logger, journal.Event{
		UserID:     userID,
		Kind:       journal.KindHabitCreated,
		HabitID:    created.ID,
		Payload:    map[string]any{"name": created.Name},
		RecordedAt: created.CreatedAt,
	})
	return created, nil
}

// Update changes a live habit's definition.
func (s *Service) Update(ctx context.Context, userID, habitID string, in UpdateInput) (model.Habit, error) {
	var updated model.Habit
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		i := ds.HabitIndex(habitID)
		if i < 0 {
			return false, notFound("habit.update", userID, habitID)
		}
		h := &ds.Habits[i]
		if h.IsDeleted() {
			return false, deletedError("habit.update", userID, habitID)
		}

		changed := false
		if in.Name != nil {
			name := model.NormalizeName(*in.Name)
			if name == "" {
				return false, model.NewValidationError("habit.update", userID, []string{"name is empty"})
			}
			if name != h.Name {
				h.Name = name
				changed = true
			}
		}
		if in.Schedule != nil {
			if err := in.Schedule.Validate(); err != nil {
				return false, model.NewValidationError("habit.update", userID, []string{err.Error()})
			}
			h.Schedule = *in.Schedule
			changed = true
		}
		if in.TargetCount != nil && *in.TargetCount != h.TargetCount {
			h.TargetCount = *in.TargetCount
			changed = true
		}
		if changed {
			h.UpdatedAt = s.clock.Now()
		}
		updated = *h
		return changed, nil
	})
	if err != nil {
		return model.Habit{}, err
	}
	return updated, nil
}

// Get returns a habit by id, including soft-deleted habits.
func (s *Service) Get(ctx context.Context, userID, habitID string) (model.Habit, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return model.Habit{}, err
	}
	h, ok := ds.Habit(habitID)
	if !ok {
		return model.Habit{}, notFound("habit.get", userID, habitID)
	}
	return h, nil
}

// List returns userID's habits. By default only habits with no deletion marker.
func (s *Service) List(ctx context.Context, userID string, opts ListOptions) ([]model.Habit, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if opts.IncludeDeleted {
		return ds.Habits, nil
	}
	return ds.ActiveHabits(), nil
}
