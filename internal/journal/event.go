package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
)

// Kind names an event type.
type Kind string

const (
	KindAwardGranted   Kind = "award.granted"
	KindAwardRevoked   Kind = "award.revoked"
	KindHabitCreated   Kind = "habit.created"
	KindHabitDeleted   Kind = "habit.deleted"
	KindHabitPurged    Kind = "habit.purged"
	KindRemoteRejected Kind = "habit.remote_rejected"
	KindMigrationStep  Kind = "migration.step"
	KindRecovery       Kind = "store.recovered"
)

// Event is one audit record.
type Event struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Kind       Kind            `json:"kind"`
	HabitID    string          `json:"habit_id,omitempty"`
	Day        calendar.DayKey `json:"day_key,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// OrNop returns r, or Nop if r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// RecordBestEffort records e and logs, rather than returns, any failure.
func RecordBestEffort(ctx context.Context, r Recorder, logger *slog.Logger, e Event) {
	if err := OrNop(r).Record(ctx, e); err != nil {
		logger.Warn("journal record failed", "user_id", e.UserID, "kind", e.Kind, "error", err)
	}
}

// EventID computes the content-addressed id of e from everything but Seq and ID.
func EventID(e Event) (string, error) {
	body, err := json.Marshal(struct {
		UserID     string          `json:"user_id"`
		Kind       Kind            `json:"kind"`
		HabitID    string          `json:"habit_id"`
		Day        calendar.DayKey `json:"day_key"`
		Payload    map[string]any  `json:"payload"`
		RecordedAt string          `json:"recorded_at"`
	}{e.UserID, e.Kind, e.HabitID, e.Day, e.Payload, e.RecordedAt.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return "", fmt.Errorf("event id: %w", err)
	}
	return model.HashWithDomain(model.DomainEvent, body), nil
}

// Record appends e. Uses ON CONFLICT(id) DO NOTHING for idempotency:
// recording an identical event twice stores it once.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if e.RecordedAt.IsZero() {
		return fmt.Errorf("record event: recorded_at is required")
	}
	if e.ID == "" {
		id, err := EventID(e)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		e.ID = id
	}
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("record event: marshal payload: %w", err)
		}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, kind, habit_id, day_key, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.UserID,
		string(e.Kind),
		e.HabitID,
		string(e.Day),
		string(payload),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Filter narrows Events.
type Filter struct {
	// Kind restricts to one event kind. Empty means all.
	Kind Kind

	// Limit caps the number of events, newest dropped first. Zero means no limit.
	Limit int
}

// Events returns userID's events in append order (seq ASC, id ASC).
// Returns an empty slice (not nil) when none exist.
func (j *Journal) Events(ctx context.Context, userID string, f Filter) ([]Event, error) {
	query := `
		SELECT seq, id, user_id, kind, habit_id, day_key, payload, recorded_at
		FROM events
		WHERE user_id = ? AND (? = '' OR kind = ?)
		ORDER BY seq ASC, id COLLATE BINARY ASC`
	args := []any{userID, string(f.Kind), string(f.Kind)}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Count returns the number of events recorded for userID.
func (j *Journal) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e          Event
		kind, day  string
		payload    string
		recordedAt string
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &kind, &e.HabitID, &day, &payload, &recordedAt); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Kind = Kind(kind)
	e.Day = calendar.DayKey(day)

	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return Event{}, fmt.Errorf("unmarshal payload for event %s: %w", e.ID, err)
		}
	}
	at, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return Event{}, fmt.Errorf("parse recorded_at for event %s: %w", e.ID, err)
	}
	e.RecordedAt = at
	return e, nil
}
