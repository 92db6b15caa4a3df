// Package calendar converts instants into canonical local calendar days.
//
// A DayKey is the "YYYY-MM-DD" date of an instant as seen on the wall clock
// of a given IANA time zone. Every completion, skip and award is partitioned
// by DayKey, so the mapping must be stable:
//
//   - Any time of day on the same local date yields the same key.
//   - DST transitions never split a local date: the non-existent hour of a
//     spring-forward day and both occurrences of a repeated fall-back hour
//     belong to that date.
//   - Only the calendar date matters, never the UTC offset in effect.
//
// Invalid or empty zone identifiers fall back to the service default, which
// itself falls back to UTC. No function in this package has side effects.
package calendar

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // devices without a zoneinfo database

	"github.com/roach88/habitcore/internal/clock"
)

// Layout is the day key format.
const Layout = "2006-01-02"

// ErrInvalidDayKey is returned for strings that are not a valid YYYY-MM-DD date.
var ErrInvalidDayKey = errors.New("invalid day key")

// DayKey is a canonical local calendar date.
type DayKey string

// ParseDayKey validates s as a YYYY-MM-DD calendar date.
func ParseDayKey(s string) (DayKey, error) {
	t, err := time.Parse(Layout, s)
	if err != nil || t.Format(Layout) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidDayKey, s)
	}
	return DayKey(s), nil
}

// MustDayKey is like ParseDayKey but panics on error.
// Use only in tests or with literal keys.
func MustDayKey(s string) DayKey {
	k, err := ParseDayKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromTime returns the day key of t in t's own location.
func FromTime(t time.Time) DayKey {
	return DayKey(t.Format(Layout))
}

// Valid reports whether k is a well-formed calendar date.
func (k DayKey) Valid() bool {
	_, err := ParseDayKey(string(k))
	return err == nil
}

// String implements fmt.Stringer.
func (k DayKey) String() string {
	return string(k)
}

// civil anchors the date at noon UTC, where day arithmetic is exact.
func (k DayKey) civil() time.Time {
	t, err := time.Parse(Layout, string(k))
	if err != nil {
		return time.Time{}
	}
	return t.Add(12 * time.Hour)
}

// Add returns the key n days after k (n may be negative).
func (k DayKey) Add(n int) DayKey {
	return FromTime(k.civil().AddDate(0, 0, n))
}

// Weekday returns the day of week of the date.
func (k DayKey) Weekday() time.Weekday {
	return k.civil().Weekday()
}

// Before reports whether k is an earlier date than o.
func (k DayKey) Before(o DayKey) bool {
	return k < o
}

// After reports whether k is a later date than o.
func (k DayKey) After(o DayKey) bool {
	return k > o
}

// DaysBetween returns the number of days from a to b (negative if b < a).
func DaysBetween(a, b DayKey) int {
	return int(b.civil().Sub(a.civil()).Hours() / 24)
}

// Service resolves zones and maps instants to day keys.
//
// Thread-safety: Service is safe for concurrent use.
type Service struct {
	defaultLoc *time.Location

	mu    sync.RWMutex
	cache map[string]*time.Location
}

// New creates a Service whose fallback zone is defaultZone (UTC if invalid).
func New(defaultZone string) *Service {
	s := &Service{
		defaultLoc: time.UTC,
		cache:      make(map[string]*time.Location),
	}
	if loc, err := time.LoadLocation(defaultZone); err == nil && defaultZone != "" {
		s.defaultLoc = loc
	}
	return s
}

// Default returns the fallback location.
func (s *Service) Default() *time.Location {
	return s.defaultLoc
}

// Location resolves tz, falling back to the default for empty or unknown ids.
func (s *Service) Location(tz string) *time.Location {
	if tz == "" {
		return s.defaultLoc
	}

	s.mu.RLock()
	loc, ok := s.cache[tz]
	s.mu.RUnlock()
	if ok {
		return loc
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = s.defaultLoc
	}

	s.mu.Lock()
	s.cache[tz] = loc
	s.mu.Unlock()
	return loc
}

// DayKey returns the local calendar date of t in zone tz.
func (s *Service) DayKey(t time.Time, tz string) DayKey {
	return FromTime(t.In(s.Location(tz)))
}

// Today returns the current day key in zone tz.
func (s *Service) Today(c clock.Clock, tz string) DayKey {
	return s.DayKey(clock.OrSystem(c).Now(), tz)
}

// StartOfDay returns the first instant of date k in zone tz.
//
// In zones where DST skips local midnight, the day starts at the first
// wall-clock time that exists on that date.
func (s *Service) StartOfDay(k DayKey, tz string) (time.Time, error) {
	if !k.Valid() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDayKey, string(k))
	}
	loc := s.Location(tz)
	c := k.civil()
	guess := time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, loc)

	if FromTime(guess) == k && FromTime(guess.Add(-time.Second).In(loc)) != k {
		return guess, nil
	}
	return firstInstantOf(k, guess, loc), nil
}

// EndOfDay returns the last instant (nanosecond precision) of date k in zone tz.
func (s *Service) EndOfDay(k DayKey, tz string) (time.Time, error) {
	next, err := s.StartOfDay(k.Add(1), tz)
	if err != nil {
		return time.Time{}, err
	}
	return next.Add(-time.Nanosecond), nil
}

// firstInstantOf binary-searches the smallest whole second whose local
// date is >= k, within a window that always brackets the boundary.
func firstInstantOf(k DayKey, guess time.Time, loc *time.Location) time.Time {
	lo := guess.Add(-30 * time.Hour).Unix()
	hi := guess.Add(30 * time.Hour).Unix()
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if FromTime(time.Unix(mid, 0).In(loc)) < k {
			lo = mid
		} else {
			hi = mid
		}
	}
	return time.Unix(hi, 0).In(loc)
}
