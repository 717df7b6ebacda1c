// Package timematch maps instants to local-hour schedule buckets.
//
// All offset handling is delegated to the IANA time zone database via time.LoadLocation,
// so skipped and repeated DST hours match or not purely by what the database says.
package timematch

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// DateLayout is the calendar-day format used for daily rollups.
const DateLayout = "2006-01-02"

var bucketPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):00$`)

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// loadLocation caches time.LoadLocation results; the zoneinfo lookup hits the filesystem.
func loadLocation(tz string) (*time.Location, error) {
	locMu.RLock()
	loc, ok := locCache[tz]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	locMu.Lock()
	locCache[tz] = loc
	locMu.Unlock()
	return loc, nil
}

// LocalHourBucket returns the wall-clock hour of now in tz as "HH:00".
// An empty tz is treated as UTC.
func LocalHourBucket(tz string, now time.Time) (string, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:00", now.In(loc).Hour()), nil
}

// IsDue reports whether the local hour of now in tz is present in schedule.
// An empty schedule or an unknown timezone is never due.
func IsDue(schedule []string, tz string, now time.Time) bool {
	if len(schedule) == 0 {
		return false
	}
	bucket, err := LocalHourBucket(tz, now)
	if err != nil {
		return false
	}
	return slices.Contains(schedule, bucket)
}

// ShouldCallNow is IsDue evaluated at the current time.
func ShouldCallNow(schedule []string, tz string) bool {
	return IsDue(schedule, tz, time.Now())
}

// NormalizeBucket validates a schedule entry. Only canonical "HH:00" is accepted;
// surrounding whitespace is trimmed.
func NormalizeBucket(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !bucketPattern.MatchString(s) {
		return "", fmt.Errorf("invalid schedule bucket %q: expected HH:00", s)
	}
	return s, nil
}

// NormalizeSchedule validates every entry and drops duplicates, preserving order.
func NormalizeSchedule(schedule []string) ([]string, error) {
	out := make([]string, 0, len(schedule))
	for _, s := range schedule {
		b, err := NormalizeBucket(s)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// dayLocation resolves tz for calendar-day keys. Empty and unknown zones use UTC, so a
// day written under LocalDate is the day DayBounds reads back.
func dayLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := loadLocation(tz)
	if err != nil {
		slog.Warn("timematch: unknown timezone, using UTC for calendar days", "timezone", tz)
		return time.UTC
	}
	return loc
}

// LocalDate returns the calendar day of now in tz, formatted with DateLayout.
// Unknown zones fall back to UTC.
func LocalDate(tz string, now time.Time) string {
	return now.In(dayLocation(tz)).Format(DateLayout)
}

// DayBounds returns the UTC instants bounding the local calendar day date in tz.
// Unknown zones fall back to UTC, matching LocalDate; only a malformed date is an error.
func DayBounds(tz, date string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout, date, dayLocation(tz))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC(), nil
}
