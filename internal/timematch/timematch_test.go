package timematch

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestLocalHourBucket(t *testing.T) {
	tests := []struct {
		name string
		tz   string
		now  string
		want string
	}{
		{"new york winter", "America/New_York", "2024-01-15T14:00:00Z", "09:00"},
		{"new york summer", "America/New_York", "2024-07-15T13:59:59Z", "09:00"},
		{"kolkata half hour offset", "Asia/Kolkata", "2024-01-15T03:45:00Z", "09:00"},
		{"utc midnight", "UTC", "2024-01-15T00:05:00Z", "00:00"},
		{"empty tz is utc", "", "2024-01-15T23:59:00Z", "23:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LocalHourBucket(tt.tz, mustParse(t, tt.now))
			if err != nil {
				t.Fatalf("LocalHourBucket error: %v", err)
			}
			if got != tt.want {
				t.Errorf("LocalHourBucket(%q, %s) = %q, want %q", tt.tz, tt.now, got, tt.want)
			}
		})
	}
}

func TestLocalHourBucket_UnknownZone(t *testing.T) {
	if _, err := LocalHourBucket("Mars/Olympus_Mons", time.Now()); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestIsDue(t *testing.T) {
	now := mustParse(t, "2024-01-15T14:00:00Z")
	if !IsDue([]string{"09:00"}, "America/New_York", now) {
		t.Error("09:00 EST should be due at 14:00Z in January")
	}
	if IsDue([]string{"10:00"}, "America/New_York", now) {
		t.Error("10:00 should not be due")
	}
	if IsDue(nil, "America/New_York", now) {
		t.Error("empty schedule is never due")
	}
	if IsDue([]string{}, "UTC", now) {
		t.Error("empty schedule is never due")
	}
	if IsDue([]string{"09:00"}, "Not/AZone", now) {
		t.Error("unknown zone is never due")
	}
}

func TestIsDue_SameLocalHourSameResult(t *testing.T) {
	schedule := []string{"09:00"}
	start := mustParse(t, "2024-01-15T14:00:00Z")
	for m := 0; m < 60; m++ {
		if !IsDue(schedule, "America/New_York", start.Add(time.Duration(m)*time.Minute)) {
			t.Fatalf("minute %d of the 09:00 hour should be due", m)
		}
	}
	if IsDue(schedule, "America/New_York", start.Add(time.Hour)) {
		t.Error("10:00 local should not be due")
	}
}

func TestIsDue_DSTTransitions(t *testing.T) {
	// 2024-03-10: New York skips 02:00-03:00 local.
	springSchedule := []string{"02:00"}
	for h := 0; h < 24; h++ {
		ts := mustParse(t, "2024-03-10T00:00:00Z").Add(time.Duration(h) * time.Hour)
		if IsDue(springSchedule, "America/New_York", ts) {
			t.Errorf("02:00 does not exist on spring-forward day, but matched at %s", ts)
		}
	}

	// 2024-11-03: New York repeats 01:00-02:00 local.
	fallSchedule := []string{"01:00"}
	matches := 0
	for h := 0; h < 24; h++ {
		ts := mustParse(t, "2024-11-03T00:00:00Z").Add(time.Duration(h) * time.Hour)
		if IsDue(fallSchedule, "America/New_York", ts) {
			matches++
		}
	}
	if matches != 2 {
		t.Errorf("01:00 occurs twice on fall-back day, matched %d times", matches)
	}
}

func TestNormalizeBucket(t *testing.T) {
	valid := []string{"00:00", "09:00", " 23:00 "}
	for _, s := range valid {
		if _, err := NormalizeBucket(s); err != nil {
			t.Errorf("NormalizeBucket(%q) unexpected error: %v", s, err)
		}
	}
	invalid := []string{"9:00", "09:30", "24:00", "0900", ""}
	for _, s := range invalid {
		if _, err := NormalizeBucket(s); err == nil {
			t.Errorf("NormalizeBucket(%q) expected error", s)
		}
	}
}

func TestNormalizeSchedule_Dedupes(t *testing.T) {
	got, err := NormalizeSchedule([]string{"09:00", "18:00", "09:00"})
	if err != nil {
		t.Fatalf("NormalizeSchedule error: %v", err)
	}
	if len(got) != 2 || got[0] != "09:00" || got[1] != "18:00" {
		t.Errorf("NormalizeSchedule = %v", got)
	}
}

func TestLocalDateAndDayBounds(t *testing.T) {
	now := mustParse(t, "2024-01-16T03:00:00Z")
	if got := LocalDate("America/Los_Angeles", now); got != "2024-01-15" {
		t.Errorf("LocalDate = %s, want 2024-01-15", got)
	}
	start, end, err := DayBounds("America/Los_Angeles", "2024-01-15")
	if err != nil {
		t.Fatalf("DayBounds error: %v", err)
	}
	if !start.Equal(mustParse(t, "2024-01-15T08:00:00Z")) || !end.Equal(mustParse(t, "2024-01-16T08:00:00Z")) {
		t.Errorf("DayBounds = %s..%s", start, end)
	}
	if now.Before(start) || !now.Before(end) {
		t.Error("now should fall inside its local day")
	}
}

func TestUnknownZoneDaysAreUTC(t *testing.T) {
	now := mustParse(t, "2024-01-16T03:00:00Z")
	date := LocalDate("Mars/Olympus_Mons", now)
	if date != "2024-01-16" {
		t.Errorf("LocalDate = %s, want UTC day 2024-01-16", date)
	}
	start, end, err := DayBounds("Mars/Olympus_Mons", date)
	if err != nil {
		t.Fatalf("DayBounds error: %v", err)
	}
	if !start.Equal(mustParse(t, "2024-01-16T00:00:00Z")) || !end.Equal(mustParse(t, "2024-01-17T00:00:00Z")) {
		t.Errorf("DayBounds = %s..%s, want the UTC day", start, end)
	}
	if now.Before(start) || !now.Before(end) {
		t.Error("now should fall inside the day LocalDate keyed it under")
	}
	if _, _, err := DayBounds("UTC", "2024-13-01"); err == nil {
		t.Error("expected error for malformed date")
	}
}
