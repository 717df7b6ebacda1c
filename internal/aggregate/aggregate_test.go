package aggregate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
)

func moodPtr(m models.Mood) *models.Mood { return &m }
func floatPtr(f float64) *float64        { return &f }

func newPatient(t *testing.T, st *store.InMemoryStore) *models.Patient {
	t.Helper()
	p := &models.Patient{ID: "p1", Name: "Ruth", Timezone: "America/Los_Angeles"}
	if err := st.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	return p
}

func insert(t *testing.T, st *store.InMemoryStore, c models.CallLog) {
	t.Helper()
	if c.PatientID == "" {
		c.PatientID = "p1"
	}
	if err := st.InsertCallLog(context.Background(), &c); err != nil {
		t.Fatalf("InsertCallLog failed: %v", err)
	}
}

func TestRecompute(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newPatient(t, st)
	ctx := context.Background()
	// 2025-06-01 in Los Angeles is 07:00Z June 1 through 07:00Z June 2
	insert(t, st, models.CallLog{
		Timestamp: time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered,
		Mood: moodPtr(models.MoodBad), MedsTaken: []string{"A", "B"}, Flags: []string{"lonely"},
		SleepHours: floatPtr(5), Summary: "morning", AnomalyScore: floatPtr(0.3),
	})
	insert(t, st, models.CallLog{
		Timestamp: time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered,
		MedsTaken: []string{"B", "C"}, Flags: []string{"lonely", "fell"}, AnomalyScore: floatPtr(0.45),
	})
	insert(t, st, models.CallLog{
		Timestamp: time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), Outcome: models.OutcomeNoAnswer,
		Mood: moodPtr(models.MoodGood), Summary: "unanswered",
	})
	insert(t, st, models.CallLog{
		Timestamp: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered,
		Mood: moodPtr(models.MoodGood), Summary: "next day",
	})

	d, err := New(st, anomaly.PostCall).Recompute(ctx, p, "2025-06-01")
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if d.Mood != models.MoodBad {
		t.Errorf("Mood = %s, want bad (latest non-null answered)", d.Mood)
	}
	if !reflect.DeepEqual(d.MedsTaken, []string{"A", "B", "C"}) {
		t.Errorf("MedsTaken = %v", d.MedsTaken)
	}
	if !reflect.DeepEqual(d.Flags, []string{"lonely", "fell"}) {
		t.Errorf("Flags = %v", d.Flags)
	}
	if d.SleepHours == nil || *d.SleepHours != 5 || d.Summary != "morning" {
		t.Errorf("sleep/summary = %v/%q", d.SleepHours, d.Summary)
	}
	if d.AnomalyScore == nil || *d.AnomalyScore != 0.45 || d.AnomalySeverity != models.AlertEmergency {
		t.Errorf("anomaly = %v/%s", d.AnomalyScore, d.AnomalySeverity)
	}

	stored, _ := st.GetDailyCheckIn(ctx, "p1", "2025-06-01")
	if stored == nil || stored.Mood != models.MoodBad {
		t.Errorf("rollup not persisted: %+v", stored)
	}
}

func TestRecompute_KeepsToolWrittenFieldsWhenCallsSilent(t *testing.T) {
	st := store.NewInMemoryStore()
	p := newPatient(t, st)
	ctx := context.Background()
	good := models.MoodGood
	st.MergeDailyCheckIn(ctx, "p1", "2025-06-01", models.CheckInPatch{Mood: &good, SleepHours: floatPtr(8), Summary: "from tool"})
	insert(t, st, models.CallLog{Timestamp: time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered, MedsTaken: []string{"A"}})

	d, err := New(st, anomaly.Thresholds{}).Recompute(ctx, p, "2025-06-01")
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if d.Mood != models.MoodGood || d.SleepHours == nil || *d.SleepHours != 8 || d.Summary != "from tool" {
		t.Errorf("tool fields lost: %+v", d)
	}
	if len(d.MedsTaken) != 1 {
		t.Errorf("MedsTaken = %v", d.MedsTaken)
	}
}

func TestDailyMood(t *testing.T) {
	st := store.NewInMemoryStore()
	newPatient(t, st)
	a := New(st, anomaly.PostCall)
	ctx := context.Background()

	m, err := a.DailyMood(ctx, "p1", "2025-06-01")
	if err != nil || m != models.MoodNeutral {
		t.Fatalf("DailyMood with no calls = %s, %v", m, err)
	}

	insert(t, st, models.CallLog{Timestamp: time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered, Mood: moodPtr(models.MoodGood)})
	insert(t, st, models.CallLog{Timestamp: time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC), Outcome: models.OutcomeAnswered})
	if m, _ := a.DailyMood(ctx, "p1", "2025-06-01"); m != models.MoodGood {
		t.Errorf("DailyMood = %s, want good", m)
	}

	if _, err := a.DailyMood(ctx, "missing", "2025-06-01"); err == nil {
		t.Error("expected error for unknown patient")
	}
}

func TestRollup_Empty(t *testing.T) {
	d := Rollup("p1", "2025-06-01", nil, anomaly.PostCall)
	if d.Mood != models.MoodNeutral || d.AnomalyScore != nil || len(d.MedsTaken) != 0 {
		t.Errorf("unexpected empty rollup %+v", d)
	}
}
