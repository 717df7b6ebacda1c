package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/aggregate"
	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/mood"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/tools"
)

var callTime = time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Reconciler, *store.InMemoryStore, *models.Patient) {
	t.Helper()
	st := store.NewInMemoryStore()
	p := &models.Patient{ID: "p1", Name: "Ruth", Phone: "+15550001111", Timezone: "UTC"}
	if err := st.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	r := New(st, tools.NewRouter(st, nil), mood.KeywordAnalyzer{}, aggregate.New(st, anomaly.PostCall))
	return r, st, p
}

func answeredEvent() models.NormalizedCallEvent {
	return models.NormalizedCallEvent{
		CallID:        "call-1",
		Status:        "ended",
		CustomerPhone: "+15550001111",
		Transcript:    "AI: How are you today? User: I feel good and well rested.",
		Timestamp:     callTime,
		ToolCalls: []models.NormalizedToolCall{
			{ID: "t1", Key: "t1", Name: "markMedicationStatus", Parameters: map[string]interface{}{"medName": "Metformin", "taken": true}},
			{ID: "t2", Key: "t2", Name: "updateFlags", Parameters: map[string]interface{}{"flags": []interface{}{"knee pain"}}},
			{ID: "t3", Key: "t3", Name: "storeDailyCheckIn", Parameters: map[string]interface{}{"sleepHours": 7.0, "summary": "Slept well"}},
			{ID: "t4", Key: "t4", Name: "logCallAttempt", Parameters: map[string]interface{}{"summary": "Ruth is doing well"}},
		},
	}
}

func TestReconcile_AnsweredCall(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, p, answeredEvent(), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Answered || res.FanOutErrors != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	cl := res.CallLog
	if cl.Outcome != models.OutcomeAnswered || cl.ProviderCallID != "call-1" {
		t.Errorf("unexpected call log %+v", cl)
	}
	if cl.Mood == nil || *cl.Mood != models.MoodGood {
		t.Errorf("Mood = %v, want good", cl.Mood)
	}
	if cl.Summary != "Ruth is doing well" {
		t.Errorf("Summary = %q, want the logCallAttempt summary", cl.Summary)
	}
	if len(cl.MedsTaken) != 1 || len(cl.Flags) != 1 || cl.SleepHours == nil || *cl.SleepHours != 7 {
		t.Errorf("tool fields not merged: %+v", cl)
	}
	for key, tr := range res.ToolResults {
		if !tr.Success {
			t.Errorf("tool %s failed: %s", key, tr.Error)
		}
	}

	logs, _ := st.ListCallLogs(ctx, "p1", 0)
	if len(logs) != 1 {
		t.Errorf("expected one call log, got %d", len(logs))
	}
	meds, _ := st.ListMedicationLogs(ctx, "p1", "2025-06-01")
	if len(meds) != 1 || !meds[0].Taken {
		t.Errorf("medication logs = %+v", meds)
	}
	d, _ := st.GetDailyCheckIn(ctx, "p1", "2025-06-01")
	if d == nil || d.Mood != models.MoodGood || len(d.Flags) != 1 {
		t.Errorf("daily check-in = %+v", d)
	}
	got, _ := st.GetPatient(ctx, "p1")
	if got.LastCallAt == nil || !got.LastCallAt.Equal(callTime) {
		t.Errorf("LastCallAt = %v", got.LastCallAt)
	}
}

func TestReconcile_RedeliveryIsIdempotent(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, p, answeredEvent(), nil)
	if err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	applied := map[string]bool{"t1": true, "t2": true, "t3": true, "t4": true}
	second, err := r.Reconcile(ctx, p, answeredEvent(), applied)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if second.Created || second.CallLog.ID != first.CallLog.ID {
		t.Errorf("redelivery created a new log: %+v", second.CallLog)
	}
	if len(second.ToolResults) != 0 {
		t.Errorf("applied tool calls were routed again: %v", second.ToolResults)
	}
	if len(second.CallLog.MedsTaken) != 1 || len(second.CallLog.Flags) != 1 {
		t.Errorf("merge not idempotent: %+v", second.CallLog)
	}
	recs, _ := st.ListFlagRecords(ctx, "p1")
	if len(recs) != 1 {
		t.Errorf("expected one flag record, got %d", len(recs))
	}
	logs, _ := st.ListCallLogs(ctx, "p1", 0)
	if len(logs) != 1 {
		t.Errorf("expected one call log, got %d", len(logs))
	}
}

func TestReconcile_UnansweredVoicemail(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, p, models.NormalizedCallEvent{
		CallID: "call-2", EndedReason: "voicemail", Timestamp: callTime,
	}, nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	cl := res.CallLog
	if res.Answered || cl.Outcome != models.OutcomeVoicemail || cl.Mood != nil {
		t.Errorf("unexpected call log %+v", cl)
	}
	if cl.Summary != "Check-in call with Ruth: voicemail" {
		t.Errorf("Summary = %q", cl.Summary)
	}
	if d, _ := st.GetDailyCheckIn(ctx, "p1", "2025-06-01"); d != nil {
		t.Errorf("unanswered call must not create a rollup: %+v", d)
	}
}

func TestReconcile_MatchesDispatchStub(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	byID := &models.CallLog{PatientID: "p1", ProviderCallID: "call-1", Timestamp: callTime.Add(-2 * time.Minute), Outcome: models.OutcomePending}
	st.InsertCallLog(ctx, byID)

	res, err := r.Reconcile(ctx, p, answeredEvent(), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Created || res.CallLog.ID != byID.ID {
		t.Errorf("expected stub %s to be updated, got %+v", byID.ID, res.CallLog)
	}
}

func TestReconcile_MatchesWithinWindow(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	near := &models.CallLog{PatientID: "p1", Timestamp: callTime.Add(3 * time.Minute), Outcome: models.OutcomePending}
	st.InsertCallLog(ctx, near)

	ev := answeredEvent()
	ev.ToolCalls = nil
	res, err := r.Reconcile(ctx, p, ev, nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.CallLog.ID != near.ID {
		t.Errorf("expected log within ±5m to be reused")
	}

	ev.CallID = "call-9"
	ev.Timestamp = callTime.Add(time.Hour)
	res, _ = r.Reconcile(ctx, p, ev, nil)
	if !res.Created {
		t.Error("expected a new log outside the window")
	}
}

type failingRepo struct {
	*store.InMemoryStore
}

func (failingRepo) InsertCallLog(context.Context, *models.CallLog) error {
	return errors.New("disk full")
}

func TestReconcile_UpsertFailureIsFatal(t *testing.T) {
	st := store.NewInMemoryStore()
	p := &models.Patient{ID: "p1", Name: "Ruth", Timezone: "UTC"}
	st.CreatePatient(context.Background(), p)
	r := New(failingRepo{st}, nil, nil, nil)

	ev := answeredEvent()
	ev.ToolCalls = nil
	if _, err := r.Reconcile(context.Background(), p, ev, nil); err == nil {
		t.Fatal("expected upsert failure to be returned")
	}
}

func TestPickSummary(t *testing.T) {
	tests := []struct {
		name                                   string
		attempt, checkIn, provider, transcript string
		want                                   string
	}{
		{"attempt wins", "a", "c", "p", "t.", "a"},
		{"check-in next", "", "c", "p", "t.", "c"},
		{"provider next", "", "", "p", "t.", "p"},
		{"first sentence", "", "", "", "Hello there. How are you?", "Hello there."},
		{"fallback", "", "", "", "", "Check-in call with Ruth: no_answer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pickSummary(tt.attempt, tt.checkIn, tt.provider, tt.transcript, "Ruth", models.OutcomeNoAnswer)
			if got != tt.want {
				t.Errorf("pickSummary = %q, want %q", got, tt.want)
			}
		})
	}

	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	if got := firstSentence(long); len(got) > summaryFallbackLen {
		t.Errorf("firstSentence length = %d", len(got))
	}
}

func TestDeriveOutcome(t *testing.T) {
	if got := deriveOutcome(true, "voicemail", ""); got != models.OutcomeAnswered {
		t.Errorf("transcript should mean answered, got %s", got)
	}
	if got := deriveOutcome(false, "customer-busy", ""); got != models.OutcomeBusy {
		t.Errorf("got %s, want busy", got)
	}
	if got := deriveOutcome(false, "", models.OutcomeFailed); got != models.OutcomeFailed {
		t.Errorf("got %s, want reported failed", got)
	}
	if got := deriveOutcome(false, "customer-ended-call", ""); got != models.OutcomeNoAnswer {
		t.Errorf("got %s, want no_answer", got)
	}
}

func TestReconcile_LastMedicationStatusWins(t *testing.T) {
	r, st, p := setup(t)
	ctx := context.Background()

	ev := answeredEvent()
	ev.ToolCalls = []models.NormalizedToolCall{
		{ID: "m1", Key: "m1", Name: "markMedicationStatus", Parameters: map[string]interface{}{"medName": "Aspirin", "taken": true}},
		{ID: "m2", Key: "m2", Name: "markMedicationStatus", Parameters: map[string]interface{}{"medName": "Metformin", "taken": true}},
		{ID: "m3", Key: "m3", Name: "markMedicationStatus", Parameters: map[string]interface{}{"medName": "Aspirin", "taken": false}},
	}

	res, err := r.Reconcile(ctx, p, ev, nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(res.CallLog.MedsTaken) != 1 || res.CallLog.MedsTaken[0] != "Metformin" {
		t.Errorf("MedsTaken = %v, want [Metformin]", res.CallLog.MedsTaken)
	}

	meds, _ := st.ListMedicationLogs(ctx, "p1", "2025-06-01")
	taken := map[string]bool{}
	for _, m := range meds {
		taken[m.MedName] = m.Taken
	}
	if len(taken) != 2 || taken["Aspirin"] || !taken["Metformin"] {
		t.Errorf("medication logs = %+v, want Aspirin untaken and Metformin taken", meds)
	}

	d, _ := st.GetDailyCheckIn(ctx, "p1", "2025-06-01")
	for _, m := range d.MedsTaken {
		if m == "Aspirin" {
			t.Errorf("daily check-in still lists Aspirin: %v", d.MedsTaken)
		}
	}
}

func TestReconcile_LaterDeliveryUntakesMedication(t *testing.T) {
	r, _, p := setup(t)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, p, answeredEvent(), nil); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	ev := answeredEvent()
	ev.ToolCalls = []models.NormalizedToolCall{
		{ID: "t9", Key: "t9", Name: "markMedicationStatus", Parameters: map[string]interface{}{"medName": "Metformin", "taken": false}},
	}
	res, err := r.Reconcile(ctx, p, ev, nil)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if len(res.CallLog.MedsTaken) != 0 {
		t.Errorf("MedsTaken = %v, want empty", res.CallLog.MedsTaken)
	}
}
