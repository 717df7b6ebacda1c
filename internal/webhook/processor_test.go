package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/aggregate"
	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/mood"
	"github.com/BTreeMap/CareCall/internal/reconcile"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/tools"
)

const endedPayload = `{
	"message": {
		"type": "end-of-call-report",
		"transcript": "AI: Good morning. User: I feel great today.",
		"recordingUrl": "https://rec.example/1.wav",
		"call": {
			"id": "call-1",
			"customer": {"number": "+15550001111"},
			"assistantOverrides": {"variableValues": {"patientId": "p1"}},
			"endedAt": "2025-06-01T15:00:00Z"
		},
		"toolCalls": [
			{"id": "tc1", "function": {"name": "updateFlags", "arguments": "{\"flags\":[\"fell\"]}"}},
			{"id": "tc2", "function": {"name": "markMedicationStatus", "arguments": "{\"medName\":\"Aspirin\",\"taken\":true}"}}
		]
	}
}`

type fakeChecker struct {
	calls []anomaly.Request
	err   error
}

func (f *fakeChecker) Check(_ context.Context, req anomaly.Request) (anomaly.Result, error) {
	f.calls = append(f.calls, req)
	return anomaly.Result{}, f.err
}

type fixture struct {
	proc    *Processor
	store   *store.InMemoryStore
	checker *fakeChecker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	ctx := context.Background()
	for _, p := range []*models.Patient{
		{ID: "p1", Name: "Ruth", Phone: "+15550001111", Timezone: "UTC", CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "p2", Name: "Sam", Phone: "+15550001111", Timezone: "UTC", CreatedAt: time.Now()},
	} {
		if err := st.CreatePatient(ctx, p); err != nil {
			t.Fatalf("CreatePatient failed: %v", err)
		}
	}
	router := tools.NewRouter(st, nil)
	rec := reconcile.New(st, router, mood.KeywordAnalyzer{}, aggregate.New(st, anomaly.PostCall))
	checker := &fakeChecker{}
	proc := NewProcessor(NewPatientResolver(st), rec, router, st, WithAnomalyChecker(checker, anomaly.PostCall))
	return fixture{proc: proc, store: st, checker: checker}
}

func TestHandleCallEnded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.proc.HandleCallEnded(ctx, []byte(endedPayload))
	if !out.Processed || out.CallLogID == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	cl, err := f.store.GetCallLog(ctx, out.CallLogID)
	if err != nil {
		t.Fatalf("GetCallLog failed: %v", err)
	}
	if cl.PatientID != "p1" || cl.Outcome != models.OutcomeAnswered {
		t.Errorf("call log = %+v", cl)
	}
	if len(f.checker.calls) != 1 || f.checker.calls[0].CallLogID != cl.ID || f.checker.calls[0].Thresholds != anomaly.PostCall {
		t.Errorf("anomaly checks = %+v", f.checker.calls)
	}
	for _, key := range []string{"tool:call-1:tc1", "tool:call-1:tc2"} {
		if dup, _ := f.store.IsDuplicate(key); !dup {
			t.Errorf("expected %s to be recorded", key)
		}
	}
}

func TestHandleCallEnded_RedeliveryDoesNotReapply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.proc.HandleCallEnded(ctx, []byte(endedPayload))
	second := f.proc.HandleCallEnded(ctx, []byte(endedPayload))
	if !second.Processed || second.CallLogID != first.CallLogID {
		t.Fatalf("redelivery outcome %+v, first %+v", second, first)
	}
	recs, _ := f.store.ListFlagRecords(ctx, "p1")
	if len(recs) != 1 {
		t.Errorf("expected one flag record after redelivery, got %d", len(recs))
	}
	logs, _ := f.store.ListCallLogs(ctx, "p1", 0)
	if len(logs) != 1 {
		t.Errorf("expected one call log, got %d", len(logs))
	}
}

func TestHandleCallEnded_Ignored(t *testing.T) {
	f := newFixture(t)
	out := f.proc.HandleCallEnded(context.Background(), []byte(`{"message":{"type":"status-update","call":{"id":"x","status":"ringing"}}}`))
	if out.Processed || out.Reason != "not_ended" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestHandleCallEnded_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	out := f.proc.HandleCallEnded(context.Background(), []byte(`{"call":{"id":"x","status":"ended","customer":{"number":"+19999999999"}}}`))
	if out.Processed || out.Reason != "patient_not_found" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestHandleCallEnded_AnomalyErrorIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.checker.err = errors.New("embedding service down")
	if out := f.proc.HandleCallEnded(context.Background(), []byte(endedPayload)); !out.Processed {
		t.Errorf("anomaly failure must not fail the webhook: %+v", out)
	}
}

func TestHandleToolRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"message":{"type":"tool-calls","call":{"id":"call-7","customer":{"number":"+15550001111"}},
		"toolCallList":[{"id":"a","function":{"name":"checkVoiceAnomaly","arguments":{}}},{"id":"b","function":{"name":"nope","arguments":{}}}]}}`)

	resp, err := f.proc.HandleToolRequest(ctx, body)
	if err != nil {
		t.Fatalf("HandleToolRequest failed: %v", err)
	}
	if !resp.Success || len(resp.Results) != 2 || resp.Results[0].ToolCallID != "a" {
		t.Errorf("unexpected response %+v", resp)
	}
	if r := resp.Results[1].Result.(tools.Result); r.Success || r.Error != "Unknown tool: nope" {
		t.Errorf("unknown tool result = %+v", r)
	}

	// the same tool call arriving again in the end-of-call report is not re-applied
	if dup, _ := f.store.IsDuplicate("tool:call-7:a"); !dup {
		t.Error("expected mid-call tool call to be recorded")
	}
}

func TestHandleToolRequest_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.proc.HandleToolRequest(ctx, []byte(`{"message":{"call":{"id":"c"}}}`)); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error without tool calls, got %v", err)
	}
	if _, err := f.proc.HandleToolRequest(ctx, []byte(`{"message":{"call":{"id":"c","customer":{"number":"+1000"}},"toolCalls":[{"id":"x","name":"checkVoiceAnomaly"}]}}`)); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found for unknown phone, got %v", err)
	}
	if _, err := f.proc.HandleToolRequest(ctx, []byte(`{"message":{"call":{"id":"c","customer":{"number":"+15550001111"}},"toolCalls":[{"id":"x","name":"nope"}]}}`)); err == nil {
		t.Error("expected error when every tool call fails")
	}
}

func TestPatientResolver(t *testing.T) {
	f := newFixture(t)
	r := NewPatientResolver(f.store)
	ctx := context.Background()

	p, err := r.Resolve(ctx, models.NormalizedCallEvent{ContextPatientID: "p1", CustomerPhone: "+15550001111"})
	if err != nil || p.ID != "p1" {
		t.Errorf("context token should win, got %v, %v", p, err)
	}
	p, err = r.Resolve(ctx, models.NormalizedCallEvent{CustomerPhone: "+15550001111"})
	if err != nil || p.ID != "p2" {
		t.Errorf("newest patient should win on shared phone, got %v, %v", p, err)
	}
	p, err = r.Resolve(ctx, models.NormalizedCallEvent{ContextPatientID: "gone", CustomerPhone: "+15550001111"})
	if err != nil || p.ID != "p2" {
		t.Errorf("stale token should fall back to phone, got %v, %v", p, err)
	}
	if _, err := r.Resolve(ctx, models.NormalizedCallEvent{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
