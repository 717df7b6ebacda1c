package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/lock"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/voice"
)

type recordingNotifier struct {
	priorities []models.Priority
	keys       []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ *models.Patient, priority models.Priority, _, _, dedupeKey string) (string, error) {
	n.priorities = append(n.priorities, priority)
	n.keys = append(n.keys, dedupeKey)
	return "msg-1", nil
}

func setup(t *testing.T, mock *voice.MockClient, opts ...Option) (*Dispatcher, *store.InMemoryStore, *models.Patient) {
	t.Helper()
	st := store.NewInMemoryStore()
	p := &models.Patient{
		ID: "p1", Name: "Ruth", Age: 81, Phone: "+15550001111", Timezone: "UTC",
		CallSchedule: []string{"09:00"}, Medications: []string{"Aspirin"}, AssistantID: "asst-ruth",
	}
	if err := st.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	opts = append([]Option{WithPollInterval(time.Millisecond), WithMaxCallWait(time.Second), WithAssistantID("asst-default")}, opts...)
	return NewDispatcher(mock, st, st, opts...), st, p
}

func queuedRetries(t *testing.T, st *store.InMemoryStore) []store.Job {
	t.Helper()
	jobs, err := st.ClaimDueJobs(time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	return jobs
}

func TestCallNow(t *testing.T) {
	mock := voice.NewMockClient()
	d, st, _ := setup(t, mock)
	ctx := context.Background()

	callID, err := d.CallNow(ctx, "p1")
	if err != nil {
		t.Fatalf("CallNow failed: %v", err)
	}
	req := mock.Placed[0]
	if req.CustomerNumber != "+15550001111" || req.AssistantID != "asst-ruth" || req.Variables.PatientID != "p1" || req.Variables.Age != 81 {
		t.Errorf("unexpected call request %+v", req)
	}

	cl, err := st.FindCallLogByProviderID(ctx, "p1", callID)
	if err != nil || cl == nil {
		t.Fatalf("expected stub call log for %s, got %v, %v", callID, cl, err)
	}
	if cl.Outcome != models.OutcomePending {
		t.Errorf("stub outcome = %s, want pending", cl.Outcome)
	}
	p, _ := st.GetPatient(ctx, "p1")
	if p.LastCallAt == nil {
		t.Error("expected last_call_at to be set")
	}
	if len(queuedRetries(t, st)) != 0 {
		t.Error("CallNow must not schedule a retry")
	}
}

func TestCallNow_Errors(t *testing.T) {
	mock := voice.NewMockClient()
	d, st, _ := setup(t, mock)
	ctx := context.Background()

	if _, err := d.CallNow(ctx, " "); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := d.CallNow(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	mock.PlaceErr = errors.New("503 upstream")
	if _, err := d.CallNow(ctx, "p1"); !errors.Is(err, models.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
	p, _ := st.GetPatient(ctx, "p1")
	if p.LastCallAt == nil {
		t.Error("last_call_at should be updated even when placement fails")
	}
}

func TestDispatch_SuccessNoRetry(t *testing.T) {
	mock := voice.NewMockClient("customer-ended-call")
	d, st, p := setup(t, mock)

	if err := d.Dispatch(context.Background(), p); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if mock.PlacedCount() != 1 {
		t.Errorf("placed %d calls, want 1", mock.PlacedCount())
	}
	if len(queuedRetries(t, st)) != 0 {
		t.Error("successful attempt must not schedule a retry")
	}
}

func TestDispatch_TimeoutCountsAsSuccess(t *testing.T) {
	mock := voice.NewMockClient()
	mock.Pending = true
	d, st, p := setup(t, mock, WithMaxCallWait(20*time.Millisecond))

	if err := d.Dispatch(context.Background(), p); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(queuedRetries(t, st)) != 0 {
		t.Error("a call still in progress is presumed answered")
	}
}

func TestDispatch_FailureSchedulesRetry(t *testing.T) {
	for _, reason := range []string{"voicemail", "customer-did-not-answer", "customer-busy", "pipeline-error-openai"} {
		t.Run(reason, func(t *testing.T) {
			mock := voice.NewMockClient(reason)
			d, st, p := setup(t, mock)
			now := time.Date(2025, 6, 1, 9, 12, 0, 0, time.UTC)
			d.now = func() time.Time { return now }

			if err := d.Dispatch(context.Background(), p); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			jobs, err := st.ClaimDueJobs(now.Add(DefaultRetryDelay), 10)
			if err != nil {
				t.Fatalf("ClaimDueJobs failed: %v", err)
			}
			if len(jobs) != 1 {
				t.Fatalf("expected one retry job, got %d", len(jobs))
			}
			job := jobs[0]
			if job.Kind != JobKindCallRetry || job.DedupeKey != "retry:p1:2025-06-01T09" || !job.RunAt.Equal(now.Add(DefaultRetryDelay)) {
				t.Errorf("unexpected job %+v", job)
			}
			var payload RetryPayload
			if err := job.DecodePayload(&payload); err != nil || payload.PatientID != "p1" {
				t.Errorf("payload = %s, err %v", job.PayloadJSON, err)
			}
		})
	}
}

func TestDispatch_GuardSkipsClaimedWindow(t *testing.T) {
	mock := voice.NewMockClient()
	guard := lock.NewMemoryGuard()
	d, _, p := setup(t, mock, WithGuard(guard, time.Hour))
	ctx := context.Background()

	if err := d.Dispatch(ctx, p); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	if err := d.Dispatch(ctx, p); err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}
	if mock.PlacedCount() != 1 {
		t.Errorf("placed %d calls, want 1 per window", mock.PlacedCount())
	}
}

func TestHandleRetryJob_SecondFailureFlagsAndNotifies(t *testing.T) {
	mock := voice.NewMockClient("voicemail")
	notifier := &recordingNotifier{}
	d, st, _ := setup(t, mock, WithNotifier(notifier))
	ctx := context.Background()

	window := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(RetryPayload{PatientID: "p1", Window: window})
	if err := d.HandleRetryJob(ctx, string(payload)); err != nil {
		t.Fatalf("HandleRetryJob failed: %v", err)
	}

	p, _ := st.GetPatient(ctx, "p1")
	if !p.HasFlag(models.FlagDidNotAnswerTwice) {
		t.Errorf("expected %s flag, got %v", models.FlagDidNotAnswerTwice, p.Flags)
	}
	if len(notifier.priorities) != 1 || notifier.priorities[0] != models.PriorityLow || notifier.keys[0] != "missed:p1:2025-06-01T09" {
		t.Errorf("notifications = %+v %+v", notifier.priorities, notifier.keys)
	}
	if len(queuedRetries(t, st)) != 0 {
		t.Error("the second attempt is the last one")
	}
}

func TestHandleRetryJob_SuccessLeavesPatientAlone(t *testing.T) {
	mock := voice.NewMockClient("assistant-ended-call")
	notifier := &recordingNotifier{}
	d, st, _ := setup(t, mock, WithNotifier(notifier))
	ctx := context.Background()

	if err := d.HandleRetryJob(ctx, `{"patientId":"p1"}`); err != nil {
		t.Fatalf("HandleRetryJob failed: %v", err)
	}
	p, _ := st.GetPatient(ctx, "p1")
	if p.HasFlag(models.FlagDidNotAnswerTwice) || len(notifier.priorities) != 0 {
		t.Error("a successful retry should neither flag nor notify")
	}
}

func TestHandleRetryJob_UnknownPatient(t *testing.T) {
	d, _, _ := setup(t, voice.NewMockClient())
	if err := d.HandleRetryJob(context.Background(), `{"patientId":"gone"}`); err != nil {
		t.Errorf("unknown patient should complete the job, got %v", err)
	}
	if err := d.HandleRetryJob(context.Background(), `not json`); err != nil {
		t.Errorf("invalid payload should complete the job, got %v", err)
	}
}
