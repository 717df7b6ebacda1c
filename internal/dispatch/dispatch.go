// Package dispatch places check-in calls through the voice provider.
//
// A scheduled dispatch makes at most two attempts per patient and window: the first
// inline, the second as a durable call_retry job so a pending retry survives a restart.
// Every attempt writes a pending call log stub carrying the provider call id, which the
// webhook reconciler later completes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/lock"
	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/voice"
)

// JobKindCallRetry is the durable job kind for the second attempt.
const JobKindCallRetry = "call_retry"

const (
	DefaultRetryDelay   = 5 * time.Minute
	DefaultMaxCallWait  = 10 * time.Minute
	DefaultPollInterval = 10 * time.Second
	DefaultGuardTTL     = time.Hour
)

// Repo is the persistence the dispatcher needs.
type Repo interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	TouchLastCall(ctx context.Context, patientID string, at time.Time) error
	AppendPatientFlags(ctx context.Context, patientID string, flags ...string) ([]string, error)
	InsertCallLog(ctx context.Context, c *models.CallLog) error
}

// Notifier queues a caregiver notification.
type Notifier interface {
	Notify(ctx context.Context, patient *models.Patient, priority models.Priority, title, message, dedupeKey string) (string, error)
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	AssistantID  string
	VoiceID      string
	RetryDelay   time.Duration
	MaxCallWait  time.Duration
	PollInterval time.Duration
	GuardTTL     time.Duration
	Guard        lock.Guard
	Notifier     Notifier
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithAssistantID sets the default provider assistant. A patient's own AssistantID wins.
func WithAssistantID(id string) Option { return func(o *Opts) { o.AssistantID = id } }

// WithVoiceID sets the default assistant voice.
func WithVoiceID(id string) Option { return func(o *Opts) { o.VoiceID = id } }

// WithRetryDelay sets how long after a failed first attempt the retry runs.
func WithRetryDelay(d time.Duration) Option { return func(o *Opts) { o.RetryDelay = d } }

// WithMaxCallWait bounds how long an attempt waits for the provider to end the call.
func WithMaxCallWait(d time.Duration) Option { return func(o *Opts) { o.MaxCallWait = d } }

// WithPollInterval sets how often call status is polled while waiting.
func WithPollInterval(d time.Duration) Option { return func(o *Opts) { o.PollInterval = d } }

// WithGuard sets the duplicate-dispatch guard and how long a window stays claimed.
func WithGuard(g lock.Guard, ttl time.Duration) Option {
	return func(o *Opts) {
		o.Guard = g
		o.GuardTTL = ttl
	}
}

// WithNotifier sets where missed-call notifications are queued.
func WithNotifier(n Notifier) Option { return func(o *Opts) { o.Notifier = n } }

// RetryPayload is the payload of a call_retry job.
type RetryPayload struct {
	PatientID string    `json:"patientId"`
	Window    time.Time `json:"window"`
}

// Dispatcher places calls and schedules their retries.
type Dispatcher struct {
	provider voice.Provider
	repo     Repo
	jobs     store.JobRepo
	opts     Opts
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(provider voice.Provider, repo Repo, jobs store.JobRepo, opts ...Option) *Dispatcher {
	o := Opts{
		RetryDelay:   DefaultRetryDelay,
		MaxCallWait:  DefaultMaxCallWait,
		PollInterval: DefaultPollInterval,
		GuardTTL:     DefaultGuardTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.GuardTTL <= 0 {
		o.GuardTTL = DefaultGuardTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return &Dispatcher{provider: provider, repo: repo, jobs: jobs, opts: o, now: time.Now}
}

// Window returns the dispatch window containing t.
func Window(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func retryKey(patientID string, window time.Time) string {
	return fmt.Sprintf("retry:%s:%s", patientID, window.UTC().Format("2006-01-02T15"))
}

// CallNow places a single immediate call for patientID and returns the provider call id.
// It does not wait for the outcome and never schedules a retry.
func (d *Dispatcher) CallNow(ctx context.Context, patientID string) (string, error) {
	if strings.TrimSpace(patientID) == "" {
		return "", fmt.Errorf("%w: %w", models.ErrValidation, models.ErrEmptyPatientID)
	}
	patient, err := d.repo.GetPatient(ctx, patientID)
	if err != nil {
		return "", err
	}
	call, err := d.place(ctx, patient, 1)
	if err != nil {
		return "", err
	}
	metrics.RecordCallAttempt(1, "placed")
	return call.ID, nil
}

// Dispatch is the scheduled path for one due patient. It is skipped when the patient's
// window is already claimed. A failed first attempt enqueues the retry job.
func (d *Dispatcher) Dispatch(ctx context.Context, patient *models.Patient) error {
	window := Window(d.now())
	if d.opts.Guard != nil {
		key := lock.DispatchKey(patient.ID, window)
		ok, err := d.opts.Guard.Acquire(ctx, key, d.opts.GuardTTL)
		switch {
		case err != nil:
			// the guard only narrows a race that last_call_at already covers
			slog.Warn("Dispatcher.Dispatch: guard unavailable, dispatching anyway", "patientID", patient.ID, "key", key, "error", err)
		case !ok:
			slog.Info("Dispatcher.Dispatch: window already claimed, skipping", "patientID", patient.ID, "key", key)
			return nil
		}
	}

	succeeded, attemptErr := d.attempt(ctx, patient, 1)
	if succeeded {
		return nil
	}
	if errors.Is(attemptErr, context.Canceled) {
		return attemptErr
	}

	payload, err := json.Marshal(RetryPayload{PatientID: patient.ID, Window: window})
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}
	runAt := d.now().Add(d.opts.RetryDelay)
	jobID, err := d.jobs.EnqueueJob(JobKindCallRetry, runAt, string(payload), retryKey(patient.ID, window))
	if err != nil {
		return fmt.Errorf("enqueue retry for %s: %w", patient.ID, err)
	}
	slog.Info("Dispatcher.Dispatch: first attempt failed, retry scheduled", "patientID", patient.ID, "jobID", jobID, "runAt", runAt)
	if errors.Is(attemptErr, models.ErrProvider) || errors.Is(attemptErr, models.ErrValidation) {
		return attemptErr
	}
	return nil
}

// HandleRetryJob runs the second attempt. When it fails too, the patient is flagged and the
// caregiver gets a low-priority notification. Attempt failures do not fail the job, so the
// job runner never places a third call.
func (d *Dispatcher) HandleRetryJob(ctx context.Context, payload string) error {
	var p RetryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		slog.Error("Dispatcher.HandleRetryJob: invalid payload, dropping", "error", err)
		return nil
	}
	patient, err := d.repo.GetPatient(ctx, p.PatientID)
	if errors.Is(err, models.ErrNotFound) {
		slog.Warn("Dispatcher.HandleRetryJob: patient no longer exists", "patientID", p.PatientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load patient %s: %w", p.PatientID, err)
	}

	succeeded, attemptErr := d.attempt(ctx, patient, 2)
	if succeeded {
		return nil
	}
	if errors.Is(attemptErr, context.Canceled) {
		return attemptErr
	}
	slog.Warn("Dispatcher.HandleRetryJob: second attempt failed", "patientID", patient.ID, "error", attemptErr)

	if _, err := d.repo.AppendPatientFlags(ctx, patient.ID, models.FlagDidNotAnswerTwice); err != nil {
		slog.Error("Dispatcher.HandleRetryJob: flag patient failed", "patientID", patient.ID, "error", err)
	}
	if d.opts.Notifier != nil {
		window := p.Window
		if window.IsZero() {
			window = Window(d.now())
		}
		msg := fmt.Sprintf("%s did not answer two check-in calls.", patient.Name)
		dedupe := fmt.Sprintf("missed:%s:%s", patient.ID, window.UTC().Format("2006-01-02T15"))
		if _, err := d.opts.Notifier.Notify(ctx, patient, models.PriorityLow, "Missed check-in", msg, dedupe); err != nil {
			slog.Warn("Dispatcher.HandleRetryJob: notification not queued", "patientID", patient.ID, "error", err)
		}
	}
	return nil
}

// attempt places one call and waits for its outcome.
func (d *Dispatcher) attempt(ctx context.Context, patient *models.Patient, n int) (bool, error) {
	call, err := d.place(ctx, patient, n)
	if err != nil {
		metrics.RecordCallAttempt(n, "error")
		return false, err
	}

	final, err := d.wait(ctx, call.ID)
	switch {
	case err != nil:
		metrics.RecordCallAttempt(n, "error")
		return false, err
	case final == nil:
		slog.Info("Dispatcher.attempt: call still in progress, assuming answered", "patientID", patient.ID, "callID", call.ID)
		metrics.RecordCallAttempt(n, "timeout")
		return true, nil
	case voice.AttemptFailed(final.EndedReason):
		slog.Info("Dispatcher.attempt: call not completed", "patientID", patient.ID, "callID", call.ID, "attempt", n, "endedReason", final.EndedReason)
		metrics.RecordCallAttempt(n, "failed")
		return false, fmt.Errorf("attempt %d for %s ended with %s", n, patient.ID, final.EndedReason)
	default:
		metrics.RecordCallAttempt(n, "success")
		return true, nil
	}
}

// place starts the provider call, writes the pending stub and touches last_call_at. The
// touch happens even when placement fails.
func (d *Dispatcher) place(ctx context.Context, patient *models.Patient, n int) (*voice.Call, error) {
	at := d.now()
	defer func() {
		if err := d.repo.TouchLastCall(ctx, patient.ID, at); err != nil {
			slog.Error("Dispatcher.place: touch last call failed", "patientID", patient.ID, "error", err)
		}
	}()

	if strings.TrimSpace(patient.Phone) == "" {
		return nil, fmt.Errorf("%w: patient %s has no phone", models.ErrValidation, patient.ID)
	}
	call, err := d.provider.PlaceCall(ctx, d.request(patient))
	if err != nil {
		slog.Error("Dispatcher.place: provider rejected call", "patientID", patient.ID, "attempt", n, "error", err)
		if errors.Is(err, models.ErrProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: place call: %v", models.ErrProvider, err)
	}

	stub := &models.CallLog{
		PatientID:      patient.ID,
		ProviderCallID: call.ID,
		Timestamp:      at,
		Outcome:        models.OutcomePending,
	}
	if err := d.repo.InsertCallLog(ctx, stub); err != nil {
		slog.Error("Dispatcher.place: stub call log not written", "patientID", patient.ID, "callID", call.ID, "error", err)
	}
	slog.Info("Dispatcher.place: call placed", "patientID", patient.ID, "callID", call.ID, "attempt", n)
	return call, nil
}

func (d *Dispatcher) request(patient *models.Patient) voice.CallRequest {
	assistant := d.opts.AssistantID
	if patient.AssistantID != "" {
		assistant = patient.AssistantID
	}
	voiceID := d.opts.VoiceID
	if patient.VoiceID != "" {
		voiceID = patient.VoiceID
	}
	return voice.CallRequest{
		CustomerNumber: patient.Phone,
		AssistantID:    assistant,
		VoiceID:        voiceID,
		Variables: voice.Variables{
			Name:        patient.Name,
			Age:         patient.Age,
			Medications: patient.Medications,
			Conditions:  patient.Conditions,
			PatientID:   patient.ID,
		},
	}
}

// wait polls the provider until the call ends. It returns nil, nil when MaxCallWait
// elapses first. Transient status errors are logged and polling continues.
func (d *Dispatcher) wait(ctx context.Context, callID string) (*voice.Call, error) {
	if d.opts.MaxCallWait <= 0 {
		return nil, nil
	}
	deadline := time.NewTimer(d.opts.MaxCallWait)
	defer deadline.Stop()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			call, err := d.provider.GetCall(ctx, callID)
			if err != nil {
				slog.Warn("Dispatcher.wait: status poll failed", "callID", callID, "error", err)
				continue
			}
			if call.Ended() {
				return call, nil
			}
		}
	}
}
