// Package reconcile folds one ended call into the patient's timeline: the call log, the
// per-signal analytics rows and the daily rollup. Reconciling the same event twice
// converges on the same state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/mood"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/timematch"
	"github.com/BTreeMap/CareCall/internal/tools"
	"github.com/BTreeMap/CareCall/internal/voice"
)

// MatchWindow is how far from the event timestamp an existing call log is reused.
const MatchWindow = 5 * time.Minute

const summaryFallbackLen = 100

// ToolRouter applies a tool call's side effects.
type ToolRouter interface {
	Route(ctx context.Context, tc tools.Context, call models.NormalizedToolCall) tools.Result
}

// DayRecomputer rebuilds the daily rollup.
type DayRecomputer interface {
	Recompute(ctx context.Context, patient *models.Patient, date string) (*models.DailyCheckIn, error)
}

// Repo is the persistence the reconciler needs.
type Repo interface {
	TouchLastCall(ctx context.Context, patientID string, at time.Time) error
	store.CallLogRepo
	store.CheckInRepo
}

// Result is the outcome of one reconciliation.
type Result struct {
	CallLog      *models.CallLog
	Answered     bool
	Created      bool
	FanOutErrors int
	// ToolResults holds the result of each tool call routed in this pass, keyed by dedupe key.
	ToolResults map[string]tools.Result
}

// Reconciler merges call events into call logs.
type Reconciler struct {
	repo       Repo
	router     ToolRouter
	analyzer   mood.Analyzer
	aggregator DayRecomputer
}

// New creates a Reconciler. A nil analyzer uses the keyword heuristic.
func New(repo Repo, router ToolRouter, analyzer mood.Analyzer, aggregator DayRecomputer) *Reconciler {
	if analyzer == nil {
		analyzer = mood.KeywordAnalyzer{}
	}
	return &Reconciler{repo: repo, router: router, analyzer: analyzer, aggregator: aggregator}
}

// accumulated is what the event's tool calls say about the call.
type accumulated struct {
	meds          medStatuses
	flags         []string
	pendingFlags  []string
	sleepHours    *float64
	sleepQuality  string
	attemptSum    string
	checkInSum    string
	toolMood      *models.Mood
	attemptResult models.CallOutcome
}

// medStatuses folds markMedicationStatus calls in delivery order; the last call for a
// medication wins.
type medStatuses struct {
	order []string
	taken map[string]bool
}

func (m *medStatuses) set(med string, taken bool) {
	if m.taken == nil {
		m.taken = make(map[string]bool)
	}
	if _, ok := m.taken[med]; !ok {
		m.order = append(m.order, med)
	}
	m.taken[med] = taken
}

// apply merges the final statuses into a call log's taken list.
func (m medStatuses) apply(current []string) []string {
	out := make([]string, 0, len(current)+len(m.order))
	for _, med := range current {
		if taken, ok := m.taken[med]; ok && !taken {
			continue
		}
		out = append(out, med)
	}
	for _, med := range m.order {
		if m.taken[med] {
			out = models.UnionStrings(out, med)
		}
	}
	return out
}

// Reconcile upserts the call log for ev. Tool calls whose key is in applied were already
// applied on an earlier delivery; their parameters still feed the merge but they are not
// routed again. Only a failure to write the call log itself is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, patient *models.Patient, ev models.NormalizedCallEvent, applied map[string]bool) (*Result, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	transcript := strings.TrimSpace(ev.Transcript)
	answered := transcript != ""

	existing, err := r.findExisting(ctx, patient.ID, ev.CallID, at)
	if err != nil {
		return nil, err
	}

	tc := tools.Context{
		PatientID:     patient.ID,
		CallID:        ev.CallID,
		AssistantName: ev.AssistantName,
		Timestamp:     at,
		Timezone:      patient.Timezone,
	}
	if existing != nil {
		tc.CallLogID = existing.ID
	}

	acc, results := r.applyTools(ctx, tc, ev.ToolCalls, applied)
	outcome := deriveOutcome(answered, ev.EndedReason, acc.attemptResult)

	mr, err := r.analyzer.Analyze(ctx, transcript, answered)
	if err != nil {
		slog.Warn("Reconciler.Reconcile: mood analysis failed, using keywords", "patientID", patient.ID, "error", err)
		mr = mood.ComputeMoodFromTranscript(transcript, answered)
	}
	if mr.Mood == nil && answered && acc.toolMood != nil {
		mr.Mood = acc.toolMood
	}

	summary := pickSummary(acc.attemptSum, acc.checkInSum, ev.Summary, transcript, patient.Name, outcome)

	// a tool call may have created the log while routing
	if existing == nil {
		if existing, err = r.findExisting(ctx, patient.ID, ev.CallID, at); err != nil {
			return nil, err
		}
	}

	res := &Result{Answered: answered, ToolResults: results}
	cl := existing
	if cl == nil {
		cl = &models.CallLog{PatientID: patient.ID, Timestamp: at}
		res.Created = true
	}
	if cl.ProviderCallID == "" {
		cl.ProviderCallID = ev.CallID
	}
	if ev.AssistantName != "" {
		cl.AssistantName = ev.AssistantName
	}
	cl.Outcome = outcome
	if transcript != "" {
		cl.Transcript = transcript
	}
	if answered {
		cl.Mood = mr.Mood
		score := mr.Score
		cl.SentimentScore = &score
	}
	cl.Summary = summary
	cl.MedsTaken = acc.meds.apply(cl.MedsTaken)
	cl.Flags = models.UnionStrings(cl.Flags, acc.flags...)
	if acc.sleepHours != nil {
		cl.SleepHours = acc.sleepHours
	}
	if acc.sleepQuality != "" {
		cl.SleepQuality = acc.sleepQuality
	}
	if ev.RecordingURL != "" {
		cl.RecordingURL = ev.RecordingURL
	}

	if res.Created {
		err = r.repo.InsertCallLog(ctx, cl)
	} else {
		err = r.repo.UpdateCallLog(ctx, cl)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert call log for %s: %w", patient.ID, err)
	}
	res.CallLog = cl

	if err := r.repo.TouchLastCall(ctx, patient.ID, at); err != nil {
		slog.Error("Reconciler.Reconcile: touch last call failed", "patientID", patient.ID, "error", err)
	}

	if answered {
		res.FanOutErrors = r.fanOut(ctx, patient, cl, mr, acc)
	}
	slog.Info("Reconciler.Reconcile: call reconciled", "patientID", patient.ID, "callID", ev.CallID,
		"callLogID", cl.ID, "outcome", outcome, "created", res.Created, "fanOutErrors", res.FanOutErrors)
	return res, nil
}

func (r *Reconciler) findExisting(ctx context.Context, patientID, callID string, at time.Time) (*models.CallLog, error) {
	if callID != "" {
		cl, err := r.repo.FindCallLogByProviderID(ctx, patientID, callID)
		if err != nil {
			return nil, fmt.Errorf("find call log by provider id: %w", err)
		}
		if cl != nil {
			return cl, nil
		}
	}
	cl, err := r.repo.FindCallLogNear(ctx, patientID, at, MatchWindow)
	if err != nil {
		return nil, fmt.Errorf("find call log near %s: %w", at.Format(time.RFC3339), err)
	}
	// a log already bound to a different provider call is a different call
	if cl != nil && cl.ProviderCallID != "" && callID != "" && cl.ProviderCallID != callID {
		return nil, nil
	}
	return cl, nil
}

func (r *Reconciler) applyTools(ctx context.Context, tc tools.Context, calls []models.NormalizedToolCall, applied map[string]bool) (accumulated, map[string]tools.Result) {
	var acc accumulated
	results := make(map[string]tools.Result)
	for _, call := range calls {
		f := tools.Fields(call)
		if f.Medication != "" && f.Taken != nil {
			acc.meds.set(f.Medication, *f.Taken)
		}
		acc.flags = models.UnionStrings(acc.flags, f.Flags...)
		if f.SleepHours != nil || f.SleepQuality != "" {
			acc.sleepHours = f.SleepHours
			acc.sleepQuality = f.SleepQuality
		}
		switch f.Tool {
		case tools.ToolLogCallAttempt:
			if f.Summary != "" {
				acc.attemptSum = f.Summary
			}
			if f.Outcome != "" {
				acc.attemptResult = f.Outcome
			}
		case tools.ToolStoreDailyCheckIn:
			if f.Summary != "" {
				acc.checkInSum = f.Summary
			}
			if f.Mood != nil {
				acc.toolMood = f.Mood
			}
		}

		if applied[call.Key] || r.router == nil {
			continue
		}
		res := r.router.Route(ctx, tc, call)
		results[call.Key] = res
		if !res.Success && f.Tool == tools.ToolUpdateFlags {
			acc.pendingFlags = models.UnionStrings(acc.pendingFlags, f.Flags...)
		}
	}
	return acc, results
}

// deriveOutcome: a transcript means the call was answered. Without one, the provider's
// ended reason or the assistant's own report refines no_answer.
func deriveOutcome(answered bool, endedReason string, reported models.CallOutcome) models.CallOutcome {
	if answered {
		return models.OutcomeAnswered
	}
	switch {
	case voice.IsVoicemail(endedReason):
		return models.OutcomeVoicemail
	case voice.IsBusy(endedReason):
		return models.OutcomeBusy
	}
	if reported != "" && reported != models.OutcomeAnswered {
		return reported
	}
	return models.OutcomeNoAnswer
}

func pickSummary(attempt, checkIn, provider, transcript, name string, outcome models.CallOutcome) string {
	for _, s := range []string{attempt, checkIn, strings.TrimSpace(provider)} {
		if s != "" {
			return s
		}
	}
	if transcript != "" {
		return firstSentence(transcript)
	}
	return fmt.Sprintf("Check-in call with %s: %s", name, outcome)
}

func firstSentence(text string) string {
	if i := strings.IndexAny(text, ".!?"); i >= 0 && i < summaryFallbackLen {
		return strings.TrimSpace(text[:i+1])
	}
	r := []rune(text)
	if len(r) > summaryFallbackLen {
		return strings.TrimSpace(string(r[:summaryFallbackLen]))
	}
	return text
}

// fanOut writes the analytics rows for an answered call and refreshes the daily rollup.
// Each write is independent; failures are logged and counted.
func (r *Reconciler) fanOut(ctx context.Context, patient *models.Patient, cl *models.CallLog, mr mood.Result, acc accumulated) int {
	failures := 0
	fail := func(table string, err error) {
		failures++
		metrics.RecordFanOutError(table)
		slog.Error("Reconciler.fanOut: write failed", "table", table, "patientID", patient.ID, "callLogID", cl.ID, "error", err)
	}
	now := time.Now()
	date := timematch.LocalDate(patient.Timezone, cl.Timestamp)

	if mr.Mood != nil {
		if err := r.repo.InsertMoodLog(ctx, &models.MoodLog{
			PatientID: patient.ID, CallLogID: cl.ID, Mood: *mr.Mood,
			Score: mr.Score, Confidence: mr.Confidence, CreatedAt: now,
		}); err != nil {
			fail("mood_logs", err)
		}
	}
	for _, med := range acc.meds.order {
		if err := r.repo.UpsertMedicationLog(ctx, &models.MedicationLog{
			PatientID: patient.ID, MedName: med, Date: date, Taken: acc.meds.taken[med], CallLogID: cl.ID,
		}); err != nil {
			fail("medication_logs", err)
		}
	}
	for _, flag := range acc.pendingFlags {
		rec := models.NewFlagRecord(patient.ID, cl.ID, flag, cl.Timestamp)
		if err := r.repo.InsertFlagRecord(ctx, &rec); err != nil {
			fail("flag_records", err)
		}
	}
	if acc.sleepHours != nil || acc.sleepQuality != "" {
		if err := r.repo.InsertSleepLog(ctx, &models.SleepLog{
			PatientID: patient.ID, CallLogID: cl.ID, Hours: acc.sleepHours,
			Quality: acc.sleepQuality, CreatedAt: now,
		}); err != nil {
			fail("sleep_logs", err)
		}
	}
	if r.aggregator != nil {
		if _, err := r.aggregator.Recompute(ctx, patient, date); err != nil {
			fail("daily_checkins", err)
		}
	}
	return failures
}
