package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

func (r *Router) storeDailyCheckIn(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error) {
	patch := models.CheckInPatch{
		SleepHours:   floatParam(params, "sleepHours", "sleep_hours"),
		SleepQuality: stringParam(params, "sleepQuality", "sleep_quality"),
		Summary:      stringParam(params, "summary"),
	}
	if m := models.Mood(strings.ToLower(stringParam(params, "mood"))); m != "" {
		if models.IsValidMood(m) {
			patch.Mood = &m
		} else {
			slog.Warn("Router.storeDailyCheckIn: ignoring invalid mood", "mood", m, "patientID", tc.PatientID)
		}
	}
	date := tc.Date()
	if err := r.repo.MergeDailyCheckIn(ctx, tc.PatientID, date, patch); err != nil {
		return nil, fmt.Errorf("store daily check-in: %w", err)
	}
	return map[string]interface{}{"stored": true, "date": date}, nil
}

func (r *Router) updateFlags(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error) {
	flags := stringsParam(params, "flags", "flag")
	if len(flags) == 0 {
		return nil, fmt.Errorf("%w: flags must be a non-empty list or string", models.ErrValidation)
	}
	all, err := r.repo.AppendPatientFlags(ctx, tc.PatientID, flags...)
	if err != nil {
		return nil, fmt.Errorf("append patient flags: %w", err)
	}
	at := tc.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	for _, f := range flags {
		rec := models.NewFlagRecord(tc.PatientID, tc.CallLogID, f, at)
		if err := r.repo.InsertFlagRecord(ctx, &rec); err != nil {
			slog.Error("Router.updateFlags: insert flag record failed", "patientID", tc.PatientID, "flag", f, "error", err)
		}
	}
	return map[string]interface{}{"flags": all}, nil
}

func (r *Router) markMedicationStatus(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error) {
	med := stringParam(params, "medName", "medication")
	if med == "" {
		return nil, fmt.Errorf("%w: medName is required", models.ErrValidation)
	}
	taken, ok := boolParam(params, "taken")
	if !ok {
		return nil, fmt.Errorf("%w: taken must be a boolean", models.ErrValidation)
	}
	date := tc.Date()
	log := &models.MedicationLog{
		PatientID: tc.PatientID,
		MedName:   med,
		Date:      date,
		Taken:     taken,
		CallLogID: tc.CallLogID,
	}
	if err := r.repo.UpsertMedicationLog(ctx, log); err != nil {
		return nil, fmt.Errorf("upsert medication log: %w", err)
	}
	return map[string]interface{}{"medName": med, "taken": taken, "date": date}, nil
}

func (r *Router) logCallAttempt(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error) {
	outcome := models.CallOutcome(strings.ToLower(stringParam(params, "outcome")))
	if outcome != "" && !models.IsValidCallOutcome(outcome) {
		return nil, fmt.Errorf("%w: unknown outcome %q", models.ErrValidation, outcome)
	}
	cl, err := r.findOrCreateCallLog(ctx, tc)
	if err != nil {
		return nil, err
	}
	if outcome != "" {
		cl.Outcome = outcome
	}
	if t := stringParam(params, "transcript"); t != "" {
		cl.Transcript = t
	}
	if s := stringParam(params, "summary"); s != "" {
		cl.Summary = s
	}
	if err := r.repo.UpdateCallLog(ctx, cl); err != nil {
		return nil, fmt.Errorf("update call log: %w", err)
	}
	return map[string]interface{}{"callLogId": cl.ID, "outcome": cl.Outcome}, nil
}

// findOrCreateCallLog locates the log for this call by provider id, then by time window.
func (r *Router) findOrCreateCallLog(ctx context.Context, tc Context) (*models.CallLog, error) {
	if tc.CallLogID != "" {
		if cl, err := r.repo.GetCallLog(ctx, tc.CallLogID); err == nil {
			return cl, nil
		}
	}
	if tc.CallID != "" {
		cl, err := r.repo.FindCallLogByProviderID(ctx, tc.PatientID, tc.CallID)
		if err != nil {
			return nil, fmt.Errorf("find call log: %w", err)
		}
		if cl != nil {
			return cl, nil
		}
	}
	at := tc.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	cl, err := r.repo.FindCallLogNear(ctx, tc.PatientID, at, CallLogWindow)
	if err != nil {
		return nil, fmt.Errorf("find call log: %w", err)
	}
	if cl != nil {
		return cl, nil
	}
	cl = &models.CallLog{
		PatientID:      tc.PatientID,
		ProviderCallID: tc.CallID,
		Timestamp:      at,
		AssistantName:  tc.AssistantName,
		Outcome:        models.OutcomePending,
		MedsTaken:      []string{},
		Flags:          []string{},
	}
	if err := r.repo.InsertCallLog(ctx, cl); err != nil {
		return nil, fmt.Errorf("insert call log: %w", err)
	}
	return cl, nil
}

// notifyCaregiver never fails the tool call; delivery problems are reported as queued=false.
func (r *Router) notifyCaregiver(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error) {
	message := stringParam(params, "message")
	priority := models.ParsePriority(strings.ToLower(stringParam(params, "priority")))
	if r.notifier == nil {
		slog.Warn("Router.notifyCaregiver: no notifier configured", "patientID", tc.PatientID)
		return map[string]interface{}{"queued": false}, nil
	}
	patient, err := r.repo.GetPatient(ctx, tc.PatientID)
	if err != nil {
		slog.Error("Router.notifyCaregiver: patient lookup failed", "patientID", tc.PatientID, "error", err)
		return map[string]interface{}{"queued": false}, nil
	}
	if message == "" {
		message = fmt.Sprintf("%s asked that you be contacted during today's check-in call.", patient.Name)
	}
	id, err := r.notifier.Notify(ctx, patient, priority, "Check-in call", message, "")
	if err != nil {
		slog.Error("Router.notifyCaregiver: notify failed", "patientID", tc.PatientID, "error", err)
		return map[string]interface{}{"queued": false}, nil
	}
	return map[string]interface{}{"queued": true, "notificationId": id, "priority": priority}, nil
}

// checkVoiceAnomaly only acknowledges; the check itself runs after the call ends.
func (r *Router) checkVoiceAnomaly(_ context.Context, _ Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"scheduled": true}, nil
}
