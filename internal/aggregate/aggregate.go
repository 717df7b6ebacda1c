// Package aggregate rolls a patient's answered calls for one local day into a DailyCheckIn.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/timematch"
)

// Repo is the persistence the aggregator needs.
type Repo interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	store.CallLogRepo
	store.CheckInRepo
}

// Aggregator recomputes daily rollups.
type Aggregator struct {
	repo       Repo
	thresholds anomaly.Thresholds
}

// New creates an Aggregator that grades anomaly severity with th.
func New(repo Repo, th anomaly.Thresholds) *Aggregator {
	if th == (anomaly.Thresholds{}) {
		th = anomaly.PostCall
	}
	return &Aggregator{repo: repo, thresholds: th}
}

// Recompute rebuilds the (patient, date) rollup from that day's answered calls. Values
// written directly by the check-in tool are kept only where no call supplies them.
func (a *Aggregator) Recompute(ctx context.Context, patient *models.Patient, date string) (*models.DailyCheckIn, error) {
	calls, err := a.answeredCalls(ctx, patient, date)
	if err != nil {
		return nil, err
	}
	existing, err := a.repo.GetDailyCheckIn(ctx, patient.ID, date)
	if err != nil {
		return nil, fmt.Errorf("load daily check-in: %w", err)
	}

	d := Rollup(patient.ID, date, calls, a.thresholds)
	if existing != nil {
		if latestMood(calls) == nil && existing.Mood != "" {
			d.Mood = existing.Mood
		}
		if d.SleepHours == nil && d.SleepQuality == "" {
			d.SleepHours = existing.SleepHours
			d.SleepQuality = existing.SleepQuality
		}
		if d.Summary == "" {
			d.Summary = existing.Summary
		}
	}
	d.UpdatedAt = time.Now()
	if err := a.repo.UpsertDailyCheckIn(ctx, d); err != nil {
		return nil, fmt.Errorf("upsert daily check-in: %w", err)
	}
	return d, nil
}

// DailyMood returns the latest mood among the day's answered calls, or neutral if there are none.
func (a *Aggregator) DailyMood(ctx context.Context, patientID, date string) (models.Mood, error) {
	p, err := a.repo.GetPatient(ctx, patientID)
	if err != nil {
		return "", err
	}
	calls, err := a.answeredCalls(ctx, p, date)
	if err != nil {
		return "", err
	}
	if m := latestMood(calls); m != nil {
		return *m, nil
	}
	return models.MoodNeutral, nil
}

func (a *Aggregator) answeredCalls(ctx context.Context, patient *models.Patient, date string) ([]models.CallLog, error) {
	from, to, err := timematch.DayBounds(patient.Timezone, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	calls, err := a.repo.ListAnsweredCallLogs(ctx, patient.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list answered calls: %w", err)
	}
	return calls, nil
}

// Rollup folds calls (oldest first) into a DailyCheckIn.
func Rollup(patientID, date string, calls []models.CallLog, th anomaly.Thresholds) *models.DailyCheckIn {
	d := &models.DailyCheckIn{
		PatientID: patientID,
		Date:      date,
		Mood:      models.MoodNeutral,
		MedsTaken: []string{},
		Flags:     []string{},
	}
	var maxScore *float64
	for _, c := range calls {
		if c.Mood != nil {
			d.Mood = *c.Mood
		}
		d.MedsTaken = models.UnionStrings(d.MedsTaken, c.MedsTaken...)
		d.Flags = models.UnionStrings(d.Flags, c.Flags...)
		if c.SleepHours != nil || c.SleepQuality != "" {
			d.SleepHours = c.SleepHours
			d.SleepQuality = c.SleepQuality
		}
		if c.Summary != "" {
			d.Summary = c.Summary
		}
		if c.AnomalyScore != nil && (maxScore == nil || *c.AnomalyScore > *maxScore) {
			s := *c.AnomalyScore
			maxScore = &s
		}
	}
	if maxScore != nil {
		d.AnomalyScore = maxScore
		d.AnomalySeverity = anomaly.ClassifyAlert(*maxScore, th)
	}
	return d
}

func latestMood(calls []models.CallLog) *models.Mood {
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Mood != nil {
			return calls[i].Mood
		}
	}
	return nil
}
