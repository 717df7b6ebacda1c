package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/google/uuid"
)

func (s *sqlStore) GetDailyCheckIn(ctx context.Context, patientID, date string) (*models.DailyCheckIn, error) {
	var d models.DailyCheckIn
	var sleepQuality, summary, severity, meds, flags sql.NullString
	var sleepHours, anomaly sql.NullFloat64
	err := s.queryRow(ctx,
		`SELECT patient_id, date, mood, sleep_hours, sleep_quality, meds_taken, flags, summary, anomaly_score,
		 anomaly_severity, updated_at FROM daily_checkins WHERE patient_id = ? AND date = ?`, patientID, date).
		Scan(&d.PatientID, &d.Date, &d.Mood, &sleepHours, &sleepQuality, &meds, &flags, &summary, &anomaly,
			&severity, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily check-in %s/%s: %w", patientID, date, err)
	}
	d.SleepHours = floatPtr(sleepHours)
	d.SleepQuality = sleepQuality.String
	d.MedsTaken = decodeStrings(meds)
	d.Flags = decodeStrings(flags)
	d.Summary = summary.String
	d.AnomalyScore = floatPtr(anomaly)
	d.AnomalySeverity = models.AlertType(severity.String)
	return &d, nil
}

func (s *sqlStore) UpsertDailyCheckIn(ctx context.Context, d *models.DailyCheckIn) error {
	d.UpdatedAt = time.Now()
	if d.Mood == "" {
		d.Mood = models.MoodNeutral
	}
	_, err := s.exec(ctx,
		`INSERT INTO daily_checkins (patient_id, date, mood, sleep_hours, sleep_quality, meds_taken, flags, summary,
		 anomaly_score, anomaly_severity, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (patient_id, date) DO UPDATE SET
		   mood = excluded.mood, sleep_hours = excluded.sleep_hours, sleep_quality = excluded.sleep_quality,
		   meds_taken = excluded.meds_taken, flags = excluded.flags, summary = excluded.summary,
		   anomaly_score = excluded.anomaly_score, anomaly_severity = excluded.anomaly_severity,
		   updated_at = excluded.updated_at`,
		d.PatientID, d.Date, string(d.Mood), nilIfNilFloat(d.SleepHours), nilIfEmpty(d.SleepQuality),
		encodeJSON(nonNil(d.MedsTaken)), encodeJSON(nonNil(d.Flags)), nilIfEmpty(d.Summary),
		nilIfNilFloat(d.AnomalyScore), nilIfEmpty(string(d.AnomalySeverity)), utc(d.UpdatedAt),
	)
	if err != nil {
		slog.Error(s.name+".UpsertDailyCheckIn failed", "error", err, "patientID", d.PatientID, "date", d.Date)
		return fmt.Errorf("failed to upsert daily check-in %s/%s: %w", d.PatientID, d.Date, err)
	}
	return nil
}

func (s *sqlStore) MergeDailyCheckIn(ctx context.Context, patientID, date string, patch models.CheckInPatch) error {
	var mood interface{}
	if patch.Mood != nil {
		mood = string(*patch.Mood)
	}
	_, err := s.exec(ctx,
		`INSERT INTO daily_checkins (patient_id, date, mood, sleep_hours, sleep_quality, summary, meds_taken, flags, updated_at)
		 VALUES (?, ?, COALESCE(?, 'neutral'), ?, ?, ?, '[]', '[]', ?)
		 ON CONFLICT (patient_id, date) DO UPDATE SET
		   mood = COALESCE(?, daily_checkins.mood),
		   sleep_hours = COALESCE(excluded.sleep_hours, daily_checkins.sleep_hours),
		   sleep_quality = COALESCE(excluded.sleep_quality, daily_checkins.sleep_quality),
		   summary = COALESCE(excluded.summary, daily_checkins.summary),
		   updated_at = excluded.updated_at`,
		patientID, date, mood, nilIfNilFloat(patch.SleepHours), nilIfEmpty(patch.SleepQuality),
		nilIfEmpty(patch.Summary), utc(time.Now()), mood,
	)
	if err != nil {
		return fmt.Errorf("failed to merge daily check-in %s/%s: %w", patientID, date, err)
	}
	return nil
}

func (s *sqlStore) UpsertMedicationLog(ctx context.Context, m *models.MedicationLog) error {
	m.UpdatedAt = time.Now()
	_, err := s.exec(ctx,
		`INSERT INTO medication_logs (patient_id, med_name, date, taken, call_log_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (patient_id, med_name, date) DO UPDATE SET
		   taken = excluded.taken,
		   call_log_id = COALESCE(excluded.call_log_id, medication_logs.call_log_id),
		   updated_at = excluded.updated_at`,
		m.PatientID, m.MedName, m.Date, m.Taken, nilIfEmpty(m.CallLogID), utc(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert medication log %s/%s/%s: %w", m.PatientID, m.MedName, m.Date, err)
	}
	return nil
}

func (s *sqlStore) ListMedicationLogs(ctx context.Context, patientID, date string) ([]models.MedicationLog, error) {
	rows, err := s.query(ctx,
		`SELECT patient_id, med_name, date, taken, call_log_id, updated_at FROM medication_logs
		 WHERE patient_id = ? AND date = ? ORDER BY med_name`, patientID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query medication logs: %w", err)
	}
	defer rows.Close()
	var out []models.MedicationLog
	for rows.Next() {
		var m models.MedicationLog
		var callLogID sql.NullString
		if err := rows.Scan(&m.PatientID, &m.MedName, &m.Date, &m.Taken, &callLogID, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan medication log: %w", err)
		}
		m.CallLogID = callLogID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertFlagRecord(ctx context.Context, f *models.FlagRecord) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO flags (id, patient_id, call_log_id, flag, type, severity, health, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.PatientID, nilIfEmpty(f.CallLogID), f.Flag, string(f.Type), string(f.Severity), f.Health, f.Resolved,
		utc(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert flag for %s: %w", f.PatientID, err)
	}
	return nil
}

func (s *sqlStore) listFlags(ctx context.Context, query string, args ...interface{}) ([]models.FlagRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()
	var out []models.FlagRecord
	for rows.Next() {
		var f models.FlagRecord
		var callLogID sql.NullString
		if err := rows.Scan(&f.ID, &f.PatientID, &callLogID, &f.Flag, &f.Type, &f.Severity, &f.Health, &f.Resolved,
			&f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		f.CallLogID = callLogID.String
		out = append(out, f)
	}
	return out, rows.Err()
}

const flagColumns = `id, patient_id, call_log_id, flag, type, severity, health, resolved, created_at`

func (s *sqlStore) ListFlagRecords(ctx context.Context, patientID string) ([]models.FlagRecord, error) {
	return s.listFlags(ctx, `SELECT `+flagColumns+` FROM flags WHERE patient_id = ? ORDER BY created_at`, patientID)
}

func (s *sqlStore) ListUnresolvedHealthFlags(ctx context.Context, patientID string) ([]models.FlagRecord, error) {
	return s.listFlags(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE patient_id = ? AND health = ? AND resolved = ? ORDER BY created_at`,
		patientID, true, false)
}

func (s *sqlStore) InsertMoodLog(ctx context.Context, m *models.MoodLog) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO mood_logs (patient_id, call_log_id, mood, score, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.PatientID, nilIfEmpty(m.CallLogID), string(m.Mood), m.Score, m.Confidence, utc(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert mood log for %s: %w", m.PatientID, err)
	}
	return nil
}

func (s *sqlStore) InsertSleepLog(ctx context.Context, l *models.SleepLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO sleep_logs (patient_id, call_log_id, hours, quality, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.PatientID, nilIfEmpty(l.CallLogID), nilIfNilFloat(l.Hours), nilIfEmpty(l.Quality), utc(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert sleep log for %s: %w", l.PatientID, err)
	}
	return nil
}
