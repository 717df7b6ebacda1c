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

const callLogColumns = `id, patient_id, provider_call_id, timestamp, assistant_name, outcome, transcript, mood,
	sentiment_score, summary, meds_taken, flags, sleep_hours, sleep_quality, anomaly_score, recording_url,
	created_at, updated_at`

func scanCallLog(row rowScanner) (models.CallLog, error) {
	var c models.CallLog
	var providerID, assistant, transcript, mood, summary, sleepQuality, recording sql.NullString
	var meds, flags sql.NullString
	var sentiment, sleepHours, anomaly sql.NullFloat64
	err := row.Scan(&c.ID, &c.PatientID, &providerID, &c.Timestamp, &assistant, &c.Outcome, &transcript, &mood,
		&sentiment, &summary, &meds, &flags, &sleepHours, &sleepQuality, &anomaly, &recording,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ProviderCallID = providerID.String
	c.AssistantName = assistant.String
	c.Transcript = transcript.String
	if mood.Valid && mood.String != "" {
		m := models.Mood(mood.String)
		c.Mood = &m
	}
	c.SentimentScore = floatPtr(sentiment)
	c.Summary = summary.String
	c.MedsTaken = decodeStrings(meds)
	c.Flags = decodeStrings(flags)
	c.SleepHours = floatPtr(sleepHours)
	c.SleepQuality = sleepQuality.String
	c.AnomalyScore = floatPtr(anomaly)
	c.RecordingURL = recording.String
	return c, nil
}

func moodValue(m *models.Mood) interface{} {
	if m == nil {
		return nil
	}
	return string(*m)
}

func (s *sqlStore) InsertCallLog(ctx context.Context, c *models.CallLog) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.exec(ctx,
		`INSERT INTO call_logs (`+callLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PatientID, nilIfEmpty(c.ProviderCallID), utc(c.Timestamp), nilIfEmpty(c.AssistantName), string(c.Outcome),
		nilIfEmpty(c.Transcript), moodValue(c.Mood), nilIfNilFloat(c.SentimentScore), nilIfEmpty(c.Summary),
		encodeJSON(nonNil(c.MedsTaken)), encodeJSON(nonNil(c.Flags)), nilIfNilFloat(c.SleepHours),
		nilIfEmpty(c.SleepQuality), nilIfNilFloat(c.AnomalyScore), nilIfEmpty(c.RecordingURL),
		utc(c.CreatedAt), utc(c.UpdatedAt),
	)
	if err != nil {
		slog.Error(s.name+".InsertCallLog failed", "error", err, "patientID", c.PatientID)
		return fmt.Errorf("failed to insert call log for %s: %w", c.PatientID, err)
	}
	slog.Debug(s.name+".InsertCallLog", "id", c.ID, "patientID", c.PatientID, "outcome", c.Outcome)
	return nil
}

func (s *sqlStore) UpdateCallLog(ctx context.Context, c *models.CallLog) error {
	c.UpdatedAt = time.Now()
	res, err := s.exec(ctx,
		`UPDATE call_logs SET provider_call_id = ?, timestamp = ?, assistant_name = ?, outcome = ?, transcript = ?,
		 mood = ?, sentiment_score = ?, summary = ?, meds_taken = ?, flags = ?, sleep_hours = ?, sleep_quality = ?,
		 anomaly_score = ?, recording_url = ?, updated_at = ?
		 WHERE id = ?`,
		nilIfEmpty(c.ProviderCallID), utc(c.Timestamp), nilIfEmpty(c.AssistantName), string(c.Outcome),
		nilIfEmpty(c.Transcript), moodValue(c.Mood), nilIfNilFloat(c.SentimentScore), nilIfEmpty(c.Summary),
		encodeJSON(nonNil(c.MedsTaken)), encodeJSON(nonNil(c.Flags)), nilIfNilFloat(c.SleepHours),
		nilIfEmpty(c.SleepQuality), nilIfNilFloat(c.AnomalyScore), nilIfEmpty(c.RecordingURL), utc(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		slog.Error(s.name+".UpdateCallLog failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update call log %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("call log %s: %w", c.ID, models.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) GetCallLog(ctx context.Context, id string) (*models.CallLog, error) {
	c, err := scanCallLog(s.queryRow(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call log %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call log %s: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) FindCallLogByProviderID(ctx context.Context, patientID, providerCallID string) (*models.CallLog, error) {
	if providerCallID == "" {
		return nil, nil
	}
	c, err := scanCallLog(s.queryRow(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE patient_id = ? AND provider_call_id = ?`, patientID, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find call log by provider id %s: %w", providerCallID, err)
	}
	return &c, nil
}

func (s *sqlStore) FindCallLogNear(ctx context.Context, patientID string, at time.Time, window time.Duration) (*models.CallLog, error) {
	logs, err := s.listCallLogs(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE patient_id = ? AND timestamp >= ? AND timestamp <= ?`,
		patientID, utc(at.Add(-window)), utc(at.Add(window)))
	if err != nil {
		return nil, err
	}
	return closestCallLog(logs, at), nil
}

func (s *sqlStore) listCallLogs(ctx context.Context, query string, args ...interface{}) ([]models.CallLog, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()
	var out []models.CallLog
	for rows.Next() {
		c, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call log rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListCallLogs(ctx context.Context, patientID string, limit int) ([]models.CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM call_logs WHERE patient_id = ? ORDER BY timestamp DESC`
	args := []interface{}{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listCallLogs(ctx, query, args...)
}

func (s *sqlStore) ListAnsweredCallLogs(ctx context.Context, patientID string, from, to time.Time) ([]models.CallLog, error) {
	return s.listCallLogs(ctx,
		`SELECT `+callLogColumns+` FROM call_logs
		 WHERE patient_id = ? AND outcome = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC`,
		patientID, string(models.OutcomeAnswered), utc(from), utc(to))
}

func (s *sqlStore) SetCallLogAnomalyScore(ctx context.Context, callLogID string, score float64) error {
	res, err := s.exec(ctx, `UPDATE call_logs SET anomaly_score = ?, updated_at = ? WHERE id = ?`,
		score, utc(time.Now()), callLogID)
	if err != nil {
		return fmt.Errorf("failed to set anomaly score on %s: %w", callLogID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("call log %s: %w", callLogID, models.ErrNotFound)
	}
	return nil
}

// closestCallLog picks the log whose timestamp is nearest to at.
func closestCallLog(logs []models.CallLog, at time.Time) *models.CallLog {
	var best *models.CallLog
	var bestDiff time.Duration
	for i := range logs {
		diff := logs[i].Timestamp.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = &logs[i]
			bestDiff = diff
		}
	}
	return best
}
