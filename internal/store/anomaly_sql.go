package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/google/uuid"
)

func (s *sqlStore) GetBaseline(ctx context.Context, patientID string) (*models.VoiceBaseline, error) {
	var b models.VoiceBaseline
	var raw string
	var source sql.NullString
	err := s.queryRow(ctx,
		`SELECT patient_id, embedding, snr, source_call_log_id, created_at FROM voice_baselines WHERE patient_id = ?`,
		patientID).Scan(&b.PatientID, &raw, &b.SNR, &source, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline for %s: %w", patientID, err)
	}
	if b.Embedding, err = decodeFloats(raw); err != nil {
		return nil, err
	}
	b.SourceCallLogID = source.String
	return &b, nil
}

func (s *sqlStore) CreateBaselineIfAbsent(ctx context.Context, b *models.VoiceBaseline) (bool, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO voice_baselines (patient_id, embedding, snr, source_call_log_id, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (patient_id) DO NOTHING`,
		b.PatientID, encodeJSON(b.Embedding), b.SNR, nilIfEmpty(b.SourceCallLogID), utc(b.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to create baseline for %s: %w", b.PatientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read baseline insert result: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) InsertAnomalyLog(ctx context.Context, l *models.VoiceAnomalyLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	var callLogID interface{}
	if l.CallLogID != nil && *l.CallLogID != "" {
		callLogID = *l.CallLogID
	}
	_, err := s.exec(ctx,
		`INSERT INTO voice_anomaly_logs (id, patient_id, call_log_id, anomaly_score, raw_similarity, normalized_score,
		 snr, alert_type, baseline_ref, current_ref, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PatientID, callLogID, l.AnomalyScore, l.RawSimilarity, l.NormalizedScore, l.SNR,
		nilIfEmpty(string(l.AlertType)), nilIfEmpty(l.BaselineRef), nilIfEmpty(l.CurrentRef), nilIfEmpty(l.Note),
		utc(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert anomaly log for %s: %w", l.PatientID, err)
	}
	return nil
}

func (s *sqlStore) ListAnomalyLogs(ctx context.Context, patientID string, limit int) ([]models.VoiceAnomalyLog, error) {
	query := `SELECT id, patient_id, call_log_id, anomaly_score, raw_similarity, normalized_score, snr, alert_type,
		baseline_ref, current_ref, note, created_at FROM voice_anomaly_logs WHERE patient_id = ? ORDER BY created_at DESC`
	args := []interface{}{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly logs: %w", err)
	}
	defer rows.Close()
	var out []models.VoiceAnomalyLog
	for rows.Next() {
		var l models.VoiceAnomalyLog
		var callLogID, alert, baseRef, curRef, note sql.NullString
		if err := rows.Scan(&l.ID, &l.PatientID, &callLogID, &l.AnomalyScore, &l.RawSimilarity, &l.NormalizedScore,
			&l.SNR, &alert, &baseRef, &curRef, &note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly log: %w", err)
		}
		if callLogID.Valid {
			id := callLogID.String
			l.CallLogID = &id
		}
		l.AlertType = models.AlertType(alert.String)
		l.BaselineRef = baseRef.String
		l.CurrentRef = curRef.String
		l.Note = note.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) AnnotateAnomalyLog(ctx context.Context, id, note string) error {
	res, err := s.exec(ctx, `UPDATE voice_anomaly_logs SET note = ? WHERE id = ?`, note, id)
	if err != nil {
		return fmt.Errorf("failed to annotate anomaly log %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anomaly log %s: %w", id, models.ErrNotFound)
	}
	return nil
}
