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

const patientColumns = `id, caregiver_id, name, age, phone, timezone, call_schedule, last_call_at, flags,
	assistant_id, voice_id, medications, conditions, created_at`

func scanPatient(row rowScanner) (models.Patient, error) {
	var p models.Patient
	var caregiverID, assistantID, voiceID sql.NullString
	var schedule, flags, meds, conditions sql.NullString
	var lastCallAt sql.NullTime
	err := row.Scan(&p.ID, &caregiverID, &p.Name, &p.Age, &p.Phone, &p.Timezone, &schedule, &lastCallAt,
		&flags, &assistantID, &voiceID, &meds, &conditions, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.CaregiverID = caregiverID.String
	p.AssistantID = assistantID.String
	p.VoiceID = voiceID.String
	p.CallSchedule = decodeStrings(schedule)
	p.Flags = decodeStrings(flags)
	p.Medications = decodeStrings(meds)
	p.Conditions = decodeStrings(conditions)
	if lastCallAt.Valid {
		t := lastCallAt.Time
		p.LastCallAt = &t
	}
	return p, nil
}

func (s *sqlStore) CreatePatient(ctx context.Context, p *models.Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	var lastCallAt interface{}
	if p.LastCallAt != nil {
		lastCallAt = utc(*p.LastCallAt)
	}
	_, err := s.exec(ctx,
		`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nilIfEmpty(p.CaregiverID), p.Name, p.Age, p.Phone, p.Timezone, encodeJSON(nonNil(p.CallSchedule)), lastCallAt,
		encodeJSON(nonNil(p.Flags)), nilIfEmpty(p.AssistantID), nilIfEmpty(p.VoiceID),
		encodeJSON(nonNil(p.Medications)), encodeJSON(nonNil(p.Conditions)), utc(p.CreatedAt),
	)
	if err != nil {
		slog.Error(s.name+".CreatePatient failed", "error", err, "patientID", p.ID)
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *sqlStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	p, err := scanPatient(s.queryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient %s: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) listPatients(ctx context.Context, query string, args ...interface{}) ([]models.Patient, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()
	var out []models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patient rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListScheduledPatients(ctx context.Context) ([]models.Patient, error) {
	out, err := s.listPatients(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE call_schedule IS NOT NULL AND call_schedule <> '[]' AND call_schedule <> ''`)
	if err != nil {
		return nil, err
	}
	// Decoding can still yield an empty list for malformed JSON.
	scheduled := out[:0]
	for _, p := range out {
		if len(p.CallSchedule) > 0 {
			scheduled = append(scheduled, p)
		}
	}
	slog.Debug(s.name+".ListScheduledPatients", "count", len(scheduled))
	return scheduled, nil
}

func (s *sqlStore) FindPatientsByPhone(ctx context.Context, phone string) ([]models.Patient, error) {
	return s.listPatients(ctx,
		`SELECT `+patientColumns+` FROM patients WHERE phone = ? ORDER BY created_at DESC`, phone)
}

func (s *sqlStore) TouchLastCall(ctx context.Context, patientID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE patients SET last_call_at = ? WHERE id = ?`, utc(at), patientID)
	if err != nil {
		return fmt.Errorf("failed to update last_call_at for %s: %w", patientID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) AppendPatientFlags(ctx context.Context, patientID string, flags ...string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append flags: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT flags FROM patients WHERE id = ?`
	if s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}
	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, s.rebind(query), patientID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("read flags for %s: %w", patientID, err)
	}
	merged := models.UnionStrings(decodeStrings(raw), flags...)
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE patients SET flags = ? WHERE id = ?`), encodeJSON(merged), patientID); err != nil {
		return nil, fmt.Errorf("write flags for %s: %w", patientID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append flags: %w", err)
	}
	return merged, nil
}

func (s *sqlStore) CreateCaregiver(ctx context.Context, c *models.Caregiver) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO caregivers (id, name, phone, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, nilIfEmpty(c.Phone), nilIfEmpty(c.Email), utc(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert caregiver %s: %w", c.ID, err)
	}
	return nil
}

func (s *sqlStore) GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error) {
	var c models.Caregiver
	var phone, email sql.NullString
	err := s.queryRow(ctx, `SELECT id, name, phone, email FROM caregivers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &phone, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caregiver %s: %w", id, err)
	}
	c.Phone = phone.String
	c.Email = email.String
	return &c, nil
}

// nonNil keeps nil slices from being stored as JSON null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
