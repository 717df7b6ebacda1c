package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *sqlStore) IsDuplicate(key string) (bool, error) {
	var found string
	err := s.db.QueryRow(s.rebind(`SELECT key FROM inbound_dedup WHERE key = ?`), key).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(key, patientID string) (bool, error) {
	result, err := s.db.Exec(
		s.rebind(`INSERT INTO inbound_dedup (key, patient_id, received_at) VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`),
		key, nilIfEmpty(patientID), utc(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(key string) error {
	_, err := s.db.Exec(s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE key = ?`), utc(time.Now()), key)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ForgetInbound(key string) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM inbound_dedup WHERE key = ?`), key)
	if err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}
