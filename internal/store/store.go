// Package store provides storage backends for CareCall.
//
// Three backends implement the same Store interface: an in-memory store for tests and
// ephemeral runs, SQLite for single-host deployments, and PostgreSQL. All writes that
// must be idempotent under concurrent webhook delivery are expressed as upserts keyed
// by the entity's natural unique constraint.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// PatientRepo reads patient profiles and applies the two mutations the core is allowed:
// touching last_call_at and appending flags.
type PatientRepo interface {
	CreatePatient(ctx context.Context, p *models.Patient) error
	// GetPatient returns models.ErrNotFound when the patient does not exist.
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	// ListScheduledPatients returns every patient whose call schedule is non-empty.
	ListScheduledPatients(ctx context.Context) ([]models.Patient, error)
	// FindPatientsByPhone returns all patients sharing phone, newest first.
	FindPatientsByPhone(ctx context.Context, phone string) ([]models.Patient, error)
	TouchLastCall(ctx context.Context, patientID string, at time.Time) error
	// AppendPatientFlags set-unions flags into the patient's flag set and returns the result.
	AppendPatientFlags(ctx context.Context, patientID string, flags ...string) ([]string, error)

	CreateCaregiver(ctx context.Context, c *models.Caregiver) error
	// GetCaregiver returns models.ErrNotFound when the caregiver does not exist.
	GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error)
}

// CallLogRepo persists reconciled call logs.
type CallLogRepo interface {
	InsertCallLog(ctx context.Context, c *models.CallLog) error
	UpdateCallLog(ctx context.Context, c *models.CallLog) error
	// GetCallLog returns models.ErrNotFound when the call log does not exist.
	GetCallLog(ctx context.Context, id string) (*models.CallLog, error)
	// FindCallLogByProviderID returns nil, nil when no log carries providerCallID.
	FindCallLogByProviderID(ctx context.Context, patientID, providerCallID string) (*models.CallLog, error)
	// FindCallLogNear returns the log for patientID closest to at within ±window, or nil, nil.
	FindCallLogNear(ctx context.Context, patientID string, at time.Time, window time.Duration) (*models.CallLog, error)
	// ListCallLogs returns the most recent logs first. limit <= 0 means no limit.
	ListCallLogs(ctx context.Context, patientID string, limit int) ([]models.CallLog, error)
	// ListAnsweredCallLogs returns answered logs with from <= timestamp < to, oldest first.
	ListAnsweredCallLogs(ctx context.Context, patientID string, from, to time.Time) ([]models.CallLog, error)
	SetCallLogAnomalyScore(ctx context.Context, callLogID string, score float64) error
}

// CheckInRepo persists the daily rollup and the per-signal analytics tables.
type CheckInRepo interface {
	// GetDailyCheckIn returns nil, nil when no rollup exists for the day.
	GetDailyCheckIn(ctx context.Context, patientID, date string) (*models.DailyCheckIn, error)
	// UpsertDailyCheckIn replaces the rollup for (patient, date).
	UpsertDailyCheckIn(ctx context.Context, d *models.DailyCheckIn) error
	// MergeDailyCheckIn sets only the non-empty fields of patch on the (patient, date) rollup,
	// creating it if needed.
	MergeDailyCheckIn(ctx context.Context, patientID, date string, patch models.CheckInPatch) error

	// UpsertMedicationLog writes the (patient, med, date) row; the last write wins.
	UpsertMedicationLog(ctx context.Context, m *models.MedicationLog) error
	ListMedicationLogs(ctx context.Context, patientID, date string) ([]models.MedicationLog, error)

	InsertFlagRecord(ctx context.Context, f *models.FlagRecord) error
	ListFlagRecords(ctx context.Context, patientID string) ([]models.FlagRecord, error)
	ListUnresolvedHealthFlags(ctx context.Context, patientID string) ([]models.FlagRecord, error)

	InsertMoodLog(ctx context.Context, m *models.MoodLog) error
	InsertSleepLog(ctx context.Context, s *models.SleepLog) error
}

// AnomalyRepo persists voice baselines and anomaly check results.
type AnomalyRepo interface {
	// GetBaseline returns nil, nil when the patient has no baseline yet.
	GetBaseline(ctx context.Context, patientID string) (*models.VoiceBaseline, error)
	// CreateBaselineIfAbsent stores b unless a baseline already exists. It reports
	// whether b was stored; an existing baseline is never overwritten.
	CreateBaselineIfAbsent(ctx context.Context, b *models.VoiceBaseline) (bool, error)
	InsertAnomalyLog(ctx context.Context, l *models.VoiceAnomalyLog) error
	ListAnomalyLogs(ctx context.Context, patientID string, limit int) ([]models.VoiceAnomalyLog, error)
	// AnnotateAnomalyLog sets the operator note; it is the only mutation allowed on an anomaly log.
	AnnotateAnomalyLog(ctx context.Context, id, note string) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	PatientRepo
	CallLogRepo
	CheckInRepo
	AnomalyRepo
	JobRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for the SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSNType names the backend a DSN selects.
type DSNType string

const (
	DSNTypePostgres DSNType = "postgres"
	DSNTypeSQLite   DSNType = "sqlite3"
	DSNTypeMemory   DSNType = "memory"
)

// DetectDSNType picks a backend from the shape of dsn. An empty DSN or ":memory:" selects
// the in-memory store.
func DetectDSNType(dsn string) DSNType {
	switch {
	case dsn == "" || dsn == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// Open creates the store selected by the DSN in opts.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.Open: selecting backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	case DSNTypeSQLite:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("unsupported DSN type %q", kind)
	}
}
