package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/util"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept entirely in process memory. It is used by tests and
// when no DATABASE_URL is configured; nothing survives a restart.
type InMemoryStore struct {
	mu sync.RWMutex

	patients   map[string]models.Patient
	caregivers map[string]models.Caregiver
	callLogs   map[string]models.CallLog
	checkIns   map[string]models.DailyCheckIn  // key: patient|date
	medLogs    map[string]models.MedicationLog // key: patient|med|date
	flags      []models.FlagRecord
	moodLogs   []models.MoodLog
	sleepLogs  []models.SleepLog
	baselines  map[string]models.VoiceBaseline
	anomalies  []models.VoiceAnomalyLog
	jobs       map[string]*Job
	outbox     map[string]*OutboxMessage
	dedup      map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:   make(map[string]models.Patient),
		caregivers: make(map[string]models.Caregiver),
		callLogs:   make(map[string]models.CallLog),
		checkIns:   make(map[string]models.DailyCheckIn),
		medLogs:    make(map[string]models.MedicationLog),
		baselines:  make(map[string]models.VoiceBaseline),
		jobs:       make(map[string]*Job),
		outbox:     make(map[string]*OutboxMessage),
		dedup:      make(map[string]*DedupRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func clonePatient(p models.Patient) models.Patient {
	p.CallSchedule = slices.Clone(p.CallSchedule)
	p.Flags = slices.Clone(p.Flags)
	p.Medications = slices.Clone(p.Medications)
	p.Conditions = slices.Clone(p.Conditions)
	if p.LastCallAt != nil {
		t := *p.LastCallAt
		p.LastCallAt = &t
	}
	return p
}

func cloneCallLog(c models.CallLog) models.CallLog {
	c.MedsTaken = slices.Clone(c.MedsTaken)
	c.Flags = slices.Clone(c.Flags)
	return c
}

func (s *InMemoryStore) CreatePatient(_ context.Context, p *models.Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[p.ID]; ok {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	s.patients[p.ID] = clonePatient(*p)
	return nil
}

func (s *InMemoryStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrNotFound)
	}
	p = clonePatient(p)
	return &p, nil
}

func (s *InMemoryStore) ListScheduledPatients(_ context.Context) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Patient
	for _, p := range s.patients {
		if len(p.CallSchedule) > 0 {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) FindPatientsByPhone(_ context.Context, phone string) ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Patient
	for _, p := range s.patients {
		if p.Phone == phone {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) TouchLastCall(_ context.Context, patientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientID]
	if !ok {
		return fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	at = at.UTC()
	p.LastCallAt = &at
	s.patients[patientID] = p
	return nil
}

func (s *InMemoryStore) AppendPatientFlags(_ context.Context, patientID string, flags ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	p.Flags = models.UnionStrings(p.Flags, flags...)
	s.patients[patientID] = p
	return slices.Clone(p.Flags), nil
}

func (s *InMemoryStore) CreateCaregiver(_ context.Context, c *models.Caregiver) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caregivers[c.ID] = *c
	return nil
}

func (s *InMemoryStore) GetCaregiver(_ context.Context, id string) (*models.Caregiver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caregivers[id]
	if !ok {
		return nil, fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	return &c, nil
}

func (s *InMemoryStore) InsertCallLog(_ context.Context, c *models.CallLog) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ProviderCallID != "" {
		for _, existing := range s.callLogs {
			if existing.ProviderCallID == c.ProviderCallID {
				return fmt.Errorf("call log with provider id %s already exists", c.ProviderCallID)
			}
		}
	}
	s.callLogs[c.ID] = cloneCallLog(*c)
	return nil
}

func (s *InMemoryStore) UpdateCallLog(_ context.Context, c *models.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callLogs[c.ID]; !ok {
		return fmt.Errorf("call log %s: %w", c.ID, models.ErrNotFound)
	}
	c.UpdatedAt = time.Now()
	s.callLogs[c.ID] = cloneCallLog(*c)
	return nil
}

func (s *InMemoryStore) GetCallLog(_ context.Context, id string) (*models.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.callLogs[id]
	if !ok {
		return nil, fmt.Errorf("call log %s: %w", id, models.ErrNotFound)
	}
	c = cloneCallLog(c)
	return &c, nil
}

func (s *InMemoryStore) FindCallLogByProviderID(_ context.Context, patientID, providerCallID string) (*models.CallLog, error) {
	if providerCallID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.callLogs {
		if c.PatientID == patientID && c.ProviderCallID == providerCallID {
			c = cloneCallLog(c)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindCallLogNear(_ context.Context, patientID string, at time.Time, window time.Duration) (*models.CallLog, error) {
	s.mu.RLock()
	var candidates []models.CallLog
	for _, c := range s.callLogs {
		if c.PatientID != patientID {
			continue
		}
		if c.Timestamp.Before(at.Add(-window)) || c.Timestamp.After(at.Add(window)) {
			continue
		}
		candidates = append(candidates, cloneCallLog(c))
	}
	s.mu.RUnlock()
	return closestCallLog(candidates, at), nil
}

func (s *InMemoryStore) ListCallLogs(_ context.Context, patientID string, limit int) ([]models.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallLog
	for _, c := range s.callLogs {
		if c.PatientID == patientID {
			out = append(out, cloneCallLog(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListAnsweredCallLogs(_ context.Context, patientID string, from, to time.Time) ([]models.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallLog
	for _, c := range s.callLogs {
		if c.PatientID != patientID || !c.Answered() {
			continue
		}
		if c.Timestamp.Before(from) || !c.Timestamp.Before(to) {
			continue
		}
		out = append(out, cloneCallLog(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) SetCallLogAnomalyScore(_ context.Context, callLogID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.callLogs[callLogID]
	if !ok {
		return fmt.Errorf("call log %s: %w", callLogID, models.ErrNotFound)
	}
	c.AnomalyScore = &score
	c.UpdatedAt = time.Now()
	s.callLogs[callLogID] = c
	return nil
}

func checkInKey(patientID, date string) string { return patientID + "|" + date }

func (s *InMemoryStore) GetDailyCheckIn(_ context.Context, patientID, date string) (*models.DailyCheckIn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.checkIns[checkInKey(patientID, date)]
	if !ok {
		return nil, nil
	}
	d.MedsTaken = slices.Clone(d.MedsTaken)
	d.Flags = slices.Clone(d.Flags)
	return &d, nil
}

func (s *InMemoryStore) UpsertDailyCheckIn(_ context.Context, d *models.DailyCheckIn) error {
	d.UpdatedAt = time.Now()
	if d.Mood == "" {
		d.Mood = models.MoodNeutral
	}
	stored := *d
	stored.MedsTaken = slices.Clone(nonNil(d.MedsTaken))
	stored.Flags = slices.Clone(nonNil(d.Flags))
	s.mu.Lock()
	s.checkIns[checkInKey(d.PatientID, d.Date)] = stored
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) MergeDailyCheckIn(_ context.Context, patientID, date string, patch models.CheckInPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkInKey(patientID, date)
	d, ok := s.checkIns[key]
	if !ok {
		d = models.DailyCheckIn{PatientID: patientID, Date: date, Mood: models.MoodNeutral, MedsTaken: []string{}, Flags: []string{}}
	}
	if patch.Mood != nil {
		d.Mood = *patch.Mood
	}
	if patch.SleepHours != nil {
		h := *patch.SleepHours
		d.SleepHours = &h
	}
	if patch.SleepQuality != "" {
		d.SleepQuality = patch.SleepQuality
	}
	if patch.Summary != "" {
		d.Summary = patch.Summary
	}
	d.UpdatedAt = time.Now()
	s.checkIns[key] = d
	return nil
}

func (s *InMemoryStore) UpsertMedicationLog(_ context.Context, m *models.MedicationLog) error {
	m.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.PatientID + "|" + m.MedName + "|" + m.Date
	stored := *m
	if prev, ok := s.medLogs[key]; ok && stored.CallLogID == "" {
		stored.CallLogID = prev.CallLogID
	}
	s.medLogs[key] = stored
	return nil
}

func (s *InMemoryStore) ListMedicationLogs(_ context.Context, patientID, date string) ([]models.MedicationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MedicationLog
	for _, m := range s.medLogs {
		if m.PatientID == patientID && m.Date == date {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedName < out[j].MedName })
	return out, nil
}

func (s *InMemoryStore) InsertFlagRecord(_ context.Context, f *models.FlagRecord) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.flags = append(s.flags, *f)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListFlagRecords(_ context.Context, patientID string) ([]models.FlagRecord, error) {
	return s.filterFlags(func(f models.FlagRecord) bool { return f.PatientID == patientID }), nil
}

func (s *InMemoryStore) ListUnresolvedHealthFlags(_ context.Context, patientID string) ([]models.FlagRecord, error) {
	return s.filterFlags(func(f models.FlagRecord) bool {
		return f.PatientID == patientID && f.Health && !f.Resolved
	}), nil
}

func (s *InMemoryStore) filterFlags(keep func(models.FlagRecord) bool) []models.FlagRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlagRecord
	for _, f := range s.flags {
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s *InMemoryStore) InsertMoodLog(_ context.Context, m *models.MoodLog) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.moodLogs = append(s.moodLogs, *m)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) InsertSleepLog(_ context.Context, l *models.SleepLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.sleepLogs = append(s.sleepLogs, *l)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) GetBaseline(_ context.Context, patientID string) (*models.VoiceBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[patientID]
	if !ok {
		return nil, nil
	}
	b.Embedding = slices.Clone(b.Embedding)
	return &b, nil
}

func (s *InMemoryStore) CreateBaselineIfAbsent(_ context.Context, b *models.VoiceBaseline) (bool, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.baselines[b.PatientID]; ok {
		return false, nil
	}
	stored := *b
	stored.Embedding = slices.Clone(b.Embedding)
	s.baselines[b.PatientID] = stored
	return true, nil
}

func (s *InMemoryStore) InsertAnomalyLog(_ context.Context, l *models.VoiceAnomalyLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.anomalies = append(s.anomalies, *l)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListAnomalyLogs(_ context.Context, patientID string, limit int) ([]models.VoiceAnomalyLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VoiceAnomalyLog
	for i := len(s.anomalies) - 1; i >= 0; i-- {
		if s.anomalies[i].PatientID == patientID {
			out = append(out, s.anomalies[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AnnotateAnomalyLog(_ context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.anomalies {
		if s.anomalies[i].ID == id {
			s.anomalies[i].Note = note
			return nil
		}
	}
	return fmt.Errorf("anomaly log %s: %w", id, models.ErrNotFound)
}

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && !j.Status.Terminal() {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		lockedAt := now
		j.Status = JobStatusRunning
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) setJob(id string, update func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	update(j)
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(patientID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.Terminal() {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		PatientID:   patientID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", id, models.ErrNotFound)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s: %w", id, models.ErrNotFound)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	next := nextAttemptAt
	m.NextAttemptAt = &next
	if m.Attempts >= OutboxMaxAttempts {
		m.Status = OutboxStatusFailed
	} else {
		m.Status = OutboxStatusQueued
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) ListOutboxMessages(patientID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.PatientID == patientID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IsDuplicate(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[key]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(key, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = &DedupRecord{Key: key, PatientID: patientID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[key]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ForgetInbound(key string) error {
	s.mu.Lock()
	delete(s.dedup, key)
	s.mu.Unlock()
	return nil
}
