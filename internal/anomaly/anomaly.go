// Package anomaly compares a call recording against the patient's voice baseline and
// raises caregiver alerts when the voice has drifted.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/CareCall/internal/embedding"
	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/timematch"
)

const (
	NoteBaselineCreated  = "baseline_created"
	NoteBaselineDeferred = "baseline_deferred"
)

// Thresholds are the score cut-offs for alerts. A score above Emergency is an emergency;
// a score above Warning and at most Emergency is a warning.
type Thresholds struct {
	Warning   float64
	Emergency float64
}

var (
	// PostCall applies to checks run automatically after a call ends.
	PostCall = Thresholds{Warning: 0.25, Emergency: 0.40}
	// OnDemand applies to operator-triggered checks.
	OnDemand = Thresholds{Warning: 0.40, Emergency: 0.70}
)

// ClassifyAlert maps a score to an alert type.
func ClassifyAlert(score float64, th Thresholds) models.AlertType {
	switch {
	case score > th.Emergency:
		return models.AlertEmergency
	case score > th.Warning:
		return models.AlertWarning
	default:
		return models.AlertNone
	}
}

// Embedder extracts a voice embedding from a recording.
type Embedder interface {
	Embed(ctx context.Context, audioURL string) (embedding.Embedding, error)
}

// Comparer scores a current embedding against a baseline.
type Comparer interface {
	Compare(ctx context.Context, baseline, current []float64, snr float64, hour *int) (embedding.Comparison, error)
}

// Notifier queues a caregiver notification.
type Notifier interface {
	Notify(ctx context.Context, patient *models.Patient, priority models.Priority, title, message, dedupeKey string) (string, error)
}

// DayRecomputer refreshes a patient's daily rollup after a call's anomaly score changes.
type DayRecomputer interface {
	Recompute(ctx context.Context, patient *models.Patient, date string) (*models.DailyCheckIn, error)
}

// Repo is the persistence the bridge needs.
type Repo interface {
	store.AnomalyRepo
	GetCallLog(ctx context.Context, id string) (*models.CallLog, error)
	SetCallLogAnomalyScore(ctx context.Context, callLogID string, score float64) error
	ListUnresolvedHealthFlags(ctx context.Context, patientID string) ([]models.FlagRecord, error)
}

// Request describes one anomaly check.
type Request struct {
	Patient    *models.Patient
	CallLogID  string
	AudioURL   string
	Thresholds Thresholds
	// Hour is the patient-local hour of the recording; nil means the current local hour.
	Hour *int
}

// Result is the outcome of one check.
type Result struct {
	LogID           string           `json:"logId"`
	AnomalyScore    float64          `json:"anomalyScore"`
	RawSimilarity   float64          `json:"rawSimilarity"`
	NormalizedScore float64          `json:"normalizedScore"`
	SNR             float64          `json:"snr"`
	AlertType       models.AlertType `json:"alertType"`
	Note            string           `json:"note,omitempty"`
}

// Bridge runs anomaly checks.
type Bridge struct {
	embedder   Embedder
	comparer   Comparer
	repo       Repo
	notifier   Notifier
	recomputer DayRecomputer
	now        func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithNotifier enables urgent caregiver notifications on emergencies.
func WithNotifier(n Notifier) Option {
	return func(b *Bridge) { b.notifier = n }
}

// WithRecomputer refreshes the daily rollup after a call log is scored.
func WithRecomputer(r DayRecomputer) Option {
	return func(b *Bridge) { b.recomputer = r }
}

// NewBridge creates a Bridge.
func NewBridge(embedder Embedder, comparer Comparer, repo Repo, opts ...Option) *Bridge {
	b := &Bridge{embedder: embedder, comparer: comparer, repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check embeds the recording, compares it against the baseline, records the result and
// alerts the caregiver on an emergency. The first check of a healthy patient becomes the
// baseline and scores 0.
func (b *Bridge) Check(ctx context.Context, req Request) (Result, error) {
	if req.Patient == nil || req.Patient.ID == "" {
		return Result{}, fmt.Errorf("%w: %w", models.ErrValidation, models.ErrEmptyPatientID)
	}
	if req.AudioURL == "" {
		return Result{}, fmt.Errorf("%w: %w", models.ErrValidation, models.ErrEmptyAudioURL)
	}
	th := req.Thresholds
	if th == (Thresholds{}) {
		th = PostCall
	}
	p := req.Patient

	current, err := b.embedder.Embed(ctx, req.AudioURL)
	if err != nil {
		return Result{}, fmt.Errorf("embed recording: %w", err)
	}

	baseline, err := b.repo.GetBaseline(ctx, p.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load baseline: %w", err)
	}
	if baseline == nil {
		res, done, err := b.establishBaseline(ctx, req, current)
		if err != nil || done {
			return res, err
		}
		// lost a race with a concurrent check; compare against the winner
		if baseline, err = b.repo.GetBaseline(ctx, p.ID); err != nil {
			return Result{}, fmt.Errorf("reload baseline: %w", err)
		}
		if baseline == nil {
			return Result{}, fmt.Errorf("reload baseline: %w", models.ErrNotFound)
		}
	}

	hour := req.Hour
	if hour == nil {
		hour = b.localHour(p.Timezone)
	}
	cmp, err := b.comparer.Compare(ctx, baseline.Embedding, current.Vector, current.SNR, hour)
	if err != nil {
		return Result{}, fmt.Errorf("compare embeddings: %w", err)
	}

	res := Result{
		AnomalyScore:    cmp.Score,
		RawSimilarity:   cmp.RawSimilarity,
		NormalizedScore: cmp.Normalized,
		SNR:             cmp.SNR,
		AlertType:       ClassifyAlert(cmp.Score, th),
	}
	if err := b.record(ctx, req, baseline.SourceCallLogID, &res); err != nil {
		return res, err
	}

	if res.AlertType == models.AlertEmergency {
		b.notifyEmergency(ctx, p, res)
	}
	return res, nil
}

// establishBaseline stores current as the baseline for a healthy patient. done is false
// when another check created the baseline first.
func (b *Bridge) establishBaseline(ctx context.Context, req Request, current embedding.Embedding) (Result, bool, error) {
	p := req.Patient
	healthy, err := b.isHealthy(ctx, p)
	if err != nil {
		return Result{}, true, err
	}
	res := Result{SNR: current.SNR, AlertType: models.AlertNone}
	if !healthy {
		slog.Info("Bridge.Check: patient unwell, deferring baseline", "patientID", p.ID)
		res.Note = NoteBaselineDeferred
		return res, true, b.record(ctx, req, "", &res)
	}

	created, err := b.repo.CreateBaselineIfAbsent(ctx, &models.VoiceBaseline{
		PatientID:       p.ID,
		Embedding:       current.Vector,
		SNR:             current.SNR,
		SourceCallLogID: req.CallLogID,
		CreatedAt:       b.now(),
	})
	if err != nil {
		return Result{}, true, fmt.Errorf("create baseline: %w", err)
	}
	if !created {
		return Result{}, false, nil
	}
	slog.Info("Bridge.Check: voice baseline established", "patientID", p.ID, "callLogID", req.CallLogID)
	res.Note = NoteBaselineCreated
	res.RawSimilarity = 1
	return res, true, b.record(ctx, req, req.CallLogID, &res)
}

// isHealthy reports whether neither the patient's flags nor an unresolved health flag
// record mention sickness.
func (b *Bridge) isHealthy(ctx context.Context, p *models.Patient) (bool, error) {
	for _, f := range p.Flags {
		if models.IndicatesSickness(f) {
			return false, nil
		}
	}
	recs, err := b.repo.ListUnresolvedHealthFlags(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("list health flags: %w", err)
	}
	return len(recs) == 0, nil
}

func (b *Bridge) record(ctx context.Context, req Request, baselineRef string, res *Result) error {
	log := &models.VoiceAnomalyLog{
		PatientID:       req.Patient.ID,
		AnomalyScore:    res.AnomalyScore,
		RawSimilarity:   res.RawSimilarity,
		NormalizedScore: res.NormalizedScore,
		SNR:             res.SNR,
		AlertType:       res.AlertType,
		BaselineRef:     baselineRef,
		CurrentRef:      req.AudioURL,
		Note:            res.Note,
		CreatedAt:       b.now(),
	}
	if req.CallLogID != "" {
		id := req.CallLogID
		log.CallLogID = &id
	}
	if err := b.repo.InsertAnomalyLog(ctx, log); err != nil {
		return fmt.Errorf("insert anomaly log: %w", err)
	}
	res.LogID = log.ID
	metrics.RecordAnomalyCheck(string(res.AlertType))

	if req.CallLogID == "" || res.Note == NoteBaselineDeferred {
		return nil
	}
	if err := b.repo.SetCallLogAnomalyScore(ctx, req.CallLogID, res.AnomalyScore); err != nil {
		slog.Error("Bridge.record: set call log score failed", "callLogID", req.CallLogID, "error", err)
		return nil
	}
	if b.recomputer != nil {
		date := timematch.LocalDate(req.Patient.Timezone, b.now())
		if cl, err := b.repo.GetCallLog(ctx, req.CallLogID); err == nil {
			date = timematch.LocalDate(req.Patient.Timezone, cl.Timestamp)
		}
		if _, err := b.recomputer.Recompute(ctx, req.Patient, date); err != nil {
			slog.Error("Bridge.record: daily recompute failed", "patientID", req.Patient.ID, "date", date, "error", err)
		}
	}
	return nil
}

func (b *Bridge) notifyEmergency(ctx context.Context, p *models.Patient, res Result) {
	if b.notifier == nil {
		slog.Warn("Bridge.notifyEmergency: no notifier configured", "patientID", p.ID)
		return
	}
	msg := fmt.Sprintf("%s's voice differed markedly from their usual voice (anomaly score %.2f). Please check in with them.", p.Name, res.AnomalyScore)
	if _, err := b.notifier.Notify(ctx, p, models.PriorityUrgent, "Voice anomaly detected", msg, "anomaly:"+res.LogID); err != nil {
		slog.Error("Bridge.notifyEmergency: notify failed", "patientID", p.ID, "error", err)
	}
}

func (b *Bridge) localHour(tz string) *int {
	bucket, err := timematch.LocalHourBucket(tz, b.now())
	if err != nil {
		return nil
	}
	h, err := strconv.Atoi(bucket[:2])
	if err != nil {
		return nil
	}
	return &h
}
