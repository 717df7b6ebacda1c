// Package api provides the HTTP server for CareCall.
//
// It exposes the provider webhooks (/call-ended, /tool), the manual call trigger, the
// on-demand voice anomaly check, and read endpoints for call logs, anomaly logs and
// daily check-ins. Caregiver-facing routes require a bearer token when a JWT secret is
// configured; webhooks never do.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/embedding"
	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/webhook"
)

const (
	DefaultCallNowRPS   = 1.0
	DefaultCallNowBurst = 5
	maxBodyBytes        = 2 << 20
	defaultLogLimit     = 50
	// webhookTimeout bounds webhook processing once it is detached from the request.
	webhookTimeout = 2 * time.Minute
)

// Store is the read and annotate surface the handlers use.
type Store interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListCallLogs(ctx context.Context, patientID string, limit int) ([]models.CallLog, error)
	ListAnomalyLogs(ctx context.Context, patientID string, limit int) ([]models.VoiceAnomalyLog, error)
	AnnotateAnomalyLog(ctx context.Context, id, note string) error
	GetDailyCheckIn(ctx context.Context, patientID, date string) (*models.DailyCheckIn, error)
}

// CallPlacer places an immediate call.
type CallPlacer interface {
	CallNow(ctx context.Context, patientID string) (string, error)
}

// WebhookProcessor handles the provider callbacks.
type WebhookProcessor interface {
	HandleCallEnded(ctx context.Context, body []byte) webhook.Outcome
	HandleToolRequest(ctx context.Context, body []byte) (*webhook.ToolResponse, error)
}

// AnomalyChecker runs a voice anomaly check.
type AnomalyChecker interface {
	Check(ctx context.Context, req anomaly.Request) (anomaly.Result, error)
}

// MoodReader derives the day's mood from the call logs.
type MoodReader interface {
	DailyMood(ctx context.Context, patientID, date string) (models.Mood, error)
}

// Synthesizer renders assistant voice previews.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// HealthChecker reports the embedding service's health.
type HealthChecker interface {
	Health(ctx context.Context) (embedding.Health, error)
}

// Deps are the components the server routes to. TTS and Embedding are optional.
type Deps struct {
	Store     Store
	Calls     CallPlacer
	Webhooks  WebhookProcessor
	Anomaly   AnomalyChecker
	Moods     MoodReader
	TTS       Synthesizer
	Embedding HealthChecker
}

// Opts holds configuration options for the Server.
type Opts struct {
	JWTSecret         string
	CallNowRPS        float64
	CallNowBurst      int
	AnomalyThresholds anomaly.Thresholds
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithJWTSecret protects the caregiver routes with HS256 bearer tokens.
func WithJWTSecret(secret string) Option { return func(o *Opts) { o.JWTSecret = secret } }

// WithCallNowRateLimit bounds /call-now requests per second.
func WithCallNowRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.CallNowRPS = rps
		o.CallNowBurst = burst
	}
}

// WithAnomalyThresholds overrides the thresholds used by /anomaly-check.
func WithAnomalyThresholds(th anomaly.Thresholds) Option {
	return func(o *Opts) { o.AnomalyThresholds = th }
}

// Server serves the CareCall HTTP API.
type Server struct {
	deps    Deps
	opts    Opts
	limiter *rate.Limiter
	now     func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{
		CallNowRPS:        DefaultCallNowRPS,
		CallNowBurst:      DefaultCallNowBurst,
		AnomalyThresholds: anomaly.OnDemand,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		deps:    deps,
		opts:    o,
		limiter: rate.NewLimiter(rate.Limit(o.CallNowRPS), o.CallNowBurst),
		now:     time.Now,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", metrics.Handler())

	// provider webhooks
	r.Post("/call-ended", s.callEndedHandler)
	r.Post("/tool", s.toolHandler)

	r.Group(func(r chi.Router) {
		if s.opts.JWTSecret != "" {
			r.Use(RequireBearer(s.opts.JWTSecret))
		} else {
			slog.Warn("Server.Routes: JWT_SECRET not set, caregiver routes are unauthenticated")
		}
		r.Post("/call-now", s.callNowHandler)
		r.Post("/anomaly-check", s.anomalyCheckHandler)
		r.Get("/anomaly-logs/{patientId}", s.anomalyLogsHandler)
		r.Patch("/anomaly-logs/{patientId}/{logId}", s.annotateAnomalyLogHandler)
		r.Get("/call-logs/{patientId}", s.callLogsHandler)
		r.Get("/daily-checkins/{patientId}", s.dailyCheckInHandler)
		r.Post("/voice-preview", s.voicePreviewHandler)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
