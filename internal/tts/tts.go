// Package tts synthesizes voice previews through the text-to-speech provider.
//
// Requests go through a bounded queue: at most Concurrency syntheses run at once and
// the rest wait for a slot or for their context to end.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/CareCall/internal/models"
)

const (
	DefaultBaseURL     = "https://api.elevenlabs.io"
	DefaultModelID     = "eleven_turbo_v2"
	DefaultConcurrency = 2
	DefaultTimeout     = 60 * time.Second
	// MaxTextLength bounds a single preview request.
	MaxTextLength = 1000
)

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, voiceID, text string) ([]byte, error)
}

// Opts holds configuration options for the TTS client.
type Opts struct {
	BaseURL     string
	APIKey      string
	ModelID     string
	Concurrency int
	Timeout     time.Duration
}

// Option defines a configuration option for the TTS client.
type Option func(*Opts)

// WithBaseURL overrides the provider base URL.
func WithBaseURL(u string) Option { return func(o *Opts) { o.BaseURL = u } }

// WithAPIKey sets the provider key.
func WithAPIKey(k string) Option { return func(o *Opts) { o.APIKey = k } }

// WithModelID overrides the synthesis model.
func WithModelID(id string) Option { return func(o *Opts) { o.ModelID = id } }

// WithConcurrency sets how many syntheses may run at once.
func WithConcurrency(n int) Option { return func(o *Opts) { o.Concurrency = n } }

// Client is a queue-bounded TTS client.
type Client struct {
	http     *resty.Client
	modelID  string
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

var _ Synthesizer = (*Client)(nil)

// NewClient creates a TTS client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, ModelID: DefaultModelID, Concurrency: DefaultConcurrency, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("TTS API key not set")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("xi-api-key", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "audio/mpeg")
	return &Client{
		http:    rc,
		modelID: cfg.ModelID,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limit:   cfg.Concurrency,
	}, nil
}

// InFlight returns the number of syntheses currently holding a slot.
func (c *Client) InFlight() int { return int(c.inFlight.Load()) }

// Limit returns the configured concurrency.
func (c *Client) Limit() int { return c.limit }

type synthesizeBody struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize renders text with voiceID and returns MP3 bytes.
func (c *Client) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if voiceID == "" {
		return nil, fmt.Errorf("%w: voiceId is required", models.ErrValidation)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", models.ErrValidation)
	}
	if len(text) > MaxTextLength {
		return nil, fmt.Errorf("%w: text exceeds %d characters", models.ErrValidation, MaxTextLength)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for TTS slot: %w", err)
	}
	c.inFlight.Add(1)
	defer func() {
		c.inFlight.Add(-1)
		c.sem.Release(1)
	}()

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("voiceId", voiceID).
		SetBody(synthesizeBody{Text: text, ModelID: c.modelID}).
		Post("/v1/text-to-speech/{voiceId}")
	if err != nil {
		return nil, fmt.Errorf("%w: synthesize: %v", models.ErrProvider, err)
	}
	if resp.IsError() {
		slog.Error("tts.Synthesize: provider error", "status", resp.StatusCode(), "voiceID", voiceID)
		return nil, fmt.Errorf("%w: synthesize returned %d", models.ErrProvider, resp.StatusCode())
	}
	slog.Debug("tts.Synthesize: done", "voiceID", voiceID, "bytes", len(resp.Body()), "elapsed", time.Since(start))
	return resp.Body(), nil
}
