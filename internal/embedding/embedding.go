// Package embedding talks to the voice embedding service and holds the anomaly scoring math.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/CareCall/internal/models"
)

const (
	DefaultSampleRate = 16000
	DefaultTimeout    = 60 * time.Second
)

// Embedding is a voice embedding extracted from one recording.
type Embedding struct {
	Vector     []float64 `json:"embedding"`
	SNR        float64   `json:"snr"`
	SampleRate int       `json:"sample_rate"`
}

// Comparison is the result of scoring a recording against a baseline.
// Score equals Normalized; both are kept for the wire format.
type Comparison struct {
	Score         float64 `json:"score"`
	RawSimilarity float64 `json:"raw_similarity"`
	Normalized    float64 `json:"normalized"`
	SNR           float64 `json:"snr"`
}

// Health is the embedding service's health report.
type Health struct {
	Status      string  `json:"status"`
	Service     string  `json:"service"`
	ModelLoaded bool    `json:"model_loaded"`
	ModelError  *string `json:"model_error"`
}

// Client calls the embedding service over HTTP.
type Client struct {
	http       *resty.Client
	sampleRate int
}

// Option configures a Client.
type Option func(*Client)

// WithSampleRate overrides the resample rate requested from /embed.
func WithSampleRate(hz int) Option {
	return func(c *Client) { c.sampleRate = hz }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding service URL not set")
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		sampleRate: DefaultSampleRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type serviceError struct {
	Detail string `json:"detail"`
}

type embedRequest struct {
	AudioURL   string `json:"audio_url"`
	SampleRate int    `json:"sample_rate"`
}

// Embed extracts an embedding and SNR from the recording at audioURL.
func (c *Client) Embed(ctx context.Context, audioURL string) (Embedding, error) {
	if audioURL == "" {
		return Embedding{}, models.ErrEmptyAudioURL
	}
	var out Embedding
	var svcErr serviceError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{AudioURL: audioURL, SampleRate: c.sampleRate}).
		SetResult(&out).
		SetError(&svcErr).
		Post("/embed")
	if err != nil {
		return Embedding{}, fmt.Errorf("%w: embed: %v", models.ErrProvider, err)
	}
	if resp.IsError() {
		slog.Error("embedding.Embed: service error", "status", resp.StatusCode(), "detail", svcErr.Detail)
		return Embedding{}, fmt.Errorf("%w: embed returned %d: %s", models.ErrProvider, resp.StatusCode(), svcErr.Detail)
	}
	if len(out.Vector) == 0 {
		return Embedding{}, fmt.Errorf("%w: embed returned an empty embedding", models.ErrProvider)
	}
	slog.Debug("embedding.Embed: extracted", "dim", len(out.Vector), "snr", out.SNR)
	return out, nil
}

type compareRequest struct {
	Baseline []float64 `json:"baseline"`
	Current  []float64 `json:"current"`
	SNR      float64   `json:"snr"`
	Hour     *int      `json:"hour,omitempty"`
}

// Compare scores current against baseline on the service.
func (c *Client) Compare(ctx context.Context, baseline, current []float64, snr float64, hour *int) (Comparison, error) {
	var out Comparison
	var svcErr serviceError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(compareRequest{Baseline: baseline, Current: current, SNR: snr, Hour: hour}).
		SetResult(&out).
		SetError(&svcErr).
		Post("/compare")
	if err != nil {
		return Comparison{}, fmt.Errorf("%w: compare: %v", models.ErrProvider, err)
	}
	if resp.IsError() {
		return Comparison{}, fmt.Errorf("%w: compare returned %d: %s", models.ErrProvider, resp.StatusCode(), svcErr.Detail)
	}
	return out, nil
}

// Health fetches the service health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err != nil {
		return Health{}, fmt.Errorf("%w: health: %v", models.ErrProvider, err)
	}
	if resp.IsError() {
		return Health{}, fmt.Errorf("%w: health returned %d", models.ErrProvider, resp.StatusCode())
	}
	return out, nil
}

// LocalComparer scores embeddings in-process with the same math as the service.
type LocalComparer struct{}

// Compare implements the comparer used by the anomaly bridge.
func (LocalComparer) Compare(_ context.Context, baseline, current []float64, snr float64, hour *int) (Comparison, error) {
	return Score(baseline, current, snr, hour)
}
