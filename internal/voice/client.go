package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CareCall/internal/models"
)

const (
	DefaultBaseURL = "https://api.vapi.ai"
	DefaultTimeout = 30 * time.Second
	// DefaultRPS bounds outbound provider RPCs across all dispatch goroutines.
	DefaultRPS   = 5
	DefaultBurst = 5
)

// Opts holds configuration options for the voice client.
type Opts struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	ServerURL     string
	Timeout       time.Duration
	RPS           float64
	Burst         int
}

// Option defines a configuration option for the voice client.
type Option func(*Opts)

// WithBaseURL overrides the provider API base URL.
func WithBaseURL(u string) Option { return func(o *Opts) { o.BaseURL = u } }

// WithAPIKey sets the bearer key.
func WithAPIKey(k string) Option { return func(o *Opts) { o.APIKey = k } }

// WithPhoneNumberID sets the provider phone number calls are placed from.
func WithPhoneNumberID(id string) Option { return func(o *Opts) { o.PhoneNumberID = id } }

// WithServerURL sets the webhook URL the provider reports back to.
func WithServerURL(u string) Option { return func(o *Opts) { o.ServerURL = u } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(o *Opts) { o.Timeout = d } }

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RPS = rps
		o.Burst = burst
	}
}

// Client talks to the provider's REST API.
type Client struct {
	http          *resty.Client
	limiter       *rate.Limiter
	phoneNumberID string
	serverURL     string
}

var _ Provider = (*Client)(nil)

// NewClient creates a voice provider client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout, RPS: DefaultRPS, Burst: DefaultBurst}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("voice API key not set")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	slog.Debug("voice.NewClient: client created", "baseURL", cfg.BaseURL, "rps", cfg.RPS)
	return &Client{
		http:          rc,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		phoneNumberID: cfg.PhoneNumberID,
		serverURL:     cfg.ServerURL,
	}, nil
}

type customer struct {
	Number string `json:"number"`
}

type voiceOverride struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type assistantOverrides struct {
	VariableValues Variables      `json:"variableValues"`
	Voice          *voiceOverride `json:"voice,omitempty"`
	ServerURL      string         `json:"serverUrl,omitempty"`
}

type placeCallBody struct {
	AssistantID        string             `json:"assistantId"`
	PhoneNumberID      string             `json:"phoneNumberId,omitempty"`
	Customer           customer           `json:"customer"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
}

type apiError struct {
	Message interface{} `json:"message"`
	Error   string      `json:"error"`
}

// PlaceCall asks the provider to dial req.CustomerNumber.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if req.CustomerNumber == "" {
		return nil, fmt.Errorf("%w: customer number is empty", models.ErrValidation)
	}
	if req.AssistantID == "" {
		return nil, fmt.Errorf("%w: assistant id is empty", models.ErrValidation)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body := placeCallBody{
		AssistantID:   req.AssistantID,
		PhoneNumberID: c.phoneNumberID,
		Customer:      customer{Number: req.CustomerNumber},
		AssistantOverrides: assistantOverrides{
			VariableValues: req.Variables,
			ServerURL:      c.serverURL,
		},
	}
	if req.VoiceID != "" {
		body.AssistantOverrides.Voice = &voiceOverride{Provider: "11labs", VoiceID: req.VoiceID}
	}

	var call Call
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&call).
		SetError(&apiErr).
		Post("/call")
	if err != nil {
		slog.Error("voice.PlaceCall: request failed", "error", err, "patientID", req.Variables.PatientID)
		return nil, fmt.Errorf("%w: place call: %v", models.ErrProvider, err)
	}
	if resp.IsError() {
		slog.Error("voice.PlaceCall: provider rejected call", "status", resp.StatusCode(), "message", apiErr.Message)
		return nil, fmt.Errorf("%w: place call returned %d: %v", models.ErrProvider, resp.StatusCode(), apiErr.Message)
	}
	if call.ID == "" {
		return nil, fmt.Errorf("%w: place call returned no call id", models.ErrProvider)
	}
	slog.Info("voice.PlaceCall: call placed", "callID", call.ID, "patientID", req.Variables.PatientID)
	return &call, nil
}

// GetCall fetches the current state of a call.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var call Call
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&call).
		SetError(&apiErr).
		Get("/call/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: get call %s: %v", models.ErrProvider, id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: get call %s returned %d: %v", models.ErrProvider, id, resp.StatusCode(), apiErr.Message)
	}
	return &call, nil
}
