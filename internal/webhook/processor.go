package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/reconcile"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/tools"
)

// Reconciler merges a call event into the patient timeline.
type Reconciler interface {
	Reconcile(ctx context.Context, patient *models.Patient, ev models.NormalizedCallEvent, applied map[string]bool) (*reconcile.Result, error)
}

// ToolRouter applies one tool call.
type ToolRouter interface {
	Route(ctx context.Context, tc tools.Context, call models.NormalizedToolCall) tools.Result
}

// AnomalyChecker runs the post-call voice check.
type AnomalyChecker interface {
	Check(ctx context.Context, req anomaly.Request) (anomaly.Result, error)
}

// Outcome reports what HandleCallEnded did with a payload.
type Outcome struct {
	Processed bool   `json:"processed"`
	CallLogID string `json:"callLogId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ToolCallResult is one entry of the tool response returned to the provider.
type ToolCallResult struct {
	ToolCallID string      `json:"toolCallId"`
	Name       string      `json:"name,omitempty"`
	Result     interface{} `json:"result"`
}

// ToolResponse is the answer to a mid-call tool request.
type ToolResponse struct {
	Success bool             `json:"success"`
	Result  interface{}      `json:"result,omitempty"`
	Results []ToolCallResult `json:"results"`
}

// Processor handles provider webhooks.
type Processor struct {
	resolver   *PatientResolver
	reconciler Reconciler
	router     ToolRouter
	dedup      store.DedupRepo
	anomaly    AnomalyChecker
	thresholds anomaly.Thresholds
}

// Option configures a Processor.
type Option func(*Processor)

// WithAnomalyChecker runs a voice check for answered calls that carry a recording.
func WithAnomalyChecker(a AnomalyChecker, th anomaly.Thresholds) Option {
	return func(p *Processor) {
		p.anomaly = a
		p.thresholds = th
	}
}

// NewProcessor creates a Processor.
func NewProcessor(resolver *PatientResolver, reconciler Reconciler, router ToolRouter, dedup store.DedupRepo, opts ...Option) *Processor {
	p := &Processor{resolver: resolver, reconciler: reconciler, router: router, dedup: dedup, thresholds: anomaly.PostCall}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func dedupeKey(callID, toolKey string) string {
	return fmt.Sprintf("tool:%s:%s", callID, toolKey)
}

// HandleCallEnded processes a call-ended payload. It never returns an error: every
// failure is logged and reported in the Outcome so the provider always gets a 2xx.
func (p *Processor) HandleCallEnded(ctx context.Context, body []byte) Outcome {
	ev, ok := Normalize(body)
	if !ok {
		metrics.RecordWebhookEvent("ignored")
		return Outcome{Reason: "not_ended"}
	}

	patient, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		slog.Warn("Processor.HandleCallEnded: patient not resolved", "callID", ev.CallID, "phone", ev.CustomerPhone, "error", err)
		metrics.RecordWebhookEvent("error")
		return Outcome{Reason: "patient_not_found"}
	}

	applied, fresh := p.claimToolCalls(patient.ID, ev)

	res, err := p.reconciler.Reconcile(ctx, patient, ev, applied)
	if err != nil {
		slog.Error("Processor.HandleCallEnded: reconcile failed", "callID", ev.CallID, "patientID", patient.ID, "error", err)
		// let a redelivery retry the side effects
		for _, key := range fresh {
			p.forget(key)
		}
		metrics.RecordWebhookEvent("error")
		return Outcome{Reason: "reconcile_failed"}
	}
	p.settleToolCalls(ev.CallID, res.ToolResults)

	if res.Answered && ev.RecordingURL != "" && p.anomaly != nil {
		p.checkAnomaly(ctx, patient, res.CallLog.ID, ev.RecordingURL)
	}

	metrics.RecordWebhookEvent("processed")
	return Outcome{Processed: true, CallLogID: res.CallLog.ID}
}

// claimToolCalls records each tool call in the dedup table. Calls already recorded on an
// earlier delivery are returned in applied; newly recorded keys are returned in fresh.
func (p *Processor) claimToolCalls(patientID string, ev models.NormalizedCallEvent) (map[string]bool, []string) {
	applied := make(map[string]bool)
	var fresh []string
	if p.dedup == nil {
		return applied, nil
	}
	for _, tc := range ev.ToolCalls {
		key := dedupeKey(ev.CallID, tc.Key)
		isNew, err := p.dedup.RecordInbound(key, patientID)
		if err != nil {
			slog.Error("Processor.claimToolCalls: dedup record failed", "key", key, "error", err)
			continue
		}
		if !isNew {
			slog.Debug("Processor.claimToolCalls: tool call already applied", "key", key)
			applied[tc.Key] = true
			continue
		}
		fresh = append(fresh, key)
	}
	return applied, fresh
}

// settleToolCalls marks successful tool calls processed and forgets failed ones so a
// redelivery can retry them.
func (p *Processor) settleToolCalls(callID string, results map[string]tools.Result) {
	if p.dedup == nil {
		return
	}
	for toolKey, r := range results {
		key := dedupeKey(callID, toolKey)
		if r.Success {
			if err := p.dedup.MarkProcessed(key); err != nil {
				slog.Warn("Processor.settleToolCalls: mark processed failed", "key", key, "error", err)
			}
			continue
		}
		p.forget(key)
	}
}

func (p *Processor) forget(key string) {
	if err := p.dedup.ForgetInbound(key); err != nil {
		slog.Warn("Processor.forget: forget inbound failed", "key", key, "error", err)
	}
}

func (p *Processor) checkAnomaly(ctx context.Context, patient *models.Patient, callLogID, recordingURL string) {
	res, err := p.anomaly.Check(ctx, anomaly.Request{
		Patient:    patient,
		CallLogID:  callLogID,
		AudioURL:   recordingURL,
		Thresholds: p.thresholds,
	})
	if err != nil {
		slog.Error("Processor.checkAnomaly: voice check failed", "patientID", patient.ID, "callLogID", callLogID, "error", err)
		return
	}
	slog.Info("Processor.checkAnomaly: voice check complete", "patientID", patient.ID, "score", res.AnomalyScore, "alert", res.AlertType, "note", res.Note)
}

// HandleToolRequest routes the tool calls of a mid-call request. It fails when no tool
// calls are present, the patient cannot be resolved, or every tool call fails.
func (p *Processor) HandleToolRequest(ctx context.Context, body []byte) (*ToolResponse, error) {
	parsed, err := parse(body)
	if err != nil {
		return nil, err
	}
	ev := parsed.event
	if len(ev.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: no tool calls in request", models.ErrValidation)
	}
	patient, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	tc := tools.Context{
		PatientID:     patient.ID,
		CallID:        ev.CallID,
		AssistantName: ev.AssistantName,
		Timestamp:     time.Now().UTC(),
		Timezone:      patient.Timezone,
	}
	resp := &ToolResponse{Results: make([]ToolCallResult, 0, len(ev.ToolCalls))}
	succeeded := 0
	var lastErr string
	for _, call := range ev.ToolCalls {
		key := dedupeKey(ev.CallID, call.Key)
		var r tools.Result
		isNew := true
		if p.dedup != nil && ev.CallID != "" {
			if isNew, err = p.dedup.RecordInbound(key, patient.ID); err != nil {
				slog.Error("Processor.HandleToolRequest: dedup record failed", "key", key, "error", err)
				isNew = true
			}
		}
		if isNew {
			r = p.router.Route(ctx, tc, call)
			if p.dedup != nil && ev.CallID != "" {
				p.settleToolCalls(ev.CallID, map[string]tools.Result{call.Key: r})
			}
		} else {
			r = tools.Result{Success: true, Result: map[string]interface{}{"duplicate": true}}
		}
		if r.Success {
			succeeded++
		} else {
			lastErr = r.Error
		}
		id := call.ID
		if id == "" {
			id = call.Key
		}
		resp.Results = append(resp.Results, ToolCallResult{ToolCallID: id, Name: call.Name, Result: r})
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all %d tool calls failed: %s", len(ev.ToolCalls), lastErr)
	}
	resp.Success = true
	resp.Result = resp.Results[0].Result
	return resp, nil
}
