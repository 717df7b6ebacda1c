// Package tools routes provider tool calls to their side effects on the patient timeline.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
)

// ToolName is the closed set of tools the voice assistant may call.
type ToolName string

const (
	ToolStoreDailyCheckIn    ToolName = "storeDailyCheckIn"
	ToolUpdateFlags          ToolName = "updateFlags"
	ToolMarkMedicationStatus ToolName = "markMedicationStatus"
	ToolLogCallAttempt       ToolName = "logCallAttempt"
	ToolNotifyCaregiver      ToolName = "notifyCaregiver"
	ToolCheckVoiceAnomaly    ToolName = "checkVoiceAnomaly"
)

// CallLogWindow is how far from a call's timestamp an existing log still counts as the same call.
const CallLogWindow = 5 * time.Minute

// Context identifies the call a tool invocation belongs to.
type Context struct {
	PatientID     string
	CallID        string
	CallLogID     string
	AssistantName string
	Timestamp     time.Time
	Timezone      string
}

// Date returns the patient-local calendar day of the call.
func (c Context) Date() string {
	return localDate(c.Timezone, c.Timestamp)
}

// Result is the per-tool outcome reported back to the provider.
type Result struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Handler applies one tool's side effect.
type Handler func(ctx context.Context, tc Context, params map[string]interface{}) (interface{}, error)

// Repo is the persistence the handlers need.
type Repo interface {
	store.PatientRepo
	store.CallLogRepo
	store.CheckInRepo
}

// Notifier queues a caregiver notification.
type Notifier interface {
	Notify(ctx context.Context, patient *models.Patient, priority models.Priority, title, message, dedupeKey string) (string, error)
}

// Router maps tool names to handlers.
type Router struct {
	repo     Repo
	notifier Notifier
	handlers map[ToolName]Handler
}

// NewRouter builds the router with its fixed handler table.
func NewRouter(repo Repo, notifier Notifier) *Router {
	r := &Router{repo: repo, notifier: notifier}
	r.handlers = map[ToolName]Handler{
		ToolStoreDailyCheckIn:    r.storeDailyCheckIn,
		ToolUpdateFlags:          r.updateFlags,
		ToolMarkMedicationStatus: r.markMedicationStatus,
		ToolLogCallAttempt:       r.logCallAttempt,
		ToolNotifyCaregiver:      r.notifyCaregiver,
		ToolCheckVoiceAnomaly:    r.checkVoiceAnomaly,
	}
	return r
}

// Known reports whether name is a routed tool.
func (r *Router) Known(name string) bool {
	_, ok := r.handlers[ToolName(name)]
	return ok
}

// Route runs one tool call. It never panics and never returns an error; failures are
// reported in the Result.
func (r *Router) Route(ctx context.Context, tc Context, call models.NormalizedToolCall) (res Result) {
	h, ok := r.handlers[ToolName(call.Name)]
	if !ok {
		slog.Warn("Router.Route: unknown tool", "toolName", call.Name, "patientID", tc.PatientID, "callID", tc.CallID)
		metrics.RecordToolCall("unknown", false)
		return Result{Success: false, Error: fmt.Sprintf("Unknown tool: %s", call.Name)}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Router.Route: tool panicked", "toolName", call.Name, "patientID", tc.PatientID, "panic", p, "stack", string(debug.Stack()))
			res = Result{Success: false, Error: fmt.Sprintf("tool %s failed: internal error", call.Name)}
		}
		metrics.RecordToolCall(call.Name, res.Success)
	}()

	params := call.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	slog.Debug("Router.Route: executing tool", "toolName", call.Name, "toolCallID", call.ID, "patientID", tc.PatientID)
	out, err := h(ctx, tc, params)
	if err != nil {
		slog.Warn("Router.Route: tool failed", "toolName", call.Name, "patientID", tc.PatientID, "error", err)
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Result: out}
}
