// Package webhook turns the voice provider's callbacks into normalized call events and
// feeds them through the reconciler.
package webhook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CareCall/internal/models"
)

var (
	callPaths = []string{"call", "message.call", "message.callData", "message.call_report", "data.call", "callData"}

	statusPaths = []string{"call.status", "message.type", "message.status", "status", "type"}

	transcriptPaths = []string{"call.transcript", "message.transcript", "message.artifact.transcript", "call.artifact.transcript", "transcript"}

	recordingPaths = []string{"call.recordingUrl", "call.artifact.recordingUrl", "message.recordingUrl", "message.artifact.recordingUrl", "recordingUrl", "artifact.recordingUrl"}

	summaryPaths = []string{"call.summary", "call.analysis.summary", "message.analysis.summary", "message.summary", "summary", "analysis.summary"}

	phonePaths = []string{"call.customer.number", "message.customer.number", "customer.number"}

	assistantIDPaths = []string{"call.assistantId", "message.assistant.id", "assistant.id", "call.assistant.id"}

	assistantNamePaths = []string{"message.assistant.name", "call.assistant.name", "assistant.name"}

	endedReasonPaths = []string{"call.endedReason", "message.endedReason", "endedReason"}

	patientIDPaths = []string{
		"call.assistantOverrides.variableValues.patientId",
		"message.assistant.variableValues.patientId",
		"assistant.variableValues.patientId",
		"call.assistant.variableValues.patientId",
		"assistantOverrides.variableValues.patientId",
	}

	timestampPaths = []string{"call.endedAt", "message.endedAt", "message.timestamp", "timestamp", "call.updatedAt", "call.createdAt"}

	toolCallPaths = []string{
		"message.toolCalls",
		"message.toolCallList",
		"message.toolWithToolCallList.#.toolCall",
		"call.toolCalls",
		"toolCalls",
		"message.artifact.messages.#.toolCalls|@flatten",
	}
)

var endedStatuses = map[string]struct{}{
	"ended":              {},
	"completed":          {},
	"end-of-call-report": {},
}

// parsed is everything extracted from one payload, before the ended check.
type parsed struct {
	event   models.NormalizedCallEvent
	hasCall bool
	ended   bool
}

// Normalize extracts a call-ended event from body. ok is false when the payload has no
// call object or the call has not ended; such payloads are acknowledged and ignored.
func Normalize(body []byte) (models.NormalizedCallEvent, bool) {
	p, err := parse(body)
	if err != nil {
		slog.Warn("webhook.Normalize: invalid payload", "error", err)
		return models.NormalizedCallEvent{}, false
	}
	if !p.hasCall || !p.ended {
		slog.Debug("webhook.Normalize: ignoring payload", "hasCall", p.hasCall, "status", p.event.Status)
		return p.event, false
	}
	return p.event, true
}

func parse(body []byte) (parsed, error) {
	if !gjson.ValidBytes(body) {
		return parsed{}, fmt.Errorf("%w: body is not valid JSON", models.ErrValidation)
	}
	root := gjson.ParseBytes(body)

	// Re-root the "call." paths at whichever candidate location holds the call object.
	call := gjson.Result{}
	for _, path := range callPaths {
		if r := root.Get(path); r.IsObject() {
			call = r
			break
		}
	}
	get := func(paths []string) gjson.Result {
		for _, path := range paths {
			var r gjson.Result
			if rest, ok := strings.CutPrefix(path, "call."); ok {
				if !call.Exists() {
					continue
				}
				r = call.Get(rest)
			} else {
				r = root.Get(path)
			}
			if r.Exists() && r.Type != gjson.Null && strings.TrimSpace(r.String()) != "" {
				return r
			}
		}
		return gjson.Result{}
	}

	var p parsed
	p.hasCall = call.Exists()
	for _, path := range statusPaths {
		r := get([]string{path})
		if !r.Exists() {
			continue
		}
		s := strings.ToLower(r.String())
		if p.event.Status == "" {
			p.event.Status = s
		}
		if _, ok := endedStatuses[s]; ok {
			p.event.Status = s
			p.ended = true
			break
		}
	}

	p.event.CallID = call.Get("id").String()
	p.event.CustomerPhone = get(phonePaths).String()
	p.event.AssistantID = get(assistantIDPaths).String()
	p.event.AssistantName = get(assistantNamePaths).String()
	p.event.EndedReason = get(endedReasonPaths).String()
	p.event.Transcript = get(transcriptPaths).String()
	p.event.RecordingURL = get(recordingPaths).String()
	p.event.Summary = get(summaryPaths).String()
	p.event.ContextPatientID = get(patientIDPaths).String()
	p.event.Timestamp = parseTimestamp(get(timestampPaths))
	p.event.ToolCalls = extractToolCalls(root, call)
	return p, nil
}

func parseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		// epoch milliseconds
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.String()); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// extractToolCalls gathers tool calls from every known location, de-duplicated by id, or
// by name and ordinal when the provider sent no id. Ordinals count within one location,
// so the same id-less call echoed in two locations gets the same key.
func extractToolCalls(root, call gjson.Result) []models.NormalizedToolCall {
	out := []models.NormalizedToolCall{}
	seen := make(map[string]struct{})

	for _, path := range toolCallPaths {
		ordinals := make(map[string]int)
		var arr gjson.Result
		if rest, ok := strings.CutPrefix(path, "call."); ok {
			arr = call.Get(rest)
		} else {
			arr = root.Get(path)
		}
		if !arr.IsArray() {
			continue
		}
		arr.ForEach(func(_, item gjson.Result) bool {
			if !item.IsObject() {
				return true
			}
			tc := normalizeToolCall(item)
			if tc.Name == "" {
				return true
			}
			if tc.ID != "" {
				tc.Key = tc.ID
			} else {
				tc.Key = fmt.Sprintf("%s#%d", tc.Name, ordinals[tc.Name])
				ordinals[tc.Name]++
			}
			if _, dup := seen[tc.Key]; dup {
				return true
			}
			seen[tc.Key] = struct{}{}
			out = append(out, tc)
			return true
		})
	}
	return out
}

func normalizeToolCall(item gjson.Result) models.NormalizedToolCall {
	tc := models.NormalizedToolCall{
		ID:   item.Get("id").String(),
		Name: item.Get("name").String(),
	}
	if tc.Name == "" {
		tc.Name = item.Get("function.name").String()
	}
	tc.Parameters = map[string]interface{}{}
	for _, path := range []string{"parameters", "arguments", "function.arguments", "function.parameters"} {
		r := item.Get(path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		tc.Parameters = decodeParameters(tc.Name, r)
		break
	}
	if r := item.Get("result"); r.Exists() {
		tc.Result = r.Value()
	}
	return tc
}

// decodeParameters accepts an object or a JSON-encoded object string. Anything else
// yields an empty parameter set.
func decodeParameters(name string, r gjson.Result) map[string]interface{} {
	raw := r.Raw
	if r.Type == gjson.String {
		raw = r.String()
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil || params == nil {
		slog.Warn("webhook.decodeParameters: unparseable tool parameters", "toolName", name, "error", err)
		return map[string]interface{}{}
	}
	return params
}
