package models

import "time"

// NormalizedToolCall is one tool invocation extracted from a provider payload.
// Parameters is always a decoded JSON object, never a string.
type NormalizedToolCall struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Result     interface{}            `json:"result,omitempty"`
	// Key is the deduplication key: the provider id, or name#ordinal when absent.
	Key string `json:"key"`
}

// NormalizedCallEvent is the canonical shape of a provider callback.
type NormalizedCallEvent struct {
	CallID           string               `json:"callId"`
	Status           string               `json:"status"`
	EndedReason      string               `json:"endedReason,omitempty"`
	CustomerPhone    string               `json:"customerPhone"`
	AssistantID      string               `json:"assistantId,omitempty"`
	AssistantName    string               `json:"assistantName,omitempty"`
	Transcript       string               `json:"transcript,omitempty"`
	RecordingURL     string               `json:"recordingUrl,omitempty"`
	Summary          string               `json:"summary,omitempty"`
	ContextPatientID string               `json:"contextPatientId,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	ToolCalls        []NormalizedToolCall `json:"toolCalls"`
}
