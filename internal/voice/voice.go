// Package voice is the client for the outbound voice-AI provider that places check-in calls.
package voice

import (
	"context"
	"strings"
	"time"
)

// Provider call statuses.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusEnded      = "ended"
)

// Variables are injected into the assistant prompt and echoed back in webhooks.
// PatientID is the active-call context token used to resolve shared phone numbers.
type Variables struct {
	Name        string   `json:"name"`
	Age         int      `json:"age,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
	PatientID   string   `json:"patientId"`
}

// CallRequest describes one outbound call.
type CallRequest struct {
	CustomerNumber string
	AssistantID    string
	VoiceID        string
	Variables      Variables
}

// Call is the provider's view of a call attempt. It is never persisted directly.
type Call struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	EndedReason string    `json:"endedReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// Ended reports whether the provider has finished the call.
func (c Call) Ended() bool {
	return c.Status == StatusEnded
}

// Provider places calls and reports their status.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
	GetCall(ctx context.Context, id string) (*Call, error)
}

// IsVoicemail reports whether endedReason says the call reached voicemail.
func IsVoicemail(endedReason string) bool {
	return strings.Contains(strings.ToLower(endedReason), "voicemail")
}

// IsNoAnswer reports whether endedReason says nobody picked up.
func IsNoAnswer(endedReason string) bool {
	r := strings.ToLower(endedReason)
	return strings.Contains(r, "did-not-answer") || strings.Contains(r, "no-answer")
}

// IsBusy reports whether endedReason says the line was busy.
func IsBusy(endedReason string) bool {
	return strings.Contains(strings.ToLower(endedReason), "busy")
}

// IsConnectionError reports whether the provider flagged a connection or pipeline failure.
func IsConnectionError(endedReason string) bool {
	r := strings.ToLower(endedReason)
	return strings.Contains(r, "failed-to-connect") ||
		strings.Contains(r, "pipeline-error") ||
		strings.Contains(r, "error")
}

// AttemptFailed reports whether an ended call counts as a failed check-in attempt.
func AttemptFailed(endedReason string) bool {
	return IsVoicemail(endedReason) || IsNoAnswer(endedReason) || IsBusy(endedReason) || IsConnectionError(endedReason)
}
