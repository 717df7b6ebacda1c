// Package models defines the core data structures for CareCall.
//
// It includes the patient profile, call logs, daily rollups, voice anomaly records,
// and the canonical webhook event shapes shared across modules.
package models

import (
	"errors"
)

// Error variables for better error handling and testability
var (
	// ErrNotFound is returned by repositories when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks caller input that failed validation. Wrap it with context.
	ErrValidation = errors.New("validation failed")
	// ErrProvider marks a failure reported by an external provider (voice, TTS, embedding).
	ErrProvider = errors.New("provider error")
	// ErrEmptyPatientID is returned when a request omits the patient identifier.
	ErrEmptyPatientID = errors.New("patientId is required")
	// ErrEmptyAudioURL is returned when an anomaly check omits the recording URL.
	ErrEmptyAudioURL = errors.New("audioUrl is required")
)

// APIResponse is the envelope used by caregiver-facing endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Success: true, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Success: false, Error: message}
}
