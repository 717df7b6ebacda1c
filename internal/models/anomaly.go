package models

import "time"

// AlertType is the caregiver alert level derived from a voice anomaly score.
type AlertType string

const (
	AlertNone      AlertType = ""
	AlertWarning   AlertType = "warning"
	AlertEmergency AlertType = "emergency"
)

// VoiceBaseline is a patient's reference voice embedding, captured once from a healthy call.
type VoiceBaseline struct {
	PatientID       string    `json:"patientId"`
	Embedding       []float64 `json:"embedding"`
	SNR             float64   `json:"snr"`
	SourceCallLogID string    `json:"sourceCallLogId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// VoiceAnomalyLog is the persisted result of one anomaly check.
type VoiceAnomalyLog struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patientId"`
	CallLogID       *string   `json:"callLogId"`
	AnomalyScore    float64   `json:"anomalyScore"`
	RawSimilarity   float64   `json:"rawSimilarity"`
	NormalizedScore float64   `json:"normalizedScore"`
	SNR             float64   `json:"snr"`
	AlertType       AlertType `json:"alertType"`
	BaselineRef     string    `json:"baselineRef,omitempty"`
	CurrentRef      string    `json:"currentRef,omitempty"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}
