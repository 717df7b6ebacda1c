package models

import "time"

// CallOutcome is the final disposition of one call attempt.
type CallOutcome string

const (
	OutcomeAnswered  CallOutcome = "answered"
	OutcomeNoAnswer  CallOutcome = "no_answer"
	OutcomeBusy      CallOutcome = "busy"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeVoicemail CallOutcome = "voicemail"
	// OutcomePending marks a stub written at dispatch time, before the provider reports back.
	OutcomePending CallOutcome = "pending"
)

// IsValidCallOutcome checks if the given outcome is one the provider or assistant may report.
func IsValidCallOutcome(o CallOutcome) bool {
	switch o {
	case OutcomeAnswered, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed, OutcomeVoicemail:
		return true
	default:
		return false
	}
}

// Mood is a coarse classification of how the patient sounded.
type Mood string

const (
	MoodGood    Mood = "good"
	MoodNeutral Mood = "neutral"
	MoodBad     Mood = "bad"
)

// IsValidMood checks if the given mood is a known classification.
func IsValidMood(m Mood) bool {
	switch m {
	case MoodGood, MoodNeutral, MoodBad:
		return true
	default:
		return false
	}
}

// CallLog is the single reconciled record of one call attempt.
type CallLog struct {
	ID             string      `json:"id"`
	PatientID      string      `json:"patientId"`
	ProviderCallID string      `json:"providerCallId,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	AssistantName  string      `json:"assistantName,omitempty"`
	Outcome        CallOutcome `json:"outcome"`
	Transcript     string      `json:"transcript,omitempty"`
	Mood           *Mood       `json:"mood"`
	SentimentScore *float64    `json:"sentimentScore,omitempty"`
	Summary        string      `json:"summary,omitempty"`
	MedsTaken      []string    `json:"medsTaken"`
	Flags          []string    `json:"flags"`
	SleepHours     *float64    `json:"sleepHours,omitempty"`
	SleepQuality   string      `json:"sleepQuality,omitempty"`
	AnomalyScore   *float64    `json:"anomalyScore,omitempty"`
	RecordingURL   string      `json:"recordingUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Answered reports whether the call reached the patient.
func (c CallLog) Answered() bool {
	return c.Outcome == OutcomeAnswered
}
