package models

import (
	"regexp"
	"strings"
	"time"
)

// DailyCheckIn is the per-patient, per-calendar-day rollup of answered calls.
type DailyCheckIn struct {
	PatientID       string    `json:"patientId"`
	Date            string    `json:"date"` // YYYY-MM-DD in the patient's timezone
	Mood            Mood      `json:"mood"`
	SleepHours      *float64  `json:"sleepHours,omitempty"`
	SleepQuality    string    `json:"sleepQuality,omitempty"`
	MedsTaken       []string  `json:"medsTaken"`
	Flags           []string  `json:"flags"`
	Summary         string    `json:"summary,omitempty"`
	AnomalyScore    *float64  `json:"anomalyScore,omitempty"`
	AnomalySeverity AlertType `json:"anomalySeverity,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CheckInPatch carries the fields a storeDailyCheckIn tool call may set.
// Nil or empty fields leave the stored value untouched.
type CheckInPatch struct {
	Mood         *Mood
	SleepHours   *float64
	SleepQuality string
	Summary      string
}

// MedicationLog records whether one medication was taken on one day.
type MedicationLog struct {
	PatientID string    `json:"patientId"`
	MedName   string    `json:"medName"`
	Date      string    `json:"date"`
	Taken     bool      `json:"taken"`
	CallLogID string    `json:"callLogId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlagType categorizes a flag record.
type FlagType string

const (
	FlagTypeFall      FlagType = "fall"
	FlagTypeMedMissed FlagType = "med_missed"
	FlagTypeOther     FlagType = "other"
)

// FlagSeverity is the caregiver-facing urgency of a flag.
type FlagSeverity string

const (
	SeverityRed    FlagSeverity = "red"
	SeverityYellow FlagSeverity = "yellow"
)

// FlagRecord is one flag raised about a patient, kept for analytics and health checks.
type FlagRecord struct {
	ID        string       `json:"id"`
	PatientID string       `json:"patientId"`
	CallLogID string       `json:"callLogId,omitempty"`
	Flag      string       `json:"flag"`
	Type      FlagType     `json:"type"`
	Severity  FlagSeverity `json:"severity"`
	Health    bool         `json:"health"`
	Resolved  bool         `json:"resolved"`
	CreatedAt time.Time    `json:"createdAt"`
}

// sicknessPattern matches whole sickness words, so "pill" and "still" do not count as "ill".
var sicknessPattern = regexp.MustCompile(`(?i)\b(sick\w*|fever\w*|pain(s|ful)?|ill|illness|flu|cold|colds|cough\w*|nause\w*|dizz\w*|infect\w*|covid(-19)?|vomit\w*|hospital\w*)\b`)

// IndicatesSickness reports whether text mentions a sickness word.
func IndicatesSickness(text string) bool {
	return sicknessPattern.MatchString(text)
}

// ClassifyFlag derives the type and severity of a free-text flag by substring match.
// "fall" wins over "med" when both appear.
func ClassifyFlag(flag string) (FlagType, FlagSeverity) {
	lower := strings.ToLower(flag)
	switch {
	case strings.Contains(lower, "fall"), strings.Contains(lower, "fell"):
		return FlagTypeFall, SeverityRed
	case strings.Contains(lower, "med"):
		return FlagTypeMedMissed, SeverityYellow
	default:
		return FlagTypeOther, SeverityYellow
	}
}

// NewFlagRecord builds a classified flag record for a patient.
func NewFlagRecord(patientID, callLogID, flag string, at time.Time) FlagRecord {
	typ, sev := ClassifyFlag(flag)
	return FlagRecord{
		PatientID: patientID,
		CallLogID: callLogID,
		Flag:      flag,
		Type:      typ,
		Severity:  sev,
		Health:    IndicatesSickness(flag),
		CreatedAt: at,
	}
}

// MoodLog is one mood observation from an answered call.
type MoodLog struct {
	PatientID  string    `json:"patientId"`
	CallLogID  string    `json:"callLogId"`
	Mood       Mood      `json:"mood"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SleepLog is one sleep report from an answered call.
type SleepLog struct {
	PatientID string    `json:"patientId"`
	CallLogID string    `json:"callLogId"`
	Hours     *float64  `json:"hours,omitempty"`
	Quality   string    `json:"quality,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
