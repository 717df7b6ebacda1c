package tools

import (
	"strings"

	"github.com/BTreeMap/CareCall/internal/models"
)

// CallFields are the values a tool call contributes to its call log.
type CallFields struct {
	Tool         ToolName
	Medication   string
	Taken        *bool // nil unless the call carries a boolean taken
	MedsTaken    []string
	Flags        []string
	SleepHours   *float64
	SleepQuality string
	Summary      string
	Outcome      models.CallOutcome
	Transcript   string
	Mood         *models.Mood
}

// Fields extracts the reconciler-relevant values of tc without side effects.
func Fields(tc models.NormalizedToolCall) CallFields {
	p := tc.Parameters
	if p == nil {
		p = map[string]interface{}{}
	}
	f := CallFields{Tool: ToolName(tc.Name)}
	switch f.Tool {
	case ToolStoreDailyCheckIn:
		f.SleepHours = floatParam(p, "sleepHours", "sleep_hours")
		f.SleepQuality = stringParam(p, "sleepQuality", "sleep_quality")
		f.Summary = stringParam(p, "summary")
		if m := models.Mood(strings.ToLower(stringParam(p, "mood"))); models.IsValidMood(m) {
			f.Mood = &m
		}
	case ToolUpdateFlags:
		f.Flags = stringsParam(p, "flags", "flag")
	case ToolMarkMedicationStatus:
		f.Medication = stringParam(p, "medName", "medication")
		if taken, ok := boolParam(p, "taken"); ok && f.Medication != "" {
			f.Taken = &taken
			if taken {
				f.MedsTaken = []string{f.Medication}
			}
		}
	case ToolLogCallAttempt:
		if o := models.CallOutcome(strings.ToLower(stringParam(p, "outcome"))); models.IsValidCallOutcome(o) {
			f.Outcome = o
		}
		f.Transcript = stringParam(p, "transcript")
		f.Summary = stringParam(p, "summary")
	}
	return f
}
