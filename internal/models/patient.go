package models

import (
	"slices"
	"strings"
	"time"
)

// Patient is the identity and scheduling profile of a person receiving check-in calls.
type Patient struct {
	ID           string     `json:"id"`
	CaregiverID  string     `json:"caregiverId"`
	Name         string     `json:"name"`
	Age          int        `json:"age,omitempty"`
	Phone        string     `json:"phone"`
	Timezone     string     `json:"timezone"`
	CallSchedule []string   `json:"callSchedule"` // canonical "HH:00" buckets
	LastCallAt   *time.Time `json:"lastCallAt,omitempty"`
	Flags        []string   `json:"flags"`
	AssistantID  string     `json:"assistantId,omitempty"`
	VoiceID      string     `json:"voiceId,omitempty"`
	Medications  []string   `json:"medications,omitempty"`
	Conditions   []string   `json:"conditions,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// HasFlag reports whether the patient carries flag (case-insensitive).
func (p Patient) HasFlag(flag string) bool {
	return slices.ContainsFunc(p.Flags, func(f string) bool {
		return strings.EqualFold(f, flag)
	})
}

// Caregiver is the person notified about a patient's check-ins.
type Caregiver struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// FlagDidNotAnswerTwice is appended to a patient when both dispatch attempts fail.
const FlagDidNotAnswerTwice = "did_not_answer_twice"

// UnionStrings appends the members of add that are not already present in base,
// keeping first-seen order. Empty strings are dropped.
func UnionStrings(base []string, add ...string) []string {
	out := make([]string, 0, len(base)+len(add))
	seen := make(map[string]struct{}, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
