package models

// Priority is the urgency of a caregiver notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps free text to a Priority, defaulting to PriorityNormal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Notification is a message queued for a patient's caregiver.
type Notification struct {
	PatientID   string   `json:"patientId"`
	CaregiverID string   `json:"caregiverId"`
	Priority    Priority `json:"priority"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
}
