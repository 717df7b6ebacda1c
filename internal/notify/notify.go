// Package notify queues caregiver notifications in the durable outbox and delivers them by SMS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CareCall/internal/metrics"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
	"github.com/BTreeMap/CareCall/internal/twiliosms"
)

// Kind is the outbox kind used for caregiver notifications.
const Kind = "caregiver_notification"

// CaregiverLookup resolves a caregiver by id.
type CaregiverLookup interface {
	GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error)
}

// Notifier enqueues notifications for a patient's caregiver.
type Notifier struct {
	caregivers CaregiverLookup
	outbox     store.OutboxRepo
}

// NewNotifier creates a Notifier.
func NewNotifier(caregivers CaregiverLookup, outbox store.OutboxRepo) *Notifier {
	return &Notifier{caregivers: caregivers, outbox: outbox}
}

// Notify resolves the patient's caregiver and queues n for delivery. A non-empty dedupeKey
// collapses repeated notifications while one is still pending. It returns the outbox id.
func (n *Notifier) Notify(ctx context.Context, patient *models.Patient, priority models.Priority, title, message, dedupeKey string) (string, error) {
	if patient == nil {
		return "", fmt.Errorf("%w: patient is required", models.ErrValidation)
	}
	if patient.CaregiverID == "" {
		return "", fmt.Errorf("%w: patient %s has no caregiver", models.ErrNotFound, patient.ID)
	}
	cg, err := n.caregivers.GetCaregiver(ctx, patient.CaregiverID)
	if err != nil {
		return "", fmt.Errorf("resolve caregiver: %w", err)
	}

	payload, err := json.Marshal(models.Notification{
		PatientID:   patient.ID,
		CaregiverID: cg.ID,
		Priority:    priority,
		Title:       title,
		Message:     message,
	})
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	id, err := n.outbox.EnqueueOutboxMessage(patient.ID, Kind, string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	metrics.RecordNotificationQueued(string(priority))
	slog.Info("Notifier.Notify: notification queued", "patientID", patient.ID, "caregiverID", cg.ID, "priority", priority, "id", id)
	return id, nil
}

// Sender delivers outbox notifications over SMS. Send has the store.OutboxSendFunc shape.
type Sender struct {
	caregivers CaregiverLookup
	sms        twiliosms.Sender
}

// NewSender creates a Sender.
func NewSender(caregivers CaregiverLookup, sms twiliosms.Sender) *Sender {
	return &Sender{caregivers: caregivers, sms: sms}
}

// Send delivers one outbox message. Messages of another kind are rejected so they retry
// and end up failed rather than silently dropped.
func (s *Sender) Send(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != Kind {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var n models.Notification
	if err := msg.DecodePayload(&n); err != nil {
		return err
	}
	cg, err := s.caregivers.GetCaregiver(ctx, n.CaregiverID)
	if err != nil {
		return fmt.Errorf("resolve caregiver %s: %w", n.CaregiverID, err)
	}
	if cg.Phone == "" {
		return fmt.Errorf("caregiver %s has no phone number", cg.ID)
	}
	return s.sms.SendSMS(ctx, cg.Phone, FormatSMS(n))
}

// FormatSMS renders a notification as a single SMS body.
func FormatSMS(n models.Notification) string {
	var b strings.Builder
	switch n.Priority {
	case models.PriorityUrgent:
		b.WriteString("[URGENT] ")
	case models.PriorityHigh:
		b.WriteString("[HIGH] ")
	}
	if n.Title != "" {
		b.WriteString(n.Title)
		b.WriteString(": ")
	}
	b.WriteString(n.Message)
	return b.String()
}
