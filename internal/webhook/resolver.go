package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CareCall/internal/models"
)

// PatientLookup is the patient persistence the resolver needs.
type PatientLookup interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	FindPatientsByPhone(ctx context.Context, phone string) ([]models.Patient, error)
}

// PatientResolver maps a call event to the patient it concerns.
type PatientResolver struct {
	patients PatientLookup
}

// NewPatientResolver creates a PatientResolver.
func NewPatientResolver(patients PatientLookup) *PatientResolver {
	return &PatientResolver{patients: patients}
}

// Resolve prefers the patient id the dispatcher put in the call's variables. Without a
// usable token it falls back to the customer phone; when several patients share the
// phone the most recently created wins.
func (r *PatientResolver) Resolve(ctx context.Context, ev models.NormalizedCallEvent) (*models.Patient, error) {
	if ev.ContextPatientID != "" {
		p, err := r.patients.GetPatient(ctx, ev.ContextPatientID)
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, models.ErrNotFound):
			slog.Warn("PatientResolver.Resolve: context patient not found, falling back to phone", "patientID", ev.ContextPatientID, "callID", ev.CallID)
		default:
			return nil, fmt.Errorf("lookup context patient: %w", err)
		}
	}

	if ev.CustomerPhone == "" {
		return nil, fmt.Errorf("%w: call %s has no patient context or customer phone", models.ErrNotFound, ev.CallID)
	}
	matches, err := r.patients.FindPatientsByPhone(ctx, ev.CustomerPhone)
	if err != nil {
		return nil, fmt.Errorf("lookup patient by phone: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no patient with phone %s", models.ErrNotFound, ev.CustomerPhone)
	}
	if len(matches) > 1 {
		slog.Warn("PatientResolver.Resolve: phone shared by several patients, using most recent",
			"phone", ev.CustomerPhone, "count", len(matches), "patientID", matches[0].ID, "callID", ev.CallID)
	}
	p := matches[0]
	return &p, nil
}
