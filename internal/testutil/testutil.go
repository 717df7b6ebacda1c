// Package testutil provides shared fixtures for CareCall tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/store"
)

// NewStore returns an empty in-memory store.
func NewStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// SeedPatients creates each patient in st and fails the test on error.
func SeedPatients(t *testing.T, st store.Store, patients ...*models.Patient) {
	t.Helper()
	for _, p := range patients {
		if err := st.CreatePatient(context.Background(), p); err != nil {
			t.Fatalf("seed patient %s: %v", p.ID, err)
		}
	}
}

// ScheduledPatient builds a patient called once a day at hour ("HH:00") in tz.
func ScheduledPatient(id, tz, hour string) *models.Patient {
	return &models.Patient{
		ID:           id,
		CaregiverID:  "cg-" + id,
		Name:         "Patient " + id,
		Phone:        "+1555000" + id,
		Timezone:     tz,
		CallSchedule: []string{hour},
	}
}

// CalledAt returns a copy of p with LastCallAt set.
func CalledAt(p *models.Patient, at time.Time) *models.Patient {
	cp := *p
	cp.LastCallAt = &at
	return &cp
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		buf.Write(MustMarshalJSON(t, body))
	}
	req := httptest.NewRequest(method, url, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DecodeJSON decodes a recorded response body into a generic map.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return out
}

// MustMarshalJSON marshals v to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
