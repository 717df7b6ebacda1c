package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CareCall/internal/models"
)

func TestAttemptFailed(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{"customer-ended-call", false},
		{"assistant-ended-call", false},
		{"voicemail", true},
		{"customer-did-not-answer", true},
		{"customer-busy", true},
		{"twilio-failed-to-connect-call", true},
		{"pipeline-error-openai-llm-failed", true},
	}
	for _, tt := range tests {
		if got := AttemptFailed(tt.reason); got != tt.want {
			t.Errorf("AttemptFailed(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestClient_PlaceCall(t *testing.T) {
	var got placeCallBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/call" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"call-123","status":"queued"}`))
	}))
	defer srv.Close()

	c, err := NewClient(WithBaseURL(srv.URL), WithAPIKey("secret"), WithPhoneNumberID("pn-1"), WithServerURL("https://example.test/call-ended"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	call, err := c.PlaceCall(context.Background(), CallRequest{
		CustomerNumber: "+15551234567",
		AssistantID:    "asst-1",
		VoiceID:        "voice-1",
		Variables:      Variables{Name: "Ruth", PatientID: "p1", Medications: []string{"aspirin"}},
	})
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	if call.ID != "call-123" {
		t.Errorf("call id = %q", call.ID)
	}
	if got.Customer.Number != "+15551234567" || got.PhoneNumberID != "pn-1" {
		t.Errorf("unexpected body %+v", got)
	}
	if got.AssistantOverrides.VariableValues.PatientID != "p1" {
		t.Errorf("patientId variable not sent: %+v", got.AssistantOverrides.VariableValues)
	}
	if got.AssistantOverrides.Voice == nil || got.AssistantOverrides.Voice.VoiceID != "voice-1" {
		t.Errorf("voice override not sent: %+v", got.AssistantOverrides.Voice)
	}
}

func TestClient_PlaceCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid number"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(WithBaseURL(srv.URL), WithAPIKey("secret"))
	_, err := c.PlaceCall(context.Background(), CallRequest{CustomerNumber: "+1", AssistantID: "a"})
	if !errors.Is(err, models.ErrProvider) {
		t.Errorf("expected ErrProvider, got %v", err)
	}
}

func TestClient_PlaceCallValidation(t *testing.T) {
	c, _ := NewClient(WithAPIKey("secret"))
	_, err := c.PlaceCall(context.Background(), CallRequest{AssistantID: "a"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestClient_GetCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call/call-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"call-9","status":"ended","endedReason":"voicemail"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(WithBaseURL(srv.URL), WithAPIKey("secret"))
	call, err := c.GetCall(context.Background(), "call-9")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if !call.Ended() || !AttemptFailed(call.EndedReason) {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error without API key")
	}
}
