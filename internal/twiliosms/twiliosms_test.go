package twiliosms

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendSMS(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendSMS(ctx, "+15550001111", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].To != "+15550001111" {
		t.Errorf("unexpected message %+v", sent[0])
	}
}

func TestMockClient_Error(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("boom")
	if err := mock.SendSMS(context.Background(), "+1", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed sends should not be recorded")
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.from != "+15550000000" {
		t.Errorf("from = %q", c.from)
	}
}

func TestNewClient_EnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "envtok")
	t.Setenv("TWILIO_FROM_NUMBER", "+15551112222")

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.from != "+15551112222" {
		t.Errorf("from = %q", c.from)
	}
}
