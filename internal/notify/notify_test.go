package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifier_DeliversSignedEvent(t *testing.T) {
	var got Event
	var signature string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(SignatureHeader)
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.Client(), srv.URL, "hook-secret", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	event := Event{
		Type:       EventLowBalance,
		TenantID:   "tenant-1",
		Payload:    map[string]interface{}{"balance": "0.5"},
		OccurredAt: time.Now().UTC(),
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Type != EventLowBalance || got.TenantID != "tenant-1" {
		t.Fatalf("delivered event = %+v", got)
	}
	// The receiver recomputes the HMAC over the raw body with the shared
	// secret and compares.
	if want := Sign("hook-secret", body); signature != want {
		t.Fatalf("signature = %q, want %q", signature, want)
	}
}

func TestWebhookNotifier_NoSecretSendsUnsigned(t *testing.T) {
	var signed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signed = r.Header.Get(SignatureHeader) != ""
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.Client(), srv.URL, "", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(context.Background(), Event{Type: EventAutoTopup}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if signed {
		t.Fatal("unsigned delivery should carry no signature header")
	}
}

func TestWebhookNotifier_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.Client(), srv.URL, "", nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := n.Notify(context.Background(), Event{Type: EventAutoTopup}); err == nil {
		t.Fatal("expected delivery error for 500 response")
	}
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier(nil, "", "", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
