package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPConnector_Success(t *testing.T) {
	var gotBody []byte
	var gotSignature, gotTaskID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Conatus-Signature")
		gotTaskID = r.Header.Get("X-Conatus-Task-ID")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"delivered":true}`))
	}))
	defer srv.Close()

	conn := NewHTTPConnector("telegram", srv.URL, "s3cret", 5*time.Second)
	result, err := conn.Execute(context.Background(), Request{
		TaskID: "m1",
		Action: "message.send",
		Params: map[string]any{"content": "ping"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(result) != `{"delivered":true}` {
		t.Errorf("result = %s", result)
	}

	if gotTaskID != "m1" {
		t.Errorf("task id header = %q", gotTaskID)
	}
	if !VerifySignature("s3cret", gotBody, gotSignature) {
		t.Error("signature does not verify")
	}

	var payload connectorPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Action != "message.send" {
		t.Errorf("payload action = %q", payload.Action)
	}
}

func TestHTTPConnector_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
		wantUnknown   bool
	}{
		{"404 is unknown action", http.StatusNotFound, true, true},
		{"400 is permanent", http.StatusBadRequest, true, false},
		{"429 is transient", http.StatusTooManyRequests, false, false},
		{"500 is transient", http.StatusInternalServerError, false, false},
		{"503 is transient", http.StatusServiceUnavailable, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			conn := NewHTTPConnector("svc", srv.URL, "", 5*time.Second)
			_, err := conn.Execute(context.Background(), Request{Action: "a"})
			if err == nil {
				t.Fatal("expected error")
			}

			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("expected ExecutionError, got %T", err)
			}
			if execErr.Permanent != tt.wantPermanent {
				t.Errorf("Permanent = %v, want %v", execErr.Permanent, tt.wantPermanent)
			}
			if got := errors.Is(err, ErrUnknownAction); got != tt.wantUnknown {
				t.Errorf("Is(ErrUnknownAction) = %v, want %v", got, tt.wantUnknown)
			}
		})
	}
}

func TestHTTPConnector_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	conn := NewHTTPConnector("svc", srv.URL, "", time.Second)
	_, err := conn.Execute(context.Background(), Request{Action: "a"})
	if err == nil {
		t.Fatal("expected error")
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T", err)
	}
	if execErr.Permanent {
		t.Error("network error should be transient")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"message.send"}`)
	sig := ComputeSignature("secret", body)

	if !VerifySignature("secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("wrong", body, sig) {
		t.Error("signature verified under wrong secret")
	}
	if VerifySignature("secret", []byte("tampered"), sig) {
		t.Error("signature verified for tampered body")
	}
}
