package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evidentia-io/evidentia/types"
)

func TestHTTPTimestampService_RequiresURL(t *testing.T) {
	if _, err := NewHTTPTimestampService("", 0); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestHTTPTimestampService_Success(t *testing.T) {
	var gotRoot string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MerkleRoot string `json:"merkle_root"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotRoot = req.MerkleRoot
		_ = json.NewEncoder(w).Encode(map[string]any{
			"authority":     "tsa.example.com",
			"token":         "tsa-token-1",
			"serial_number": "serial-9",
			"timestamp_ms":  1700000000000,
		})
	}))
	defer server.Close()

	svc, err := NewHTTPTimestampService(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPTimestampService failed: %v", err)
	}

	result, err := svc.Timestamp(context.Background(), "root-abc")
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if gotRoot != "root-abc" {
		t.Errorf("authority received root %q, want root-abc", gotRoot)
	}
	if result.Type != types.TimestampAuthority {
		t.Errorf("expected authority source, got %s", result.Type)
	}
	if result.MerkleRoot != "root-abc" || result.TimestampMs != 1700000000000 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.TSA == nil || result.TSA.Token != "tsa-token-1" || result.TSA.SerialNumber != "serial-9" {
		t.Errorf("unexpected TSA info: %+v", result.TSA)
	}
}

func TestHTTPTimestampService_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, err := NewHTTPTimestampService(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPTimestampService failed: %v", err)
	}
	if _, err := svc.Timestamp(context.Background(), "root-abc"); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestHTTPTimestampService_MissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"timestamp_ms": 1700000000000})
	}))
	defer server.Close()

	svc, err := NewHTTPTimestampService(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPTimestampService failed: %v", err)
	}
	if _, err := svc.Timestamp(context.Background(), "root-abc"); err == nil {
		t.Fatal("expected error for response without token")
	}
}

func TestHTTPTimestampService_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, err := NewHTTPTimestampService(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPTimestampService failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Timestamp(ctx, "root-abc"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
