package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

func healthTestClient(t *testing.T, addr string, opts *redis.Options) *pipeline.Client {
	t.Helper()

	reg, err := pipeline.NewRegistry([]pipeline.StageSchema{
		{
			Stage:  "dev",
			Fields: []pipeline.FieldSpec{{Name: "tests_passed", Kind: pipeline.EvidenceBool}},
			Gates:  []pipeline.Gate{{Kind: pipeline.GatePass, Field: "tests_passed"}},
		},
	}, 3)
	if err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}

	if opts == nil {
		opts = &redis.Options{Addr: addr}
	}
	client, err := pipeline.NewClient(opts, "test-instance", reg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// TestHealthCheckEndpoint_MethodNotAllowed verifies non-GET requests are rejected.
func TestHealthCheckEndpoint_MethodNotAllowed(t *testing.T) {
	// Create a mock server (nil client is fine for this test)
	server := NewHealthServer(nil, ":0", nil)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()

	server.healthCheckHandler(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestHealthCheckResponse verifies the JSON response structure.
func TestHealthCheckResponse(t *testing.T) {
	t.Run("healthy when Redis reachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := healthTestClient(t, mr.Addr(), nil)

		server := NewHealthServer(client, ":0", nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()

		server.healthCheckHandler(w, req)

		var response HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if response.Status != "healthy" {
			t.Errorf("Expected healthy status, got %s", response.Status)
		}
		if response.Redis != "connected" {
			t.Errorf("Expected redis=connected, got %s", response.Redis)
		}
		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("unhealthy when Redis unavailable", func(t *testing.T) {
		// Use an address that definitely won't have Redis running
		// Port 9 is the discard protocol - connections will fail immediately
		client := healthTestClient(t, "", &redis.Options{
			Addr:         "localhost:9",
			DialTimeout:  50 * time.Millisecond,
			ReadTimeout:  50 * time.Millisecond,
			WriteTimeout: 50 * time.Millisecond,
		})

		server := NewHealthServer(client, ":0", nil)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		// Use context with timeout to prevent hanging
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		req = req.WithContext(ctx)

		w := httptest.NewRecorder()

		server.healthCheckHandler(w, req)

		var response HealthResponse
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}

		if response.Status != "unhealthy" {
			t.Errorf("Expected unhealthy status (Redis not running), got %s", response.Status)
		}
		if response.Redis != "disconnected" {
			t.Errorf("Expected redis=disconnected, got %s", response.Redis)
		}
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", ct)
		}
	})
}

// TestStatusEndpoint verifies the /status payload and error handling.
func TestStatusEndpoint(t *testing.T) {
	t.Run("returns the report as JSON", func(t *testing.T) {
		report := &StatusReport{
			Instance: "test-instance",
			Stages: []pipeline.StageDepth{
				{Stage: "dev", Pending: 3, Inflight: 1},
			},
			Workers: []WorkerStatus{
				{Name: "dev-1", Stage: "dev", Processed: 7, LastBeatAgoMs: 12},
			},
			Restarts:      1,
			Reclaims:      2,
			OpenQuestions: 1,
		}
		server := NewHealthServer(nil, ":0", func(ctx context.Context) (*StatusReport, error) {
			return report, nil
		})

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		w := httptest.NewRecorder()

		server.statusHandler(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}

		var got StatusReport
		if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if got.Instance != "test-instance" {
			t.Errorf("Expected instance test-instance, got %s", got.Instance)
		}
		if len(got.Stages) != 1 || got.Stages[0].Pending != 3 {
			t.Errorf("Unexpected stages payload: %+v", got.Stages)
		}
		if len(got.Workers) != 1 || got.Workers[0].Name != "dev-1" {
			t.Errorf("Unexpected workers payload: %+v", got.Workers)
		}
		if got.OpenQuestions != 1 {
			t.Errorf("Expected 1 open question, got %d", got.OpenQuestions)
		}
	})

	t.Run("reports errors as 500", func(t *testing.T) {
		server := NewHealthServer(nil, ":0", func(ctx context.Context) (*StatusReport, error) {
			return nil, errors.New("redis went away")
		})

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		w := httptest.NewRecorder()

		server.statusHandler(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", w.Code)
		}
	})

	t.Run("rejects non-GET methods", func(t *testing.T) {
		server := NewHealthServer(nil, ":0", nil)

		req := httptest.NewRequest(http.MethodDelete, "/status", nil)
		w := httptest.NewRecorder()

		server.statusHandler(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", w.Code)
		}
	})
}
