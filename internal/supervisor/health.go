package supervisor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// HealthServer provides the supervisor's HTTP endpoints: /healthz for
// liveness probes and /status for operators.
type HealthServer struct {
	client *pipeline.Client
	addr   string
	status StatusFunc
	server *http.Server
}

// StatusFunc builds the current status report on demand.
type StatusFunc func(ctx context.Context) (*StatusReport, error)

// NewHealthServer creates a health check server listening on addr.
func NewHealthServer(client *pipeline.Client, addr string, status StatusFunc) *HealthServer {
	return &HealthServer{
		client: client,
		addr:   addr,
		status: status,
	}
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	mux.HandleFunc("/status", h.statusHandler)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ERROR] Health server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
	}

	if err := h.client.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	response.Redis = "connected"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// statusHandler handles GET /status requests with a full operational
// snapshot: queue depths, worker liveness, restart and reclaim counters,
// and open questions.
func (h *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := h.status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusReport is the JSON response structure for /status.
type StatusReport struct {
	Instance      string                `json:"instance"`
	Stages        []pipeline.StageDepth `json:"stages"`
	Workers       []WorkerStatus        `json:"workers"`
	Restarts      int64                 `json:"restarts"`
	Reclaims      int64                 `json:"reclaims"`
	OpenQuestions int                   `json:"open_questions"`
}

// WorkerStatus is one worker's liveness snapshot.
type WorkerStatus struct {
	Name          string `json:"name"`
	Stage         string `json:"stage"`
	Processed     int64  `json:"processed"`
	LastBeatAgoMs int64  `json:"last_beat_ago_ms"`
}
