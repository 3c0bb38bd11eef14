package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robustmq/robustmq/pkg/metrics"
	"github.com/robustmq/robustmq/pkg/raftmeta"
)

// brokerVersion is stamped into /health responses; bumped by hand until
// build-info stamping is wired up.
const brokerVersion = "0.1.0"

// HealthServer provides HTTP health/readiness endpoints and exposes the
// Prometheus registry, run alongside (not instead of) the gRPC listener
// on each node.
type HealthServer struct {
	node *raftmeta.Node
	mux  *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. A nil node is
// accepted so the server can be wired up before Bootstrap/Join runs.
func NewHealthServer(node *raftmeta.Node) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		node: node,
		mux:  mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint: a liveness check that
// returns 200 if the process can serve HTTP at all.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   brokerVersion,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: checks Raft leadership
// status and whether the backing KV store answers reads.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.node != nil {
		if hs.node.IsLeader() {
			checks["raft"] = "leader"
		} else if leaderAddr := hs.node.LeaderAddr(); leaderAddr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}
	} else {
		checks["raft"] = "not initialized"
		ready = false
		message = "node not initialized"
	}

	if hs.node != nil && hs.node.Router != nil {
		if _, err := hs.node.Router.GetCluster("__health_probe__"); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "storage not accessible"
			}
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
