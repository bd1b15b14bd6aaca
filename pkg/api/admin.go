// Package api implements the operator-internal admin listener: health
// and readiness probes, the Prometheus metrics endpoint, and the
// cluster-membership routes a joining replica posts to. This listener
// binds to an internal address and carries no user or agent traffic.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/metrics"
)

// Version is stamped via ldflags at build time.
var Version = "dev"

// AdminServer serves the admin listener's routes.
type AdminServer struct {
	cluster *cluster.Cluster
	mux     *http.ServeMux
	server  *http.Server
}

// NewAdminServer wires the admin routes over a cluster handle.
func NewAdminServer(c *cluster.Cluster) *AdminServer {
	mux := http.NewServeMux()
	as := &AdminServer{
		cluster: c,
		mux:     mux,
	}

	mux.HandleFunc("/health", as.healthHandler)
	mux.HandleFunc("/ready", as.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/admin/cluster/join", as.joinHandler)
	mux.HandleFunc("/admin/cluster/leave", as.leaveHandler)
	mux.HandleFunc("/admin/cluster/servers", as.serversHandler)

	return as
}

// Start serves the admin listener until Shutdown.
func (as *AdminServer) Start(addr string) error {
	as.server = &http.Server{
		Addr:         addr,
		Handler:      as.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return as.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (as *AdminServer) Shutdown(ctx context.Context) error {
	if as.server == nil {
		return nil
	}
	return as.server.Shutdown(ctx)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 if the process is alive.
func (as *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler reports whether this replica can accept traffic.
func (as *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if as.cluster != nil {
		if as.cluster.IsLeader() {
			checks["raft"] = "leader"
		} else {
			leaderAddr := as.cluster.LeaderAddr()
			if leaderAddr != "" {
				checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
			} else {
				checks["raft"] = "no leader elected"
				ready = false
				message = "Waiting for leader election"
			}
		}

		if err := as.cluster.Store.Reachable(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "Storage not accessible"
			}
		} else {
			checks["storage"] = "ok"
		}

		checks["events"] = fmt.Sprintf("%d subscribers", as.cluster.Events.SubscriberCount())
	} else {
		checks["raft"] = "not initialized"
		checks["storage"] = "not initialized"
		ready = false
		message = "Cluster not initialized"
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

type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type leaveRequest struct {
	NodeID string `json:"node_id"`
}

// joinHandler admits a new replica as a Raft voter. Only the leader
// accepts joins; followers answer 307 with the leader's address so the
// joining node can retry there.
func (as *AdminServer) joinHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.Address == "" {
		http.Error(w, "node_id and address are required", http.StatusBadRequest)
		return
	}

	if !as.cluster.IsLeader() {
		w.Header().Set("Location", as.cluster.LeaderAddr())
		http.Error(w, "not the leader", http.StatusTemporaryRedirect)
		return
	}

	if err := as.cluster.AddVoter(req.NodeID, req.Address); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"result": true})
}

// leaveHandler evicts a replica from the Raft configuration.
func (as *AdminServer) leaveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	if !as.cluster.IsLeader() {
		w.Header().Set("Location", as.cluster.LeaderAddr())
		http.Error(w, "not the leader", http.StatusTemporaryRedirect)
		return
	}

	if err := as.cluster.RemoveServer(req.NodeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"result": true})
}

// serversHandler lists the current Raft configuration.
func (as *AdminServer) serversHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	servers, err := as.cluster.GetClusterServers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type serverInfo struct {
		ID       string `json:"id"`
		Address  string `json:"address"`
		Suffrage string `json:"suffrage"`
	}
	out := make([]serverInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverInfo{
			ID:       string(s.ID),
			Address:  string(s.Address),
			Suffrage: s.Suffrage.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
