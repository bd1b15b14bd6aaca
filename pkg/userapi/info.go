package userapi

import (
	"net/http"

	"github.com/onefuzz/controlplane/pkg/httpapi"
)

// AnonConfig is the unauthenticated response to GET /config: enough for a client to confirm it is talking to
// the right cluster node before authenticating, and nothing more.
type AnonConfig struct {
	NodeID string `json:"node_id"`
}

// InfoResponse is the authenticated instance summary returned by
// GET /info.
type InfoResponse struct {
	NodeID         string `json:"node_id"`
	AgentAPIAddr   string `json:"agent_api_addr"`
	UserAPIAddr    string `json:"user_api_addr"`
}

const infoCacheKey = "info"

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, AnonConfig{NodeID: s.cfg.NodeID})
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.infoCache.Get(infoCacheKey); ok {
		httpapi.WriteJSON(w, http.StatusOK, cached)
		return
	}

	info := InfoResponse{
		NodeID:       s.cfg.NodeID,
		AgentAPIAddr: s.cfg.AgentAPIAddr,
		UserAPIAddr:  s.cfg.UserAPIAddr,
	}
	s.infoCache.Add(infoCacheKey, info)
	httpapi.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetInstanceConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	httpapi.WriteJSON(w, http.StatusOK, s.instanceConfig)
}

// handlePostInstanceConfig replaces the instance-wide config blob
// wholesale.
func (s *Server) handlePostInstanceConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var body map[string]interface{}
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}

	s.mu.Lock()
	s.instanceConfig = body
	s.mu.Unlock()

	httpapi.WriteJSON(w, http.StatusOK, body)
}

// handleNegotiate upgrades the caller directly into the realtime
// websocket stream.
func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeInvalidRequest, "realtime fan-out is not configured")
		return
	}
	if err := s.hub.ServeWS(w, r); err != nil {
		s.logger.Warn().Err(err).Msg("negotiate: websocket upgrade failed")
	}
}
