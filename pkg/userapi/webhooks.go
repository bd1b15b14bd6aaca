package userapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz/controlplane/pkg/httpapi"
)

// Webhook is an operator-configured delivery target for
// ControlPlaneEvent fan-out, kept in-process for the same reason
// Notification is (see notifications.go): the persisted data model names
// no persisted Webhook entity, and actual HTTP delivery is out of
// scope.
type Webhook struct {
	WebhookID  string    `json:"webhook_id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	CreatedAt  time.Time `json:"created_at"`
}

type webhookStore struct {
	mu   sync.RWMutex
	byID map[string]*Webhook
}

func newWebhookStore() webhookStore {
	return webhookStore{byID: map[string]*Webhook{}}
}

type createWebhookRequest struct {
	Name       string   `json:"name" validate:"required"`
	URL        string   `json:"url" validate:"required,url"`
	EventTypes []string `json:"event_types" validate:"required,min=1"`
}

type patchWebhookRequest struct {
	WebhookID  string   `json:"webhook_id" validate:"required"`
	Name       string   `json:"name,omitempty"`
	URL        string   `json:"url,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

func (s *Server) handleGetWebhooks(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("webhook_id"); id != "" {
		s.webhooks.mu.RLock()
		hook, ok := s.webhooks.byID[id]
		s.webhooks.mu.RUnlock()
		if !ok {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such webhook")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, hook)
		return
	}

	s.webhooks.mu.RLock()
	defer s.webhooks.mu.RUnlock()
	result := make([]*Webhook, 0, len(s.webhooks.byID))
	for _, h := range s.webhooks.byID {
		result = append(result, h)
	}
	httpapi.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handlePostWebhooks(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	hook := &Webhook{
		WebhookID:  uuid.NewString(),
		Name:       req.Name,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		CreatedAt:  time.Now().UTC(),
	}

	s.webhooks.mu.Lock()
	s.webhooks.byID[hook.WebhookID] = hook
	s.webhooks.mu.Unlock()

	httpapi.WriteJSON(w, http.StatusOK, hook)
}

func (s *Server) handlePatchWebhooks(w http.ResponseWriter, r *http.Request) {
	var req patchWebhookRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	s.webhooks.mu.Lock()
	defer s.webhooks.mu.Unlock()
	hook, ok := s.webhooks.byID[req.WebhookID]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such webhook")
		return
	}
	if req.Name != "" {
		hook.Name = req.Name
	}
	if req.URL != "" {
		hook.URL = req.URL
	}
	if len(req.EventTypes) > 0 {
		hook.EventTypes = req.EventTypes
	}
	httpapi.WriteJSON(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhooks(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("webhook_id")

	s.webhooks.mu.Lock()
	delete(s.webhooks.byID, id)
	s.webhooks.mu.Unlock()

	httpapi.WriteResult(w, true)
}

// handleWebhookPing acknowledges a ping request without sending one:
// actual HTTP delivery to a webhook URL is out of scope (see the
// Webhook doc comment).
func (s *Server) handleWebhookPing(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("webhook_id")
	s.webhooks.mu.RLock()
	_, ok := s.webhooks.byID[id]
	s.webhooks.mu.RUnlock()
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such webhook")
		return
	}
	httpapi.WriteResult(w, true)
}

// handleWebhookLogs returns an empty delivery log: nothing is ever
// actually delivered, so there is nothing to have logged.
func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, []struct{}{})
}
