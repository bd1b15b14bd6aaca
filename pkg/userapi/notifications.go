package userapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz/controlplane/pkg/httpapi"
)

// Notification is a container→config binding that would normally
// trigger Teams/ADO/GitHub delivery on new files.
// Delivery itself happens outside this process — blob storage and
// notification fan-out are black boxes the core calls through an
// interface and never implements; there is no persisted
// entity for it in the data model either, so this repo keeps
// Notification and Webhook configuration in an in-process store rather
// than inventing a new Raft-replicated Kind for records nothing else
// in the control plane ever reads. A real deployment would persist
// these the same way as every other entity; this is the boundary
// line between config CRUD, which lives here, and delivery.
type Notification struct {
	NotificationID string          `json:"notification_id"`
	Container      string          `json:"container"`
	Config         json.RawMessage `json:"config"`
	CreatedAt      time.Time       `json:"created_at"`
}

type notificationStore struct {
	mu   sync.RWMutex
	byID map[string]*Notification
}

func newNotificationStore() notificationStore {
	return notificationStore{byID: map[string]*Notification{}}
}

type createNotificationRequest struct {
	Container string          `json:"container" validate:"required"`
	Config    json.RawMessage `json:"config" validate:"required"`
}

func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	container := r.URL.Query().Get("container")

	s.notifications.mu.RLock()
	defer s.notifications.mu.RUnlock()
	result := make([]*Notification, 0, len(s.notifications.byID))
	for _, n := range s.notifications.byID {
		if container == "" || n.Container == container {
			result = append(result, n)
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handlePostNotifications(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	notification := &Notification{
		NotificationID: uuid.NewString(),
		Container:      req.Container,
		Config:         req.Config,
		CreatedAt:      time.Now().UTC(),
	}

	s.notifications.mu.Lock()
	s.notifications.byID[notification.NotificationID] = notification
	s.notifications.mu.Unlock()

	httpapi.WriteJSON(w, http.StatusOK, notification)
}

func (s *Server) handleDeleteNotifications(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("notification_id")

	s.notifications.mu.Lock()
	delete(s.notifications.byID, id)
	s.notifications.mu.Unlock()

	httpapi.WriteResult(w, true)
}

// handleTestNotification validates a config without registering it or
// delivering anything — there is nothing downstream to deliver to
// (see the Notification doc comment).
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeNotificationFailure, err.Error())
		return
	}
	httpapi.WriteResult(w, true)
}
