package userapi

import (
	"crypto/rand"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/secrets"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// secretStore keeps the ciphertext of generated agent auth secrets;
// only the opaque id is ever stamped on a Scaleset record.
type secretStore struct {
	mu   sync.RWMutex
	byID map[string]*secrets.Secret
}

func newSecretStore() secretStore {
	return secretStore{byID: map[string]*secrets.Secret{}}
}

// newScalesetAuthSecret generates, encrypts, and retains the shared
// secret agents on a new Scaleset authenticate with, returning its id.
func (s *Server) newScalesetAuthSecret() (string, error) {
	if s.secrets == nil {
		return "", nil
	}
	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return "", err
	}
	sec, err := s.secrets.CreateSecret("scaleset-auth-"+uuid.NewString(), plaintext)
	if err != nil {
		return "", err
	}
	s.secretStore.mu.Lock()
	s.secretStore.byID[sec.ID] = sec
	s.secretStore.mu.Unlock()
	return sec.ID, nil
}

type createScalesetRequest struct {
	PoolName        string            `json:"pool_name" validate:"required"`
	Region          string            `json:"region" validate:"required"`
	VMSku           string            `json:"vm_sku" validate:"required"`
	Image           string            `json:"image" validate:"required"`
	RequestedSize   int               `json:"requested_size" validate:"required,min=1"`
	Tags            map[string]string `json:"tags,omitempty"`
	EphemeralOSDisk bool              `json:"ephemeral_os_disk,omitempty"`
	SpotInstance    bool              `json:"spot_instance,omitempty"`
}

type patchScalesetRequest struct {
	ScalesetID string `json:"scaleset_id" validate:"required"`
	Size       int    `json:"size" validate:"required,min=0"`
}

func (s *Server) handleGetScaleset(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("scaleset_id"); id != "" {
		scaleset, err := s.repos.Scalesets.Get(id)
		if err != nil {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such scaleset")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, scaleset)
		return
	}

	var scalesets []*types.Scaleset
	var err error
	if poolName := r.URL.Query().Get("pool_name"); poolName != "" {
		scalesets, err = s.repos.Scalesets.ListByPool(poolName)
	} else {
		scalesets, err = s.repos.Scalesets.SearchNeedsWork()
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, scalesets)
}

func (s *Server) handlePostScaleset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req createScalesetRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	authSecretID, err := s.newScalesetAuthSecret()
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, "failed to provision auth secret")
		return
	}

	scaleset, err := s.repos.Scalesets.Create(repository.ScalesetSpec{
		PoolName:        req.PoolName,
		AuthSecretID:    authSecretID,
		Region:          req.Region,
		VMSku:           req.VMSku,
		Image:           req.Image,
		RequestedSize:   req.RequestedSize,
		Tags:            req.Tags,
		EphemeralOSDisk: req.EphemeralOSDisk,
		SpotInstance:    req.SpotInstance,
	})
	if err != nil {
		switch err {
		case repository.ErrPoolNotFound, repository.ErrPoolNotManaged:
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeUnableToCreate, err.Error())
		default:
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, err.Error())
		}
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, scaleset)
}

// handlePatchScaleset resizes a Scaleset.
func (s *Server) handlePatchScaleset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req patchScalesetRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	scaleset, err := s.repos.Scalesets.Get(req.ScalesetID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such scaleset")
		return
	}
	if err := s.repos.Scalesets.SetSize(scaleset, req.Size); err != nil {
		if err == storage.ErrVersionConflict {
			httpapi.WriteError(w, http.StatusConflict, httpapi.CodeUnableToUpdate, "scaleset was concurrently modified")
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	if s.hub != nil {
		publishEvent(s.hub, types.EventScalesetResize, scaleset)
	}
	httpapi.WriteJSON(w, http.StatusOK, scaleset)
}

// handleDeleteScaleset shuts a Scaleset down by transitioning it to
// Shutdown, draining it to zero before the processor
// deletes the cloud scale-set and the record.
func (s *Server) handleDeleteScaleset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := r.URL.Query().Get("scaleset_id")
	scaleset, err := s.repos.Scalesets.Get(id)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such scaleset")
		return
	}
	if scaleset.State.Terminal() || scaleset.State == types.ScalesetStateShutdown {
		httpapi.WriteResult(w, true)
		return
	}

	scaleset.State = types.ScalesetStateShutdown
	if err := s.repos.Scalesets.Replace(scaleset); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteResult(w, true)
}
