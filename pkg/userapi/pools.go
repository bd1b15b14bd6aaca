package userapi

import (
	"net/http"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

type createPoolRequest struct {
	Name     string   `json:"name" validate:"required"`
	OS       types.OS `json:"os" validate:"required"`
	Arch     string   `json:"arch" validate:"required"`
	Managed  bool     `json:"managed"`
	ObjectID string   `json:"object_id,omitempty"`
}

type patchPoolRequest struct {
	PoolName   string `json:"pool_name" validate:"required"`
	ConfigHash string `json:"config_hash"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		pool, err := s.repos.Pools.GetByName(name)
		if err != nil {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such pool")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, pool)
		return
	}

	pools, err := s.repos.Pools.List(nil)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pools)
}

func (s *Server) handlePostPool(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req createPoolRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	pool, err := s.repos.Pools.Create(req.Name, req.OS, req.Arch, req.Managed, req.ObjectID)
	if err != nil {
		if err == repository.ErrPoolNameTaken {
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeUnableToCreate, err.Error())
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pool)
}

// handlePatchPool updates a Pool's config hash, which the Scaleset
// processor's Outdated check compares against every owned Scaleset.
func (s *Server) handlePatchPool(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req patchPoolRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	pool, err := s.repos.Pools.GetByName(req.PoolName)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such pool")
		return
	}
	pool.ConfigHash = req.ConfigHash
	if err := s.repos.Pools.Replace(pool); err != nil {
		if err == storage.ErrVersionConflict {
			httpapi.WriteError(w, http.StatusConflict, httpapi.CodeUnableToUpdate, "pool was concurrently modified")
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, pool)
}

// handleDeletePool shuts a Pool down by transitioning it to Shutdown,
// which cascades to owned Scalesets; the record is deleted once the
// processor reaches Halt, not here.
func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	name := r.URL.Query().Get("name")
	pool, err := s.repos.Pools.GetByName(name)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such pool")
		return
	}
	if pool.State == types.PoolStateShutdown || pool.State == types.PoolStateHalt {
		httpapi.WriteResult(w, true)
		return
	}

	pool.State = types.PoolStateShutdown
	if err := s.repos.Pools.Replace(pool); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteResult(w, true)
}
