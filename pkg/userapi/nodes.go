package userapi

import (
	"net/http"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

type reimageNodeRequest struct {
	MachineID string `json:"machine_id" validate:"required"`
	PoolName  string `json:"pool_name" validate:"required"`
}

type patchNodeRequest struct {
	MachineID string `json:"machine_id" validate:"required"`
	PoolName  string `json:"pool_name" validate:"required"`
	DebugKeep bool   `json:"debug_keep"`
}

type addSSHKeyRequest struct {
	MachineID string `json:"machine_id" validate:"required"`
	PublicKey string `json:"public_key" validate:"required"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	poolName := r.URL.Query().Get("pool_name")

	if machineID != "" {
		var node *types.Node
		var err error
		if poolName != "" {
			node, err = s.repos.Nodes.Get(poolName, machineID)
		} else {
			node, err = s.repos.Nodes.FindByMachineID(machineID)
		}
		if err != nil {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such node")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, node)
		return
	}

	if poolName == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id or pool_name is required")
		return
	}
	nodes, err := s.repos.Nodes.ListByPool(poolName)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nodes)
}

// handlePostNode requests a reimage: the Node's agent is told to stop
// and the underlying instance is recycled on its next Halt. Nodes are otherwise created only by agent
// self-registration, never by this surface directly.
func (s *Server) handlePostNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req reimageNodeRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	node, err := s.repos.Nodes.Get(req.PoolName, req.MachineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such node")
		return
	}
	node.ReimageRequested = true
	if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, node)
}

// handlePatchNode updates a Node's debug_keep flag, which suppresses
// the automatic reimage/cleanup a Task's completion would otherwise
// trigger.
func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req patchNodeRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	node, err := s.repos.Nodes.Get(req.PoolName, req.MachineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such node")
		return
	}
	node.DebugKeep = req.DebugKeep
	if err := s.repos.Nodes.Replace(node); err != nil {
		if err == storage.ErrVersionConflict {
			httpapi.WriteError(w, http.StatusConflict, httpapi.CodeUnableToUpdate, "node was concurrently modified")
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, node)
}

// handleDeleteNode marks a Node for deletion; the Node processor carries it through Done and
// Halt, where the record and the cloud instance are actually removed.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	poolName := r.URL.Query().Get("pool_name")
	machineID := r.URL.Query().Get("machine_id")
	node, err := s.repos.Nodes.Get(poolName, machineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such node")
		return
	}
	if node.State == types.NodeStateHalt {
		httpapi.WriteResult(w, true)
		return
	}

	node.DeleteRequested = true
	if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteResult(w, true)
}

// handleAddSSHKey queues an add_ssh_key command for delivery on the
// Node's next commands poll.
func (s *Server) handleAddSSHKey(w http.ResponseWriter, r *http.Request) {
	var req addSSHKeyRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	if _, err := s.repos.Nodes.FindByMachineID(req.MachineID); err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such node")
		return
	}

	if _, err := s.repos.NodeMessages.EnqueuePayload(req.MachineID, types.NodeMessageAddSSHKey, req.PublicKey); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	httpapi.WriteResult(w, true)
}
