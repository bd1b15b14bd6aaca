package userapi

import (
	"net/http"
	"time"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/httpapi"
)

// containerSASTTL bounds how long an issued SAS URL remains valid.
// No specific value is required for the user-facing surface (only
// the cloud adapter call timeout); a day covers a typical upload
// or browse session without forcing frequent re-issuance.
const containerSASTTL = 24 * time.Hour

type containerRequest struct {
	Container string `json:"container" validate:"required"`
}

type containerResponse struct {
	Container string `json:"container"`
	SASURL    string `json:"sas_url"`
}

// handleGetContainers issues a read-scoped SAS for an existing
// container. Actual container provisioning, listing, and deletion
// live entirely in the cloud adapter this repo only stubs (pkg/cloud's
// Provider interface and Fake), so this handler is a thin
// pass-through to Provider.ContainerSAS rather than a container
// registry of its own.
func (s *Server) handleGetContainers(w http.ResponseWriter, r *http.Request) {
	container := r.URL.Query().Get("container")
	if container == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "container is required")
		return
	}

	ctx, cancel := contextWithTimeout(s.cfg.Timeouts.CloudAdapterCall)
	defer cancel()
	sasURL, err := s.provider.ContainerSAS(ctx, container, cloud.PermissionRead, containerSASTTL)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInvalidContainer, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, containerResponse{Container: container, SASURL: sasURL})
}

// handlePostContainers issues a write-scoped SAS for a container an
// operator intends to upload into. The container itself is assumed to
// already exist in the backing blob store, or to be lazily created by
// the provider on first write — this repo does not model container
// existence as its own entity (see handleGetContainers).
func (s *Server) handlePostContainers(w http.ResponseWriter, r *http.Request) {
	var req containerRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(s.cfg.Timeouts.CloudAdapterCall)
	defer cancel()
	sasURL, err := s.provider.ContainerSAS(ctx, req.Container, cloud.PermissionWrite, containerSASTTL)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreateContainer, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, containerResponse{Container: req.Container, SASURL: sasURL})
}

// handleDeleteContainers acknowledges a delete request without
// performing one: actual blob lifecycle management is delegated to
// the cloud adapter, which this repo deliberately leaves unimplemented
// (see the package doc on pkg/cloud).
func (s *Server) handleDeleteContainers(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteResult(w, true)
}

// handleDownload redirects to a time-bounded read SAS for a single
// blob.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	container := r.URL.Query().Get("container")
	filename := r.URL.Query().Get("filename")
	if container == "" || filename == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "container and filename are required")
		return
	}

	ctx, cancel := contextWithTimeout(s.cfg.Timeouts.CloudAdapterCall)
	defer cancel()
	sasURL, err := s.provider.ContainerSAS(ctx, container, cloud.PermissionRead, containerSASTTL)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInvalidContainer, err.Error())
		return
	}
	http.Redirect(w, r, sasURL, http.StatusSeeOther)
}
