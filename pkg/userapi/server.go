// Package userapi implements the User HTTP surface:
// job/task/pool/scaleset/node CRUD, container SAS issuance, download
// redirects, notification and webhook configuration, and instance
// introspection, as seen by the onefuzz CLI and its operators. It
// shares pkg/agentapi's chi-router/InstrumentedHandler shape,
// generalized from a single agent scope to the user/admin split.
package userapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/auth"
	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/realtime"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/secrets"
)

// Server implements the User HTTP surface over the same Repositories
// and Provider collaborators pkg/agentapi uses, plus the config and
// realtime broker the agent surface has no need for.
type Server struct {
	repos    *repository.Repositories
	queue    *queue.Queue
	issuer   *auth.Issuer
	provider cloud.Provider
	hub      *realtime.Hub
	logger   zerolog.Logger

	validate *validator.Validate

	// infoCache memoizes the single /info response; it is an LRU only
	// in the sense that it holds exactly one key ("info"). The response
	// is built once from static config fields and never refreshed.
	infoCache *lru.Cache[string, InfoResponse]

	mu             sync.RWMutex
	instanceConfig map[string]interface{}

	notifications notificationStore
	webhooks      webhookStore

	secrets     *secrets.Manager
	secretStore secretStore

	cfg config.Config
}

// New constructs a Server.
func New(repos *repository.Repositories, q *queue.Queue, issuer *auth.Issuer, provider cloud.Provider, hub *realtime.Hub, sec *secrets.Manager, cfg config.Config, logger zerolog.Logger) *Server {
	cache, _ := lru.New[string, InfoResponse](1)

	instanceConfig := cfg.InstanceConfig
	if instanceConfig == nil {
		instanceConfig = map[string]interface{}{}
	}

	return &Server{
		repos:          repos,
		queue:          q,
		issuer:         issuer,
		provider:       provider,
		hub:            hub,
		logger:         logger,
		validate:       validator.New(),
		infoCache:      cache,
		instanceConfig: instanceConfig,
		notifications:  newNotificationStore(),
		webhooks:       newWebhookStore(),
		secrets:        sec,
		secretStore:    newSecretStore(),
		cfg:            cfg,
	}
}

// Routes mounts the User HTTP surface. /config is anonymous; everything else requires at least user scope, with
// admin-gated mutations checked inline via requireAdmin.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	mount := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return httpapi.InstrumentedHandler("user", route, h)
	}

	r.Get("/config", mount("config", s.handleGetConfig))

	authed := chi.NewRouter()
	authed.Get("/jobs", mount("jobs", s.handleGetJobs))
	authed.Post("/jobs", mount("jobs", s.handlePostJobs))
	authed.Delete("/jobs", mount("jobs", s.handleDeleteJobs))

	authed.Get("/tasks", mount("tasks", s.handleGetTasks))
	authed.Post("/tasks", mount("tasks", s.handlePostTasks))
	authed.Delete("/tasks", mount("tasks", s.handleDeleteTasks))

	authed.Get("/pool", mount("pool", s.handleGetPool))
	authed.Post("/pool", mount("pool", s.handlePostPool))
	authed.Patch("/pool", mount("pool", s.handlePatchPool))
	authed.Delete("/pool", mount("pool", s.handleDeletePool))

	authed.Get("/scaleset", mount("scaleset", s.handleGetScaleset))
	authed.Post("/scaleset", mount("scaleset", s.handlePostScaleset))
	authed.Patch("/scaleset", mount("scaleset", s.handlePatchScaleset))
	authed.Delete("/scaleset", mount("scaleset", s.handleDeleteScaleset))

	authed.Get("/node", mount("node", s.handleGetNode))
	authed.Post("/node", mount("node", s.handlePostNode))
	authed.Patch("/node", mount("node", s.handlePatchNode))
	authed.Delete("/node", mount("node", s.handleDeleteNode))
	authed.Post("/node/add_ssh_key", mount("node_add_ssh_key", s.handleAddSSHKey))

	authed.Get("/containers", mount("containers", s.handleGetContainers))
	authed.Post("/containers", mount("containers", s.handlePostContainers))
	authed.Delete("/containers", mount("containers", s.handleDeleteContainers))
	authed.Get("/download", mount("download", s.handleDownload))

	authed.Get("/notifications", mount("notifications", s.handleGetNotifications))
	authed.Post("/notifications", mount("notifications", s.handlePostNotifications))
	authed.Delete("/notifications", mount("notifications", s.handleDeleteNotifications))
	authed.Post("/notifications/test", mount("notifications_test", s.handleTestNotification))

	authed.Get("/webhooks", mount("webhooks", s.handleGetWebhooks))
	authed.Post("/webhooks", mount("webhooks", s.handlePostWebhooks))
	authed.Patch("/webhooks", mount("webhooks", s.handlePatchWebhooks))
	authed.Delete("/webhooks", mount("webhooks", s.handleDeleteWebhooks))
	authed.Post("/webhooks/ping", mount("webhooks_ping", s.handleWebhookPing))
	authed.Post("/webhooks/logs", mount("webhooks_logs", s.handleWebhookLogs))

	authed.Get("/info", mount("info", s.handleGetInfo))
	authed.Get("/instance_config", mount("instance_config", s.handleGetInstanceConfig))
	authed.Post("/instance_config", mount("instance_config", s.handlePostInstanceConfig))

	authed.Post("/negotiate", mount("negotiate", s.handleNegotiate))

	if s.issuer != nil {
		r.Mount("/", s.issuer.RequireScope(auth.ScopeUser, authed))
	} else {
		r.Mount("/", authed)
	}
	return r
}

// contextWithTimeout derives a deadline-bounded context for a
// provider call made directly off an HTTP request (container SAS
// issuance). A non-positive timeout disables the deadline rather than
// firing immediately.
func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// requireAdmin enforces the admin-only subset of mutations. When
// no issuer is configured (tests, or a deployment that disabled auth)
// every caller is treated as admin, matching pkg/agentapi's permissive
// no-issuer behavior.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.issuer == nil {
		return true
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.Scope != auth.ScopeAdmin {
		httpapi.WriteError(w, http.StatusForbidden, httpapi.CodeInvalidRequest, "admin scope required")
		return false
	}
	return true
}
